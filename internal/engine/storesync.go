package engine

import (
	"context"

	"rpacal/internal/occurrence"
	"rpacal/internal/storage"
	logx "rpacal/pkg/logx"
)

// syncStore loads the store-facing set into bot_schedules. In replace mode
// it first soft-deletes prior upstream-sourced rows in the window so stale
// entries from earlier runs cannot linger; manual rows are never touched.
func (e *Engine) syncStore(ctx context.Context, rng Range, storeSet []occurrence.Occurrence, pol policy, log logx.Logger) (upserted, errorCount int) {
	if pol.replaceInRange {
		for _, src := range []occurrence.Source{occurrence.SourceRule, occurrence.SourceHistory} {
			n, err := e.store.SoftDeleteBySourceInRange(ctx, string(src), rng.Start, rng.End)
			if err != nil {
				log.Warn("replace-mode soft delete failed", logx.String("source", string(src)), logx.Err(err))
				continue
			}
			if n > 0 {
				log.Info("replace mode cleared prior rows",
					logx.String("source", string(src)),
					logx.Int64("deleted", n))
			}
		}
	}

	for _, o := range storeSet {
		e.tracker.Update(func(p *Progress) { p.Processed++ })

		if !o.Valid() {
			errorCount++
			e.tracker.Update(func(p *Progress) { p.Failed++ })
			continue
		}

		exists, err := e.store.ExistsExactActive(ctx, o.Bot(), o.Subject, o.Start, o.End)
		if err != nil {
			errorCount++
			e.tracker.Update(func(p *Progress) { p.Failed++ })
			log.Warn("store existence check failed", logx.Err(err))
			continue
		}
		if exists {
			e.tracker.Update(func(p *Progress) { p.Skipped++ })
			continue
		}

		_, err = e.store.UpsertSchedule(ctx, storage.Schedule{
			BotID:     o.Bot(),
			BotName:   o.BotName,
			Subject:   o.Subject,
			Start:     o.Start,
			End:       o.End,
			Body:      o.Body,
			ProcessID: o.ProcessID,
			Source:    string(o.Source),
		})
		if err != nil {
			errorCount++
			e.tracker.Update(func(p *Progress) { p.Failed++ })
			log.Warn("schedule upsert failed", logx.Err(err))
			continue
		}
		upserted++
		e.tracker.Update(func(p *Progress) { p.Upserted++ })
	}
	return upserted, errorCount
}
