package engine

import (
	"context"
	"fmt"
	"time"

	"rpacal/internal/calendar"
	"rpacal/internal/occurrence"
	"rpacal/internal/storage"
	logx "rpacal/pkg/logx"
)

// queryWidening is how far the existence query window extends past the
// occurrence on each side.
const queryWidening = time.Hour

// nearMatchWindow treats entries whose start is this close as the same
// schedule even without interval overlap.
const nearMatchWindow = 5 * time.Minute

// syncDownstream registers every desired occurrence that is not already in
// the calendar. Failures here never fail the run; they only move counters
// and trip the run-scoped circuits.
func (e *Engine) syncDownstream(ctx context.Context, rng Range, desired []occurrence.Occurrence, pol policy, log logx.Logger) {
	if !e.gw.CreateConfigured() {
		log.Debug("calendar create endpoint not configured, skipping downstream sync")
		return
	}

	br := e.gw.Breaker()
	br.Reset()

	e.refreshOnDiff(ctx, rng, desired, pol, log)

	setDisabled := func() {
		reason := br.Reason()
		e.tracker.Update(func(p *Progress) { p.DisabledReason = reason })
	}

	creates := 0
	for _, o := range desired {
		bot := o.CalendarBot()
		if bot == "" || !o.Valid() {
			continue
		}

		registered, err := e.store.IsRegistered(ctx, bot, o.Subject, o.Start, o.End)
		if err != nil {
			log.Warn("ledger lookup failed", logx.Err(err))
		}
		if registered {
			e.tracker.Update(func(p *Progress) { p.CalSkipped++ })
			continue
		}

		exists := false
		switch {
		case pol.disableExistenceCheck:
			// Forced create path; the ledger check above still applies.
		case e.gw.QueryConfigured() && !br.QueryOpen():
			events, qerr := e.gw.Query(ctx, o.Start.Add(-queryWidening), o.End.Add(queryWidening))
			if qerr != nil {
				e.tracker.Update(func(p *Progress) { p.QueryErrors++ })
				exists = !pol.createOnQueryError
				if calendar.IsTransient(qerr) {
					br.TripQuery(fmt.Sprintf("calendar query failed: %v", qerr))
					setDisabled()
					log.Warn("calendar query circuit opened", logx.Err(qerr))
				}
			} else {
				exists = matchesExisting(events, o)
				if exists {
					if err := e.store.MarkRegistered(ctx, bot, o.Subject, o.Start, o.End); err != nil {
						log.Warn("ledger mark failed", logx.Err(err))
					}
				}
			}
		default:
			// Query unavailable (circuit open or not configured): the policy
			// decides between trying the create and skipping.
			exists = !pol.createOnQueryError
		}

		if exists {
			e.tracker.Update(func(p *Progress) { p.CalSkipped++ })
			continue
		}

		if br.CreateOpen() {
			break
		}
		if pol.maxCreatesPerRun > 0 && creates >= pol.maxCreatesPerRun {
			br.TripCreate(fmt.Sprintf("calendar create capped (max %d/run)", pol.maxCreatesPerRun))
			setDisabled()
			break
		}

		body := o.Body
		if body == "" {
			body = "process: " + o.ProcessName
		}
		entry := calendar.Entry{
			Bot:     bot,
			Subject: o.Subject,
			Start:   o.Start,
			End:     o.End,
			Body:    fmt.Sprintf("[syncTag=%s]\n%s", pol.syncTag, body),
		}
		if cerr := e.gw.Create(ctx, entry); cerr != nil {
			e.tracker.Update(func(p *Progress) { p.CreateErrors++ })
			if err := e.store.MarkFailed(ctx, bot, o.Subject, o.Start, o.End, cerr.Error()); err != nil {
				log.Warn("ledger mark failed", logx.Err(err))
			}
			if calendar.IsTransient(cerr) {
				br.TripCreate(fmt.Sprintf("calendar create failed: %v", cerr))
				setDisabled()
				log.Warn("calendar create circuit opened", logx.Err(cerr))
			}
			continue
		}

		creates++
		e.tracker.Update(func(p *Progress) { p.Registered++ })
		if err := e.store.MarkRegistered(ctx, bot, o.Subject, o.Start, o.End); err != nil {
			log.Warn("ledger mark failed", logx.Err(err))
		}
	}
}

// matchesExisting reports whether any queried event is the same schedule:
// same bot (by either identity), same subject, and either interval overlap
// or starts within the near-match window.
func matchesExisting(events []calendar.Event, o occurrence.Occurrence) bool {
	for _, ev := range events {
		if ev.Subject != o.Subject {
			continue
		}
		if ev.Bot != o.BotName && ev.Bot != o.BotID {
			continue
		}
		overlap := !ev.Start.After(o.End) && !ev.End.Before(o.Start)
		delta := ev.Start.Sub(o.Start)
		if delta < 0 {
			delta = -delta
		}
		if overlap || delta < nearMatchWindow {
			return true
		}
	}
	return false
}

// refreshOnDiff rebuilds one bot's calendar range when the ledger disagrees
// with the desired set: a PUT tells the downstream to wipe and re-register
// the range, then the ledger rows are replaced to match.
func (e *Engine) refreshOnDiff(ctx context.Context, rng Range, desired []occurrence.Occurrence, pol policy, log logx.Logger) {
	if !pol.refreshOnDiff || !e.gw.RefreshConfigured() {
		return
	}

	byBot := make(map[string][]occurrence.Occurrence)
	var order []string
	for _, o := range desired {
		bot := o.CalendarBot()
		if bot == "" || !o.Valid() {
			continue
		}
		if _, seen := byBot[bot]; !seen {
			order = append(order, bot)
		}
		byBot[bot] = append(byBot[bot], o)
	}

	calls := 0
	for _, bot := range order {
		if pol.maxRefreshCalls > 0 && calls >= pol.maxRefreshCalls {
			log.Info("refresh call cap reached", logx.Int("max", pol.maxRefreshCalls))
			return
		}
		occs := byBot[bot]
		want := make(map[string]bool, len(occs))
		for _, o := range occs {
			want[storage.RegistrationKey(o.Subject, o.Start, o.End)] = true
		}

		have, err := e.store.RegisteredKeysInRange(ctx, bot, rng.Start, rng.End)
		if err != nil {
			log.Warn("ledger key scan failed", logx.String("bot", bot), logx.Err(err))
			continue
		}
		if keySetsEqual(want, have) {
			continue
		}

		log.Info("registration diff detected, refreshing range",
			logx.String("bot", bot),
			logx.Int("desired", len(want)),
			logx.Int("registered", len(have)))

		if err := e.gw.RefreshRange(ctx, bot, rng.Start, rng.End); err != nil {
			e.tracker.Update(func(p *Progress) { p.RefreshErrors++ })
			log.Warn("range refresh failed", logx.String("bot", bot), logx.Err(err))
			continue
		}
		calls++
		e.tracker.Update(func(p *Progress) { p.RefreshCalls++ })

		// Rebuild the ledger to mirror what the downstream now holds.
		if _, err := e.store.DeleteRegistrationsInRange(ctx, bot, rng.Start, rng.End); err != nil {
			log.Warn("ledger range delete failed", logx.String("bot", bot), logx.Err(err))
			continue
		}
		for _, o := range occs {
			if err := e.store.MarkRegistered(ctx, bot, o.Subject, o.Start, o.End); err != nil {
				log.Warn("ledger mark failed", logx.Err(err))
			}
		}
	}
}

func keySetsEqual(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
