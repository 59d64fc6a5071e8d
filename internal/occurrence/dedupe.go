package occurrence

import (
	"fmt"
	"sort"
	"time"
)

// Dedupe collapses exact duplicates by identity key. The last occurrence
// wins on collision but keeps the position where the key first appeared,
// so merged source order is stable across runs.
func Dedupe(in []Occurrence) []Occurrence {
	if len(in) <= 1 {
		return in
	}
	idx := make(map[string]int, len(in))
	out := make([]Occurrence, 0, len(in))
	for _, o := range in {
		k := o.Key()
		if i, ok := idx[k]; ok {
			out[i] = o
			continue
		}
		idx[k] = len(out)
		out = append(out, o)
	}
	return out
}

// GroupByBucket folds occurrences sharing (bot, subject, processId) whose
// start falls in the same fixed-size time bucket into one synthetic
// occurrence spanning the bucket. It is used only for the storage-facing
// stream; calendar registration always sees exact execution times.
//
// bucketMinutes must be a positive multiple of 5, otherwise the input is
// returned unchanged.
func GroupByBucket(in []Occurrence, bucketMinutes int, loc *time.Location) []Occurrence {
	if bucketMinutes <= 0 || bucketMinutes%5 != 0 {
		return in
	}
	if loc == nil {
		loc = time.UTC
	}
	size := time.Duration(bucketMinutes) * time.Minute

	type group struct {
		first    Occurrence
		bucket   time.Time
		earliest time.Time
		latest   time.Time
		count    int
	}

	groups := make(map[string]*group)
	order := make([]string, 0, len(in))

	for _, o := range in {
		if o.Start.IsZero() {
			continue
		}
		start := o.Start.In(loc)
		bucket := time.Date(start.Year(), start.Month(), start.Day(), start.Hour(),
			start.Minute()/bucketMinutes*bucketMinutes, 0, 0, loc)

		key := o.Bot() + "||" + o.Subject + "||" + o.ProcessID + "||" + bucket.UTC().Format(time.RFC3339)
		g := groups[key]
		if g == nil {
			end := o.End
			if end.IsZero() {
				end = o.Start
			}
			groups[key] = &group{first: o, bucket: bucket, earliest: o.Start, latest: end, count: 1}
			order = append(order, key)
			continue
		}

		g.count++
		if o.Start.Before(g.earliest) {
			g.earliest = o.Start
		}
		end := o.End
		if end.IsZero() {
			end = o.Start
		}
		if end.After(g.latest) {
			g.latest = end
		}
	}

	out := make([]Occurrence, 0, len(order))
	for _, key := range order {
		g := groups[key]
		o := g.first
		o.Start = g.bucket
		o.End = g.bucket.Add(size)
		if g.count > 1 {
			body := fmt.Sprintf("[group %d/%dm] actual: %s ~ %s",
				g.count, bucketMinutes,
				g.earliest.UTC().Format(time.RFC3339), g.latest.UTC().Format(time.RFC3339))
			if g.first.Body != "" {
				body += "\n" + g.first.Body
			}
			o.Body = body
		}
		out = append(out, o)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
