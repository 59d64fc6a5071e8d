package engine

import (
	"errors"
	"sync"
	"time"
)

// ErrBusy is returned when a run is requested while one is active.
var ErrBusy = errors.New("sync run already in progress")

// Run phases, in execution order.
const (
	PhaseStarting   = "STARTING"
	PhaseFetching   = "FETCHING"
	PhaseDownstream = "DOWNSTREAM_SYNC"
	PhaseStore      = "STORE_SYNC"
	PhaseLogging    = "LOGGING"
	PhaseFinished   = "FINISHED"
	PhaseFailed     = "FAILED"
)

// Range is the day-bounded window a run reconciles.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Progress carries the live counters of the active run.
type Progress struct {
	Phase string `json:"phase"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Upserted  int `json:"upserted"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`

	Registered    int `json:"registered"`
	CalSkipped    int `json:"calSkipped"`
	QueryErrors   int `json:"queryErrors"`
	CreateErrors  int `json:"createErrors"`
	RefreshCalls  int `json:"refreshCalls"`
	RefreshErrors int `json:"refreshErrors"`

	DisabledReason string `json:"disabledReason,omitempty"`
}

// Result summarizes one finished run. It stays in memory for the status
// surface until the next run replaces it.
type Result struct {
	RunID      string    `json:"runId"`
	Range      Range     `json:"range"`
	RawCount   int       `json:"rawCount"`
	StoreCount int       `json:"storeCount"`
	Progress   Progress  `json:"progress"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Snapshot is a point-in-time copy of the tracker state.
type Snapshot struct {
	InProgress bool      `json:"inProgress"`
	RunID      string    `json:"runId,omitempty"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
	Range      *Range    `json:"range,omitempty"`
	Progress   Progress  `json:"progress"`
	LastResult *Result   `json:"lastResult,omitempty"`
}

// Tracker guards the single-run invariant and exposes progress to the HTTP
// surface. It is single-process state: with multiple instances the busy
// check would have to move into shared storage.
type Tracker struct {
	mu         sync.Mutex
	inProgress bool
	runID      string
	startedAt  time.Time
	finishedAt time.Time
	rng        Range
	progress   Progress
	lastResult *Result
}

// Begin claims the run slot. It fails with ErrBusy while a run is active.
func (t *Tracker) Begin(runID string, rng Range) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inProgress {
		return ErrBusy
	}
	t.inProgress = true
	t.runID = runID
	t.startedAt = time.Now()
	t.finishedAt = time.Time{}
	t.rng = rng
	t.progress = Progress{Phase: PhaseStarting}
	return nil
}

// Update mutates the live counters under the tracker lock.
func (t *Tracker) Update(fn func(p *Progress)) {
	t.mu.Lock()
	fn(&t.progress)
	t.mu.Unlock()
}

// SetPhase advances the run phase.
func (t *Tracker) SetPhase(phase string) {
	t.Update(func(p *Progress) { p.Phase = phase })
}

// Finish releases the run slot and records the result summary.
func (t *Tracker) Finish(res Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res.Progress = t.progress
	if res.Error == "" {
		res.Progress.Phase = PhaseFinished
	} else {
		res.Progress.Phase = PhaseFailed
	}
	res.RunID = t.runID
	res.Range = t.rng
	res.FinishedAt = time.Now()

	t.inProgress = false
	t.finishedAt = res.FinishedAt
	t.progress = res.Progress
	t.lastResult = &res
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		InProgress: t.inProgress,
		RunID:      t.runID,
		StartedAt:  t.startedAt,
		FinishedAt: t.finishedAt,
		Progress:   t.progress,
	}
	if t.runID != "" {
		rng := t.rng
		s.Range = &rng
	}
	if t.lastResult != nil {
		res := *t.lastResult
		s.LastResult = &res
	}
	return s
}
