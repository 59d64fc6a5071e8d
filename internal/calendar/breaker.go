package calendar

import "sync"

// Breaker holds the run-scoped circuit state for the two downstream
// operations. A tripped circuit stays open until the next run resets it;
// there is no cooldown because each run starts from a clean slate.
type Breaker struct {
	mu         sync.Mutex
	queryOpen  bool
	createOpen bool
	reason     string
}

// Reset closes both circuits. Called at the start of every run.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.queryOpen = false
	b.createOpen = false
	b.reason = ""
	b.mu.Unlock()
}

// TripQuery opens the query circuit. The first recorded reason wins.
func (b *Breaker) TripQuery(reason string) {
	b.mu.Lock()
	b.queryOpen = true
	if b.reason == "" {
		b.reason = reason
	}
	b.mu.Unlock()
}

// TripCreate opens the create circuit. The first recorded reason wins.
func (b *Breaker) TripCreate(reason string) {
	b.mu.Lock()
	b.createOpen = true
	if b.reason == "" {
		b.reason = reason
	}
	b.mu.Unlock()
}

func (b *Breaker) QueryOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queryOpen
}

func (b *Breaker) CreateOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.createOpen
}

func (b *Breaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}
