package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Meter applies per-session request rate limiting and counts proxied bytes.
// A zero rate disables limiting; byte counting is always on. Only sessions
// between Track and Forget are metered; calls for any other id are ignored,
// so a request finishing after teardown leaves nothing behind.
type Meter struct {
	mu      sync.Mutex
	entries map[string]*meterEntry
	rateVal rate.Limit
	burst   int
}

type meterEntry struct {
	limiter *rate.Limiter
	bytes   atomic.Int64
}

// NewMeter creates a meter allowing reqPerSec sustained requests per session
// with the given burst.
func NewMeter(reqPerSec float64, burst int) *Meter {
	m := &Meter{entries: make(map[string]*meterEntry)}
	m.SetRate(reqPerSec, burst)
	return m
}

// SetRate changes the limit for every session, live ones included.
func (m *Meter) SetRate(reqPerSec float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateVal = rate.Limit(reqPerSec)
	m.burst = burst
	for _, e := range m.entries {
		e.limiter.SetLimit(m.rateVal)
		e.limiter.SetBurst(burst)
	}
}

// Track starts metering a newly admitted session.
func (m *Meter) Track(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[sessionID]; ok {
		return
	}
	m.entries[sessionID] = &meterEntry{limiter: rate.NewLimiter(m.rateVal, m.burst)}
}

// Wait blocks until the session may send another request or ctx is done.
func (m *Meter) Wait(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e := m.entries[sessionID]
	limited := m.rateVal > 0
	m.mu.Unlock()
	if e == nil || !limited {
		return nil
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

// Add records n proxied bytes for the session.
func (m *Meter) Add(sessionID string, n int) {
	if e := m.entry(sessionID); e != nil {
		e.bytes.Add(int64(n))
	}
}

// Usage returns the bytes proxied for the session so far.
func (m *Meter) Usage(sessionID string) int64 {
	if e := m.entry(sessionID); e != nil {
		return e.bytes.Load()
	}
	return 0
}

// Len returns the number of metered sessions.
func (m *Meter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Forget stops metering the session, returning its byte total.
func (m *Meter) Forget(sessionID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[sessionID]
	if e == nil {
		return 0
	}
	delete(m.entries, sessionID)
	return e.bytes.Load()
}

func (m *Meter) entry(sessionID string) *meterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[sessionID]
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/float64(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/float64(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
