package relay

import (
	"context"
	"sync"
	"time"

	"github.com/ehrlich-b/mirage/internal/ws"
)

const (
	// maxAllocAttempts bounds how often admission retries a colliding id.
	maxAllocAttempts = 5

	// retiredMemory is how many removed ids stay reserved against reuse.
	retiredMemory = 4096
)

// Session binds a public id to one agent control connection and at most one
// visitor browser connection.
type Session struct {
	ID        string
	Control   *FrameConn
	Pending   *Correlator
	CreatedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

// Touch records agent activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the agent's most recent frame.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Send writes a proxy-request frame to the agent. The caller's cancellation is
// not propagated: abandoning a write midway would tear down the whole control
// connection.
func (s *Session) Send(ctx context.Context, req ws.ProxyRequest) error {
	return s.Control.WriteJSON(context.WithoutCancel(ctx), req)
}

// Live reports whether the control connection can still carry frames.
func (s *Session) Live() bool {
	return s.Control != nil && s.Control.Open()
}

type sessionEntry struct {
	session *Session
	browser *FrameConn
}

// Registry is the relay's table of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry // session id → entry

	// Recently removed ids. A late browser for a dead session must never land
	// on a new session that happened to draw the same id.
	retired     map[string]struct{}
	retiredRing []string
	retiredNext int
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*sessionEntry),
		retired:     make(map[string]struct{}),
		retiredRing: make([]string, 0, retiredMemory),
	}
}

// Register binds id to control. It fails with ErrSessionCollision if id
// names a live or recently removed session.
func (r *Registry) Register(id string, control *FrameConn) (*Session, error) {
	now := time.Now()
	s := &Session{
		ID:        id,
		Control:   control,
		Pending:   NewCorrelator(),
		CreatedAt: now,
		lastSeen:  now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return nil, ErrSessionCollision
	}
	if _, used := r.retired[id]; used {
		return nil, ErrSessionCollision
	}
	r.sessions[id] = &sessionEntry{session: s}
	return s, nil
}

// Admit allocates a fresh id for control and registers it, regenerating on
// collision up to maxAllocAttempts times.
func (r *Registry) Admit(alloc IDAllocator, control *FrameConn) (*Session, error) {
	for i := 0; i < maxAllocAttempts; i++ {
		s, err := r.Register(alloc.Allocate(), control)
		if err == nil {
			return s, nil
		}
	}
	return nil, ErrAllocationExhausted
}

// Lookup returns the live session for id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.sessions[id]; e != nil {
		return e.session
	}
	return nil
}

// SetBrowser makes conn the session's browser connection, superseding any
// previous one. Returns false if the session does not exist.
func (r *Registry) SetBrowser(id string, conn *FrameConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[id]
	if e == nil {
		return false
	}
	e.browser = conn
	return true
}

// ClearBrowser empties the browser slot only if conn still holds it, so a
// stale close cannot evict a newer registration.
func (r *Registry) ClearBrowser(id string, conn *FrameConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.sessions[id]; e != nil && e.browser == conn {
		e.browser = nil
	}
}

// Browser returns the session's current browser connection, or nil.
func (r *Registry) Browser(id string) *FrameConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.sessions[id]; e != nil {
		return e.browser
	}
	return nil
}

// Remove deregisters id and returns the removed session (nil if absent) so the
// caller can fail its pending requests. The browser slot goes with it.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.sessions[id]
	if e == nil {
		return nil
	}
	delete(r.sessions, id)
	r.retire(id)
	return e.session
}

// retire must be called with r.mu held.
func (r *Registry) retire(id string) {
	if len(r.retiredRing) < retiredMemory {
		r.retiredRing = append(r.retiredRing, id)
	} else {
		delete(r.retired, r.retiredRing[r.retiredNext])
		r.retiredRing[r.retiredNext] = id
		r.retiredNext = (r.retiredNext + 1) % retiredMemory
	}
	r.retired[id] = struct{}{}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of all sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		result = append(result, e.session)
	}
	return result
}
