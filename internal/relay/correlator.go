package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/ws"
)

// DefaultRequestTimeout is how long a public request waits for the agent.
const DefaultRequestTimeout = 30 * time.Second

// SendFunc writes a proxy-request frame to a session's control connection.
type SendFunc func(ctx context.Context, req ws.ProxyRequest) error

type result struct {
	resp *ws.ProxyResponse
	err  error
}

// pendingRequest is one in-flight proxied request. Its sink has room for
// exactly one result; whoever removes the entry from the table delivers it.
type pendingRequest struct {
	id       string
	deadline time.Time
	timer    *time.Timer
	sink     chan result
}

// Correlator tracks a session's in-flight proxied requests and matches
// response frames to them by request id.
type Correlator struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	closeErr error
	newID    func() string
}

func NewCorrelator() *Correlator {
	return &Correlator{
		pending: make(map[string]*pendingRequest),
		newID:   func() string { return uuid.New().String() },
	}
}

// Dispatch sends req over send and waits for the matching response, the
// timeout, or ctx cancellation, whichever comes first. Exactly one outcome is
// delivered per dispatched request.
func (c *Correlator) Dispatch(ctx context.Context, timeout time.Duration, req ws.ProxyRequest, send SendFunc) (*ws.ProxyResponse, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	p, err := c.add(timeout)
	if err != nil {
		return nil, err
	}

	req.Type = ws.TypeProxyRequest
	req.RequestID = p.id
	if err := send(ctx, req); err != nil {
		c.finish(p.id, result{err: fmt.Errorf("%w: %v", ErrSendFailed, err)})
	}

	select {
	case r := <-p.sink:
		return r.resp, r.err
	case <-ctx.Done():
		// Caller went away. Retire the entry; if something else got there
		// first its result is already in the sink.
		c.finish(p.id, result{err: ctx.Err()})
		r := <-p.sink
		return r.resp, r.err
	}
}

// Resolve delivers a response frame to its pending request. It reports false
// for unknown, already-resolved, or expired ids; such frames are discarded.
func (c *Correlator) Resolve(resp ws.ProxyResponse) bool {
	return c.finish(resp.RequestID, result{resp: &resp})
}

// Fail terminates one pending request with err. Used when a response frame
// names a request but cannot be decoded.
func (c *Correlator) Fail(id string, err error) bool {
	return c.finish(id, result{err: err})
}

// Close fails every pending request with err and rejects new dispatches.
// Returns how many requests were failed.
func (c *Correlator) Close(err error) int {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	victims := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		victims = append(victims, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.timer.Stop()
		p.sink <- result{err: err}
	}
	return len(victims)
}

// Len returns the number of requests still waiting for a response.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) add(timeout time.Duration) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return nil, c.closeErr
	}
	id := c.newID()
	for c.pending[id] != nil {
		id = c.newID()
	}
	p := &pendingRequest{
		id:       id,
		deadline: time.Now().Add(timeout),
		sink:     make(chan result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		if c.finish(id, result{err: ErrRelayTimeout}) {
			logger.Debug("request expired", "request", id, "deadline", p.deadline.Format(time.RFC3339Nano), "timeout", timeout)
		}
	})
	c.pending[id] = p
	return p, nil
}

// finish removes id from the table and, if it was still there, delivers r.
func (c *Correlator) finish(id string, r result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.sink <- r
	return true
}
