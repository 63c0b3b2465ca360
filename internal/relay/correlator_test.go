package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/ws"
)

// capture returns a SendFunc that hands each sent request to the test.
func capture() (SendFunc, <-chan ws.ProxyRequest) {
	ch := make(chan ws.ProxyRequest, 16)
	return func(_ context.Context, req ws.ProxyRequest) error {
		ch <- req
		return nil
	}, ch
}

func TestDispatchResolve(t *testing.T) {
	c := NewCorrelator()
	send, sent := capture()

	go func() {
		req := <-sent
		if req.Type != ws.TypeProxyRequest || req.RequestID == "" {
			t.Errorf("sent %+v", req)
		}
		c.Resolve(ws.ProxyResponse{RequestID: req.RequestID, StatusCode: 204})
	}()

	resp, err := c.Dispatch(context.Background(), time.Second, ws.ProxyRequest{Method: "GET", Path: "/"}, send)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.StatusCode != 204 {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if c.Len() != 0 {
		t.Errorf("pending = %d after resolve", c.Len())
	}
}

func TestDispatchTimeoutThenLateResponse(t *testing.T) {
	c := NewCorrelator()
	send, sent := capture()

	start := time.Now()
	_, err := c.Dispatch(context.Background(), 50*time.Millisecond, ws.ProxyRequest{}, send)
	if !errors.Is(err, ErrRelayTimeout) {
		t.Fatalf("err = %v, want ErrRelayTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}

	req := <-sent
	if c.Resolve(ws.ProxyResponse{RequestID: req.RequestID}) {
		t.Error("late response was accepted")
	}
}

// lockedBuffer is a log sink safe for the timer goroutines that write to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func captureLog(t *testing.T) *lockedBuffer {
	t.Helper()
	var buf lockedBuffer
	prev := logger.Log
	logger.Log = logger.New(&buf, slog.LevelDebug)
	t.Cleanup(func() { logger.Log = prev })
	return &buf
}

func TestExpiryLogsDeadline(t *testing.T) {
	logs := captureLog(t)
	c := NewCorrelator()
	c.newID = func() string { return "req-expiring" }
	send, _ := capture()

	if _, err := c.Dispatch(context.Background(), 20*time.Millisecond, ws.ProxyRequest{}, send); !errors.Is(err, ErrRelayTimeout) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, "expiry log", func() bool { return strings.Contains(logs.String(), "request expired") })
	line := logs.String()
	if !strings.Contains(line, "request=req-expiring") || !strings.Contains(line, "deadline=") {
		t.Errorf("log = %q", line)
	}

	// Resolved requests are not reported as expired.
	logs.mu.Lock()
	logs.buf.Reset()
	logs.mu.Unlock()
	c.newID = func() string { return "req-answered" }
	go func() {
		for c.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		c.Resolve(ws.ProxyResponse{RequestID: "req-answered"})
	}()
	if _, err := c.Dispatch(context.Background(), 50*time.Millisecond, ws.ProxyRequest{}, send); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if strings.Contains(logs.String(), "req-answered") {
		t.Errorf("answered request logged as expired: %q", logs.String())
	}
}

func TestResolveUnknownID(t *testing.T) {
	c := NewCorrelator()
	if c.Resolve(ws.ProxyResponse{RequestID: "nope"}) {
		t.Error("unknown id resolved")
	}
}

func TestResolveTwiceDeliversOnce(t *testing.T) {
	c := NewCorrelator()
	send, sent := capture()

	done := make(chan *ws.ProxyResponse, 1)
	go func() {
		resp, _ := c.Dispatch(context.Background(), time.Second, ws.ProxyRequest{}, send)
		done <- resp
	}()
	req := <-sent
	first := c.Resolve(ws.ProxyResponse{RequestID: req.RequestID, StatusCode: 200})
	second := c.Resolve(ws.ProxyResponse{RequestID: req.RequestID, StatusCode: 500})
	if !first || second {
		t.Fatalf("resolve results = %v, %v", first, second)
	}
	if resp := <-done; resp.StatusCode != 200 {
		t.Errorf("status = %d, want the first response", resp.StatusCode)
	}
}

func TestSendFailure(t *testing.T) {
	c := NewCorrelator()
	send := func(context.Context, ws.ProxyRequest) error { return errors.New("broken pipe") }

	_, err := c.Dispatch(context.Background(), time.Second, ws.ProxyRequest{}, send)
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("err = %v, want ErrSendFailed", err)
	}
	if c.Len() != 0 {
		t.Errorf("pending = %d", c.Len())
	}
}

func TestCallerCancel(t *testing.T) {
	c := NewCorrelator()
	send, sent := capture()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-sent
		cancel()
	}()
	_, err := c.Dispatch(ctx, time.Minute, ws.ProxyRequest{}, send)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if c.Len() != 0 {
		t.Errorf("cancelled request still pending")
	}
}

func TestCloseFailsAllPending(t *testing.T) {
	c := NewCorrelator()
	send, sent := capture()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Dispatch(context.Background(), time.Minute, ws.ProxyRequest{}, send)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		<-sent
	}

	if failed := c.Close(ErrSessionClosed); failed != n {
		t.Errorf("Close failed %d requests, want %d", failed, n)
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrSessionClosed) {
				t.Errorf("err = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request not failed by Close")
		}
	}

	if _, err := c.Dispatch(context.Background(), time.Second, ws.ProxyRequest{}, send); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("dispatch after close: err = %v", err)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	c := NewCorrelator()
	// Echo agent: answers every request with its own id in the body.
	send := func(_ context.Context, req ws.ProxyRequest) error {
		go c.Resolve(ws.ProxyResponse{RequestID: req.RequestID, Body: req.Path})
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/item/%d", i)
			resp, err := c.Dispatch(context.Background(), 5*time.Second, ws.ProxyRequest{Path: path}, send)
			if err != nil {
				t.Errorf("dispatch %d: %v", i, err)
				return
			}
			if resp.Body != path {
				t.Errorf("request %s got response for %s", path, resp.Body)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 0 {
		t.Errorf("pending = %d", c.Len())
	}
}

func TestUniqueIDsUnderCollidingGenerator(t *testing.T) {
	c := NewCorrelator()
	ids := []string{"dup", "dup", "fresh"}
	c.newID = func() string {
		id := ids[0]
		if len(ids) > 1 {
			ids = ids[1:]
		}
		return id
	}
	send, sent := capture()
	go c.Dispatch(context.Background(), time.Minute, ws.ProxyRequest{}, send)
	go c.Dispatch(context.Background(), time.Minute, ws.ProxyRequest{}, send)

	a, b := <-sent, <-sent
	if a.RequestID == b.RequestID {
		t.Errorf("two pending requests share id %q", a.RequestID)
	}
	c.Close(ErrSessionClosed)
}
