package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// fakeRelay accepts one agent connection and hands it to the test.
func fakeRelay(t *testing.T) (string, <-chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns <- c
		<-done
		c.CloseNow()
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(done) })
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws", conns
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn, v any) string {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if v != nil {
		if err := json.Unmarshal(data, v); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
	}
	return env.Type
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// startClient runs a client against relayURL until the test ends and returns
// the relay side of the admitted connection.
func startClient(t *testing.T, c *Client, conns <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	select {
	case conn := <-conns:
		conn.SetReadLimit(ReadLimit)
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
	}
	return nil
}

func TestClientHandshakeAndURL(t *testing.T) {
	relayURL, conns := fakeRelay(t)
	target, _ := url.Parse("http://127.0.0.1:1")
	c := NewClient(relayURL, target)
	gotURL := make(chan string, 1)
	c.OnURL = func(u string) { gotURL <- u }

	conn := startClient(t, c, conns)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var hello Hello
	if typ := readFrame(t, ctx, conn, &hello); typ != TypeHello {
		t.Fatalf("first frame = %q, want hello", typ)
	}
	if hello.Role != RoleControl {
		t.Errorf("role = %q, want control", hello.Role)
	}

	writeFrame(t, ctx, conn, Assigned{Type: TypeURL, Data: "https://teal-owl-k3x9.mirage.live"})
	select {
	case u := <-gotURL:
		if u != "https://teal-owl-k3x9.mirage.live" {
			t.Errorf("url = %q", u)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnURL not called")
	}
	if c.PublicURL() != "https://teal-owl-k3x9.mirage.live" {
		t.Errorf("PublicURL = %q", c.PublicURL())
	}
}

func TestClientForwardsProxyRequest(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Proxy-Authorization") != "" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Seen-Path", r.URL.RequestURI())
		w.WriteHeader(http.StatusCreated)
		w.Write(append([]byte{0x00, 0xff}, body...))
	}))
	defer local.Close()

	relayURL, conns := fakeRelay(t)
	target, _ := url.Parse(local.URL)
	conn := startClient(t, NewClient(relayURL, target), conns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readFrame(t, ctx, conn, nil) // hello

	body, isBase64 := EncodeBody("application/octet-stream", []byte{0x01, 0x02})
	writeFrame(t, ctx, conn, ProxyRequest{
		Type:      TypeProxyRequest,
		RequestID: "req-1",
		Method:    http.MethodPost,
		Path:      "/api/items?x=1",
		Headers:   HeaderMap{"Content-Type": {"application/octet-stream"}, "Proxy-Authorization": {"Basic eA=="}},
		Body:      body,
		IsBase64:  isBase64,
	})

	var resp ProxyResponse
	if typ := readFrame(t, ctx, conn, &resp); typ != TypeProxyResponse {
		t.Fatalf("frame = %q, want proxy-response", typ)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("requestId = %q", resp.RequestID)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Headers.Get("X-Seen-Path"); got != "/api/items?x=1" {
		t.Errorf("path seen by local service = %q", got)
	}
	data, err := DecodeBody(resp.Body, resp.IsBase64)
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(data) != "\x00\xff\x01\x02" {
		t.Errorf("body = %q", data)
	}
}

func TestClientLocalServiceDown(t *testing.T) {
	relayURL, conns := fakeRelay(t)
	// Reserve a port and free it so nothing listens there.
	dead := httptest.NewServer(http.NotFoundHandler())
	target, _ := url.Parse(dead.URL)
	dead.Close()

	conn := startClient(t, NewClient(relayURL, target), conns)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	readFrame(t, ctx, conn, nil) // hello

	writeFrame(t, ctx, conn, ProxyRequest{Type: TypeProxyRequest, RequestID: "r", Method: "GET", Path: "/"})
	var resp ProxyResponse
	readFrame(t, ctx, conn, &resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.HasPrefix(resp.Body, "mirage: local service unavailable") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestClientOversizedResponse(t *testing.T) {
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, 4096))
	}))
	defer local.Close()

	relayURL, conns := fakeRelay(t)
	target, _ := url.Parse(local.URL)
	c := NewClient(relayURL, target)
	c.MaxResponseBytes = 1024
	conn := startClient(t, c, conns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readFrame(t, ctx, conn, nil) // hello

	writeFrame(t, ctx, conn, ProxyRequest{Type: TypeProxyRequest, RequestID: "big", Method: "GET", Path: "/big"})
	var resp ProxyResponse
	readFrame(t, ctx, conn, &resp)
	if resp.RequestID != "big" || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("response = %s %d, want 502", resp.RequestID, resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "exceeds 1024 bytes") {
		t.Errorf("body = %q", resp.Body)
	}

	// The control connection is still usable.
	writeFrame(t, ctx, conn, ProxyRequest{Type: TypeProxyRequest, RequestID: "again", Method: "GET", Path: "/"})
	readFrame(t, ctx, conn, &resp)
	if resp.RequestID != "again" {
		t.Errorf("second response for %q", resp.RequestID)
	}
}

func TestClientFrameOverReadLimit(t *testing.T) {
	// Under the body cap, but JSON escaping of '<' grows the frame sixfold.
	body := `"` + strings.Repeat("<", 6<<20) + `"`
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	defer local.Close()

	relayURL, conns := fakeRelay(t)
	target, _ := url.Parse(local.URL)
	conn := startClient(t, NewClient(relayURL, target), conns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	readFrame(t, ctx, conn, nil) // hello

	writeFrame(t, ctx, conn, ProxyRequest{Type: TypeProxyRequest, RequestID: "esc", Method: "GET", Path: "/"})
	var resp ProxyResponse
	readFrame(t, ctx, conn, &resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if !strings.Contains(resp.Body, "frame exceeds") {
		t.Errorf("body = %q", resp.Body)
	}
}

func TestClientFeedbackAndReply(t *testing.T) {
	relayURL, conns := fakeRelay(t)
	target, _ := url.Parse("http://127.0.0.1:1")
	c := NewClient(relayURL, target)
	feedback := make(chan FeedbackData, 1)
	c.OnFeedback = func(fb FeedbackData) { feedback <- fb }

	conn := startClient(t, c, conns)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	readFrame(t, ctx, conn, nil) // hello
	writeFrame(t, ctx, conn, Assigned{Type: TypeURL, Data: "https://a.example.com"})

	writeFrame(t, ctx, conn, Feedback{Type: TypeFeedback, Data: FeedbackData{Selector: "#buy", Comment: "too small", Path: "/shop"}})
	select {
	case fb := <-feedback:
		if fb.Selector != "#buy" || fb.Comment != "too small" || fb.Path != "/shop" {
			t.Errorf("feedback = %+v", fb)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFeedback not called")
	}

	if err := c.SendReply(ctx, "fixed, refresh"); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	var reply DeveloperReply
	if typ := readFrame(t, ctx, conn, &reply); typ != TypeDeveloperReply {
		t.Fatalf("frame = %q", typ)
	}
	if reply.Data.Message != "fixed, refresh" {
		t.Errorf("message = %q", reply.Data.Message)
	}
}

func TestSendReplyWhileDisconnected(t *testing.T) {
	target, _ := url.Parse("http://127.0.0.1:1")
	c := NewClient("ws://127.0.0.1:1/ws", target)
	if err := c.SendReply(context.Background(), "hi"); err == nil {
		t.Error("expected error with no connection")
	}
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		target string
		path   string
		want   string
	}{
		{"http://localhost:3000", "/", "http://localhost:3000/"},
		{"http://localhost:3000", "", "http://localhost:3000/"},
		{"http://localhost:3000", "/a/b?q=1&r=2", "http://localhost:3000/a/b?q=1&r=2"},
		{"http://localhost:3000/app/", "/x", "http://localhost:3000/app/x"},
		{"http://localhost:3000", "/a%2Fb", "http://localhost:3000/a%2Fb"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.target)
		c := &Client{Target: u}
		got, err := c.targetURL(tt.path)
		if err != nil {
			t.Errorf("targetURL(%q): %v", tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("targetURL(%q) on %s = %q, want %q", tt.path, tt.target, got, tt.want)
		}
	}
}
