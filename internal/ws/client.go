package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/mirage/internal/logger"
)

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 10 * time.Second

	// ReadLimit bounds a single frame on the control channel. Bodies travel
	// base64-encoded inside one frame.
	ReadLimit = 32 << 20

	// DefaultMaxResponseBytes is the largest local response body the agent
	// relays. Base64 grows it by 4/3; the rest of ReadLimit is left for the
	// headers and the frame envelope.
	DefaultMaxResponseBytes = (ReadLimit - 1<<20) / 4 * 3
)

// Headers the agent never forwards to the local service. Accept-Encoding is
// dropped so the local response arrives decoded; the relay recomputes
// content-encoding itself.
var agentHopHeaders = []string{
	"Accept-Encoding",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client is the local agent: it holds the control connection to the relay and
// answers proxied requests against a local HTTP service.
type Client struct {
	RelayURL   string   // e.g. "wss://mirage.live/ws"
	Target     *url.URL // local service, e.g. http://localhost:3000
	HTTPClient *http.Client

	// MaxResponseBytes caps a local response body. Zero means
	// DefaultMaxResponseBytes.
	MaxResponseBytes int64

	OnURL         func(publicURL string)        // called after each admission
	OnFeedback    func(fb FeedbackData)         // called for every visitor submission
	OnStateChange func(state string, err error) // called on connection state transitions

	conn      *websocket.Conn
	publicURL string
	mu        sync.Mutex
}

// NewClient returns a client that exposes target through the relay at relayURL.
func NewClient(relayURL string, target *url.URL) *Client {
	return &Client{
		RelayURL: relayURL,
		Target:   target,
		HTTPClient: &http.Client{
			Timeout: 25 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects belong to the visitor's browser, not to us.
				return http.ErrUseLastResponse
			},
		},
	}
}

// Run connects to the relay and serves frames until ctx is cancelled.
// Automatically reconnects on disconnect with exponential backoff. Each new
// connection is admitted as a fresh session and receives a new URL.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	bo := NewBackoff(time.Second, maxReconnectDelay)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if connected {
			bo.Reset()
		}
		delay := bo.Next()
		c.notifyState("disconnected", err)
		logger.Warn("relay disconnected", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

// PublicURL returns the URL assigned on the current connection, if any.
func (c *Client) PublicURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publicURL
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.RelayURL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(ReadLimit)
	c.mu.Lock()
	c.conn = conn
	c.publicURL = ""
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.CloseNow()
	}()
	connected = true

	if err := c.writeJSON(ctx, Hello{Type: TypeHello, Role: RoleControl}); err != nil {
		return connected, fmt.Errorf("hello: %w", err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		env, err := Decode(data)
		if err != nil {
			logger.Debug("bad frame", "err", err)
			continue
		}

		switch env.Type {
		case TypeURL:
			var msg Assigned
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Debug("bad url frame", "err", err)
				continue
			}
			c.mu.Lock()
			c.publicURL = msg.Data
			c.mu.Unlock()
			c.notifyState("connected", nil)
			if c.OnURL != nil {
				c.OnURL(msg.Data)
			}

		case TypeProxyRequest:
			var req ProxyRequest
			if err := json.Unmarshal(data, &req); err != nil {
				logger.Debug("bad proxy-request", "err", err)
				continue
			}
			go func() {
				resp := c.forward(ctx, req)
				if err := c.sendResponse(ctx, resp); err != nil {
					logger.Warn("send proxy-response", "request", req.RequestID, "err", err)
				}
			}()

		case TypeFeedback:
			var fb Feedback
			if err := json.Unmarshal(data, &fb); err != nil {
				logger.Debug("bad feedback", "err", err)
				continue
			}
			if c.OnFeedback != nil {
				c.OnFeedback(fb.Data)
			}

		case TypeError:
			var msg ErrorMsg
			json.Unmarshal(data, &msg)
			logger.Warn("relay error", "message", msg.Message)

		default:
			logger.Debug("unknown frame type", "type", env.Type)
		}
	}
}

// forward replays req against the local service. Failures become a 502
// response frame so the visitor is answered before the relay deadline.
func (c *Client) forward(ctx context.Context, req ProxyRequest) ProxyResponse {
	resp := ProxyResponse{Type: TypeProxyResponse, RequestID: req.RequestID}
	fail := func(err error) ProxyResponse {
		logger.Warn("local request failed", "request", req.RequestID, "path", req.Path, "err", err)
		return errorResponse(req.RequestID, "local service unavailable: "+err.Error())
	}

	target, err := c.targetURL(req.Path)
	if err != nil {
		return fail(err)
	}
	body, err := DecodeBody(req.Body, req.IsBase64)
	if err != nil {
		return fail(fmt.Errorf("decode body: %w", err))
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	for _, h := range agentHopHeaders {
		hreq.Header.Del(h)
	}
	hreq.Host = c.Target.Host

	hresp, err := c.HTTPClient.Do(hreq)
	if err != nil {
		return fail(err)
	}
	defer hresp.Body.Close()
	limit := c.maxResponseBytes()
	data, err := io.ReadAll(io.LimitReader(hresp.Body, limit+1))
	if err != nil {
		return fail(fmt.Errorf("read body: %w", err))
	}
	if int64(len(data)) > limit {
		logger.Warn("local response too large", "request", req.RequestID, "path", req.Path, "limit", limit)
		return errorResponse(req.RequestID, fmt.Sprintf("local response exceeds %d bytes", limit))
	}

	resp.StatusCode = hresp.StatusCode
	resp.Headers = FromHTTP(hresp.Header)
	resp.Body, resp.IsBase64 = EncodeBody(hresp.Header.Get("Content-Type"), data)
	return resp
}

func (c *Client) maxResponseBytes() int64 {
	if c.MaxResponseBytes > 0 {
		return c.MaxResponseBytes
	}
	return DefaultMaxResponseBytes
}

func errorResponse(requestID, msg string) ProxyResponse {
	return ProxyResponse{
		Type:       TypeProxyResponse,
		RequestID:  requestID,
		StatusCode: http.StatusBadGateway,
		Headers:    HeaderMap{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:       "mirage: " + msg,
	}
}

// sendResponse writes a proxy-response frame. A frame the relay would refuse
// as too big is replaced by a 502 so the session survives.
func (c *Client) sendResponse(ctx context.Context, resp ProxyResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if len(data) > ReadLimit {
		logger.Warn("proxy-response frame too large", "request", resp.RequestID, "bytes", len(data))
		data, err = json.Marshal(errorResponse(resp.RequestID, fmt.Sprintf("local response frame exceeds %d bytes", ReadLimit)))
		if err != nil {
			return err
		}
	}
	return c.writeRaw(ctx, data)
}

// targetURL joins the proxied path+query onto the local service URL.
func (c *Client) targetURL(pathAndQuery string) (string, error) {
	if pathAndQuery == "" {
		pathAndQuery = "/"
	}
	ref, err := url.ParseRequestURI(pathAndQuery)
	if err != nil {
		return "", fmt.Errorf("bad path %q: %w", pathAndQuery, err)
	}
	u := *c.Target
	u.Path = strings.TrimSuffix(u.Path, "/") + ref.Path
	u.RawPath = ""
	if ref.RawPath != "" {
		u.RawPath = strings.TrimSuffix(c.Target.EscapedPath(), "/") + ref.RawPath
	}
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(ctx, Heartbeat{Type: TypeHeartbeat}); err != nil {
				return
			}
		}
	}
}

// SendReply pushes a developer reply to the visitor currently viewing the page.
func (c *Client) SendReply(ctx context.Context, message string) error {
	return c.writeJSON(ctx, DeveloperReply{
		Type: TypeDeveloperReply,
		Data: ReplyData{Message: message},
	})
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

func (c *Client) writeRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
