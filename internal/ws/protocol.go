package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Frame types for the relay WebSocket protocol.
const (
	// Peer → Relay, first frame on every connection
	TypeHello = "hello"

	// Relay → Agent (once, on admission)
	TypeURL = "url"

	// Public HTTP traffic
	TypeProxyRequest  = "proxy-request"  // relay → agent
	TypeProxyResponse = "proxy-response" // agent → relay

	// Feedback channel
	TypeFeedback       = "feedback"        // browser → relay → agent
	TypeDeveloperReply = "developer-reply" // agent → relay → browser

	// Agent → Relay keepalive
	TypeHeartbeat = "heartbeat"

	// Relay → any peer
	TypeError = "error"
)

// Connection roles declared in the hello frame.
const (
	RoleControl = "control"
	RoleBrowser = "browser"
)

// Envelope wraps every WebSocket frame with a type field for routing.
type Envelope struct {
	Type string `json:"type"`
}

// Hello declares the role of a new connection. Browsers name the session they
// belong to; control connections leave SessionID empty and get one assigned.
type Hello struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId,omitempty"`
}

// Assigned carries the public URL handed to an agent after admission.
type Assigned struct {
	Type string `json:"type"`
	Data string `json:"data"` // https://<id>.<base-domain>
}

// ProxyRequest is a public HTTP request forwarded to the agent.
type ProxyRequest struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Method    string    `json:"method"`
	Path      string    `json:"path"` // path plus query
	Headers   HeaderMap `json:"headers"`
	Body      string    `json:"body"`
	IsBase64  bool      `json:"isBase64"`
}

// ProxyResponse is the agent's answer to a ProxyRequest.
type ProxyResponse struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"requestId"`
	StatusCode int       `json:"statusCode,omitempty"`
	Headers    HeaderMap `json:"headers"`
	Body       string    `json:"body"`
	IsBase64   bool      `json:"isBase64"`
}

// FeedbackData is what a visitor submits from the widget.
type FeedbackData struct {
	Selector string `json:"selector"`
	Comment  string `json:"comment"`
	Path     string `json:"path"`
}

// Feedback carries a visitor's positional comment from browser to agent.
type Feedback struct {
	Type string       `json:"type"`
	Data FeedbackData `json:"data"`
}

// ReplyData is a short message pushed to the visitor's browser.
type ReplyData struct {
	Message string `json:"message"`
}

// DeveloperReply carries a message from agent to browser.
type DeveloperReply struct {
	Type string    `json:"type"`
	Data ReplyData `json:"data"`
}

// Heartbeat is sent by the agent every 30s.
type Heartbeat struct {
	Type string `json:"type"`
}

// ErrorMsg is sent by the relay for protocol and admission errors.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HeaderMap is a header multimap. On decode each value may be a single string
// or an array of strings; on encode every value is an array.
type HeaderMap map[string][]string

// UnmarshalJSON accepts both {"a":"x"} and {"a":["x","y"]}.
func (h *HeaderMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HeaderMap, len(raw))
	for k, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[k] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("header %q: %w", k, err)
		}
		out[k] = many
	}
	*h = out
	return nil
}

// FromHTTP copies an http.Header into a HeaderMap.
func FromHTTP(h http.Header) HeaderMap {
	out := make(HeaderMap, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Get returns the first value for name, matching case-insensitively.
func (h HeaderMap) Get(name string) string {
	want := http.CanonicalHeaderKey(name)
	for k, v := range h {
		if http.CanonicalHeaderKey(k) == want && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Decode parses a frame's type without committing to its shape.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Type == "" {
		return env, fmt.Errorf("frame has no type")
	}
	return env, nil
}
