package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/ws"
)

var errNoHello = errors.New("connection did not identify itself")

// handleWS accepts a WebSocket, waits for its hello and hands it to the
// control or browser loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Debug("websocket accept", "err", err)
		return
	}
	conn.SetReadLimit(ws.ReadLimit)
	defer conn.CloseNow()

	fc := newFrameConn(conn, r.RemoteAddr)
	ctx := r.Context()

	hello, err := s.readHello(ctx, fc)
	if err != nil {
		logger.Debug("handshake failed", "remote", fc.remote, "err", err)
		fc.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	switch hello.Role {
	case ws.RoleControl:
		s.serveControl(ctx, fc)
	case ws.RoleBrowser:
		id := hello.SessionID
		if id == "" {
			id, _ = ResolveHost(r.Host, s.cfg.BaseDomain)
		}
		s.serveBrowser(ctx, fc, id)
	default:
		fc.WriteJSON(ctx, ws.ErrorMsg{Type: ws.TypeError, Message: fmt.Sprintf("unknown role %q", hello.Role)})
		fc.Close(websocket.StatusPolicyViolation, "unknown role")
	}
}

// readHello waits for the first well-formed hello frame. Anything before it
// is dropped.
func (s *Server) readHello(ctx context.Context, fc *FrameConn) (ws.Hello, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	for {
		data, err := fc.Read(ctx)
		if err != nil {
			return ws.Hello{}, fmt.Errorf("%w: %v", errNoHello, err)
		}
		env, err := ws.Decode(data)
		if err != nil || env.Type != ws.TypeHello {
			continue
		}
		var h ws.Hello
		if err := json.Unmarshal(data, &h); err != nil {
			continue
		}
		return h, nil
	}
}

// serveControl admits an agent and pumps its frames until it disconnects.
func (s *Server) serveControl(ctx context.Context, fc *FrameConn) {
	sess, err := s.Sessions.Admit(s.IDs, fc)
	if err != nil {
		logger.Warn("admission refused", "remote", fc.remote, "err", err)
		fc.WriteJSON(ctx, ws.ErrorMsg{Type: ws.TypeError, Message: err.Error()})
		fc.Close(websocket.StatusTryAgainLater, "no free session id")
		return
	}
	s.Meter.Track(sess.ID)
	if s.Sessions.Lookup(sess.ID) != sess {
		// Torn down before metering started.
		s.Meter.Forget(sess.ID)
		return
	}
	defer s.closeSession(sess, websocket.StatusNormalClosure, "session closed")

	url := s.PublicURL(sess.ID)
	if err := fc.WriteJSON(ctx, ws.Assigned{Type: ws.TypeURL, Data: url}); err != nil {
		logger.Warn("send url", "session", sess.ID, "err", err)
		return
	}
	logger.Info("session admitted", "session", sess.ID, "url", url, "remote", fc.remote)

	for {
		data, err := fc.Read(ctx)
		if err != nil {
			logger.Info("agent disconnected", "session", sess.ID, "err", err)
			return
		}
		sess.Touch()

		env, err := ws.Decode(data)
		if err != nil {
			logger.Debug("dropping malformed frame", "session", sess.ID, "err", err)
			continue
		}
		switch env.Type {
		case ws.TypeProxyResponse:
			s.resolveResponse(sess, data)
		case ws.TypeDeveloperReply:
			s.relayReply(sess, data)
		case ws.TypeHeartbeat:
		default:
			logger.Debug("dropping frame", "session", sess.ID, "type", env.Type)
		}
	}
}

func (s *Server) resolveResponse(sess *Session, data []byte) {
	var resp ws.ProxyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// Salvage the id so the caller gets a 502 instead of waiting out
		// the timeout.
		var ref struct {
			RequestID string `json:"requestId"`
		}
		if json.Unmarshal(data, &ref) == nil && ref.RequestID != "" {
			sess.Pending.Fail(ref.RequestID, fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		}
		logger.Debug("malformed proxy-response", "session", sess.ID, "err", err)
		return
	}
	if !sess.Pending.Resolve(resp) {
		logger.Debug("discarding response for retired request", "session", sess.ID, "request", resp.RequestID)
	}
}

// relayReply queues a developer-reply frame, verbatim, for the session's
// browser, if one is attached. It never waits on the browser.
func (s *Server) relayReply(sess *Session, data []byte) {
	var reply ws.DeveloperReply
	if err := json.Unmarshal(data, &reply); err != nil {
		logger.Debug("malformed developer-reply", "session", sess.ID, "err", err)
		return
	}
	browser := s.Sessions.Browser(sess.ID)
	if browser == nil {
		logger.Debug("no browser for reply", "session", sess.ID)
		return
	}
	if !browser.Enqueue(data) {
		logger.Debug("browser not keeping up, dropped", "session", sess.ID, "remote", browser.remote)
	}
}

// serveBrowser attaches a visitor's page to session id and forwards its
// feedback frames to that session's agent only.
func (s *Server) serveBrowser(ctx context.Context, fc *FrameConn, id string) {
	fc.startQueue(browserQueueSize)
	if id == "" || !s.Sessions.SetBrowser(id, fc) {
		fc.WriteJSON(ctx, ws.ErrorMsg{Type: ws.TypeError, Message: ErrFeedbackUnavailable.Error()})
		fc.Close(websocket.StatusNormalClosure, "no such session")
		return
	}
	defer fc.Close(websocket.StatusNormalClosure, "")
	defer s.Sessions.ClearBrowser(id, fc)
	logger.Debug("browser attached", "session", id, "remote", fc.remote)

	for {
		data, err := fc.Read(ctx)
		if err != nil {
			logger.Debug("browser disconnected", "session", id, "err", err)
			return
		}
		env, err := ws.Decode(data)
		if err != nil || env.Type != ws.TypeFeedback {
			continue
		}
		var fb ws.Feedback
		if err := json.Unmarshal(data, &fb); err != nil {
			continue
		}
		if err := s.forwardFeedback(ctx, id, data); err != nil {
			logger.Debug("feedback not delivered", "session", id, "err", err)
			fc.WriteJSON(ctx, ws.ErrorMsg{Type: ws.TypeError, Message: ErrFeedbackUnavailable.Error()})
		}
	}
}

func (s *Server) forwardFeedback(ctx context.Context, id string, data []byte) error {
	sess := s.Sessions.Lookup(id)
	if sess == nil || !sess.Live() {
		return ErrFeedbackUnavailable
	}
	if err := sess.Control.WriteRaw(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrFeedbackUnavailable, err)
	}
	return nil
}

// closeSession tears a session down: it leaves the registry, its pending
// requests fail, and its control socket closes. Safe to call twice.
func (s *Server) closeSession(sess *Session, code websocket.StatusCode, reason string) {
	if s.Sessions.Remove(sess.ID) == nil {
		return
	}
	failed := sess.Pending.Close(ErrSessionClosed)
	total := s.Meter.Forget(sess.ID)
	sess.Control.Close(code, reason)
	logger.Info("session closed", "session", sess.ID,
		"failed_requests", failed,
		"proxied", humanBytes(total),
		"age", time.Since(sess.CreatedAt).Round(time.Second))
}
