package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/ws"
)

// strippedHeaders describe the agent's framing of the body, not the body the
// relay writes, so they never reach the public caller.
var strippedHeaders = map[string]bool{
	"Transfer-Encoding": true,
	"Content-Encoding":  true,
	"Content-Length":    true,
	"Connection":        true,
}

// handleProxy carries one public request through the owning session's agent.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	id, err := ResolveHost(r.Host, s.cfg.BaseDomain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess := s.Sessions.Lookup(id)
	if sess == nil || !sess.Live() {
		writeError(w, http.StatusBadGateway, ErrNoActiveSession.Error())
		return
	}

	req, err := buildRequest(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, "could not read request body")
		}
		return
	}

	timeout := s.RequestTimeout()
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	if err := s.Meter.Wait(ctx, id); err != nil {
		s.proxyFailed(w, r, id, err)
		return
	}
	resp, err := sess.Pending.Dispatch(ctx, timeout, req, sess.Send)
	if err != nil {
		s.proxyFailed(w, r, id, err)
		return
	}

	status, n, err := s.writeResponse(w, sess, resp)
	if err != nil {
		s.proxyFailed(w, r, id, err)
		return
	}
	s.Meter.Add(id, n+len(req.Body))
	logger.Debug("proxied", "session", id, "method", r.Method, "path", req.Path, "status", status, "bytes", n, "dur", time.Since(start).Round(time.Millisecond))
}

func (s *Server) proxyFailed(w http.ResponseWriter, r *http.Request, id string, err error) {
	if r.Context().Err() != nil {
		// Caller is gone; nobody to answer.
		logger.Debug("caller went away", "session", id, "path", r.URL.Path)
		return
	}
	code := statusForError(err)
	logger.Info("proxy failed", "session", id, "method", r.Method, "path", r.URL.Path, "status", code, "err", err)
	writeError(w, code, err.Error())
}

// buildRequest turns the public request into a proxy-request descriptor. The
// body is read in full, up to limit bytes.
func buildRequest(w http.ResponseWriter, r *http.Request, limit int64) (ws.ProxyRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return ws.ProxyRequest{}, ErrBodyTooLarge
		}
		return ws.ProxyRequest{}, err
	}

	headers := ws.FromHTTP(r.Header)
	headers["X-Forwarded-Host"] = []string{r.Host}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Values("X-Forwarded-For"); len(prior) > 0 {
			ip = prior[len(prior)-1] + ", " + ip
		}
		headers["X-Forwarded-For"] = []string{ip}
	}

	req := ws.ProxyRequest{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: headers,
	}
	req.Body, req.IsBase64 = ws.EncodeBody(r.Header.Get("Content-Type"), body)
	return req, nil
}

// writeResponse renders the agent's response. The body is decoded (and
// instrumented, for HTML) before anything is written so a bad frame can still
// become a clean 502.
func (s *Server) writeResponse(w http.ResponseWriter, sess *Session, resp *ws.ProxyResponse) (int, int, error) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if status < 200 || status > 999 {
		return 0, 0, ErrMalformedResponse
	}
	body, err := ws.DecodeBody(resp.Body, resp.IsBase64)
	if err != nil {
		return 0, 0, ErrMalformedResponse
	}
	if resp.IsBase64 && isHTML(resp.Headers.Get("Content-Type")) {
		body = InjectBeforeBody(body, bootstrapSnippet(sess.ID, s.cfg.WidgetURL))
	}

	h := w.Header()
	for k, vs := range resp.Headers {
		if strippedHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	n, err := w.Write(body)
	if err != nil {
		logger.Debug("short write to caller", "session", sess.ID, "wrote", n, "of", len(body), "err", err)
	}
	return status, n, nil
}
