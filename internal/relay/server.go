package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/mirage/internal/logger"
)

const (
	DefaultMaxBodyBytes     = 10 << 20
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultIdleTimeout is three missed agent heartbeats.
	DefaultIdleTimeout = 90 * time.Second
)

// ServerConfig holds the relay's tunables. RequestTimeout, RateLimit and
// RateBurst may be changed on a running server with Apply.
type ServerConfig struct {
	BaseDomain       string
	WidgetURL        string
	WidgetFile       string // served at WidgetPath when set
	RequestTimeout   time.Duration
	MaxBodyBytes     int64
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration // agent silence before its session is closed
	RateLimit        float64 // requests per second per session, 0 = unlimited
	RateBurst        int
}

type Server struct {
	Sessions *Registry
	IDs      IDAllocator
	Meter    *Meter

	cfg      ServerConfig
	timeout  atomic.Int64
	apex     *http.ServeMux
	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	s := &Server{
		Sessions: NewRegistry(),
		IDs:      NewWordAllocator(),
		Meter:    NewMeter(cfg.RateLimit, cfg.RateBurst),
		cfg:      cfg,
		apex:     http.NewServeMux(),
		stop:     make(chan struct{}),
	}
	s.SetRequestTimeout(cfg.RequestTimeout)
	s.apex.HandleFunc("GET /ws", s.handleWS)
	s.apex.HandleFunc("GET /health", s.handleHealth)
	s.apex.HandleFunc("/", s.handleProxy)
	go s.reapIdle(cfg.IdleTimeout / 3)
	return s
}

// Apply hot-reloads the settings that are safe to change at runtime.
func (s *Server) Apply(cfg ServerConfig) {
	s.SetRequestTimeout(cfg.RequestTimeout)
	s.Meter.SetRate(cfg.RateLimit, cfg.RateBurst)
	logger.Info("relay settings applied", "request_timeout", s.RequestTimeout(), "rate_limit", cfg.RateLimit, "rate_burst", cfg.RateBurst)
}

func (s *Server) SetRequestTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRequestTimeout
	}
	s.timeout.Store(int64(d))
}

func (s *Server) RequestTimeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// PublicURL is the address visitors use to reach session id.
func (s *Server) PublicURL(id string) string {
	return "https://" + id + "." + strings.Trim(s.cfg.BaseDomain, ".")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, reservedPrefix) {
		if r.URL.Path == FeedbackPath && r.Method == http.MethodGet {
			s.handleWS(w, r)
			return
		}
		if r.URL.Path == WidgetPath && s.cfg.WidgetFile != "" {
			s.handleWidget(w, r)
			return
		}
		http.NotFound(w, r)
		return
	}
	if isApex(r.Host, s.cfg.BaseDomain) {
		s.apex.ServeHTTP(w, r)
		return
	}
	s.handleProxy(w, r)
}

// Shutdown closes every session, failing their pending requests.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	for _, sess := range s.Sessions.All() {
		s.closeSession(sess, websocket.StatusGoingAway, "relay shutting down")
	}
}

func (s *Server) reapIdle(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.closeIdle(now)
		}
	}
}

// closeIdle ends the sessions whose agent has sent nothing for longer than
// the idle timeout. A half-open control socket never errors on its own.
func (s *Server) closeIdle(now time.Time) int {
	n := 0
	for _, sess := range s.Sessions.All() {
		idle := now.Sub(sess.LastSeen())
		if idle <= s.cfg.IdleTimeout {
			continue
		}
		logger.Info("agent went silent", "session", sess.ID, "idle", idle.Round(time.Millisecond))
		// The close handshake can stall on a dead peer.
		go s.closeSession(sess, websocket.StatusGoingAway, "idle timeout")
		n++
	}
	return n
}

func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=300")
	http.ServeFile(w, r, s.cfg.WidgetFile)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"sessions": s.Sessions.Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError answers a public request the relay could not complete.
func writeError(w http.ResponseWriter, code int, msg string) {
	http.Error(w, "mirage: "+msg, code)
}
