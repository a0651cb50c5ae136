// Package relay implements the public side of the webhook tunnel: it accepts
// one tunnel client at a time and forwards inbound HTTP requests through it.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"webhookrelay/internal/auth"
	"webhookrelay/internal/logging"
	"webhookrelay/internal/logstore"
	"webhookrelay/internal/metrics"
	"webhookrelay/internal/registry"
	"webhookrelay/internal/tunnel"
)

var (
	// ErrRelayDisconnected fails requests whose tunnel closed before they were answered.
	ErrRelayDisconnected = errors.New("relay disconnected")
	// ErrSuperseded is the close reason of a connection replaced by a newer client.
	ErrSuperseded = errors.New("superseded by a new relay connection")
)

// Default values.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
	defaultLogSize        = 200
)

// Config configures a Server.
type Config struct {
	// Enabled turns the relay on. A disabled relay refuses every tunnel.
	Enabled bool

	// RequestTimeout bounds how long Proxy waits for the client's response.
	RequestTimeout time.Duration

	// WriteTimeout bounds writing one frame to the tunnel.
	WriteTimeout time.Duration
}

// Option configures optional Server collaborators.
type Option func(*Server)

// WithLogger sets the logger. A nil logger keeps the default, which discards output.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAuth sets the token validator for tunnel clients and the admin API.
func WithAuth(mgr *auth.Manager) Option {
	return func(s *Server) { s.auth = mgr }
}

// WithRequestLog sets the in-memory store of relayed request summaries.
func WithRequestLog(store *logstore.Store) Option {
	return func(s *Server) {
		if store != nil {
			s.requests = store
		}
	}
}

// WithSessionLog records tunnel sessions.
func WithSessionLog(sessions *logstore.SessionLog) Option {
	return func(s *Server) { s.sessions = sessions }
}

// WithMetrics sets the Prometheus collectors the server records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// Server owns the single tunnel connection and the table of in-flight requests.
type Server struct {
	cfg      Config
	auth     *auth.Manager
	conns    *registry.Registry
	pending  *pendingTable
	log      *slog.Logger
	requests *logstore.Store
	sessions *logstore.SessionLog
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	// lifecycleMu serializes attaching a connection (and closing the one it
	// supersedes) with detaching one and failing its pending requests.
	lifecycleMu sync.Mutex
}

// New creates a Server. Without WithAuth every token is rejected.
func New(cfg Config, opts ...Option) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	s := &Server{
		cfg:      cfg,
		conns:    registry.New(),
		pending:  newPendingTable(),
		log:      logging.Nop(),
		requests: logstore.New(defaultLogSize),
		metrics:  metrics.New(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsEnabled reports whether the relay accepts tunnel connections.
func (s *Server) IsEnabled() bool {
	return s.cfg.Enabled
}

// IsConnected reports whether a tunnel client is attached.
func (s *Server) IsConnected() bool {
	_, ok := s.conns.Current()
	return ok
}

func (s *Server) current() (*Conn, bool) {
	c, ok := s.conns.Current()
	if !ok {
		return nil, false
	}
	return c.(*Conn), true
}

// Requests returns the relayed request summaries.
func (s *Server) Requests() *logstore.Store {
	return s.requests
}

// ServeTunnel upgrades a tunnel client's HTTP request and runs the connection
// until it ends. The token and relay id come from the query string or the
// X-Relay-Token and X-Relay-ID headers.
func (s *Server) ServeTunnel(w http.ResponseWriter, r *http.Request) {
	relayID := r.URL.Query().Get("relay_id")
	if relayID == "" {
		relayID = r.Header.Get("X-Relay-ID")
	}
	token := auth.TokenFromRequest(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("tunnel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s.HandleConnection(ws, r.RemoteAddr, relayID, token)
}

// HandleConnection authenticates a freshly upgraded socket, makes it the
// active tunnel and runs its receive loop. Failures are reported to the peer
// as close codes; HandleConnection returns once the connection is gone.
func (s *Server) HandleConnection(ws *websocket.Conn, remoteAddr, relayID, token string) {
	if !s.cfg.Enabled {
		s.refuse(ws, "disabled", "relay disabled")
		return
	}
	if !s.auth.Validate(token) {
		s.log.Warn("tunnel rejected: invalid token", "relay_id", relayID, "remote", remoteAddr)
		s.refuse(ws, "unauthorized", auth.ErrUnauthorized.Error())
		return
	}
	if relayID == "" {
		s.refuse(ws, "bad_request", "missing relay_id")
		return
	}

	c := newConn(ws, relayID, remoteAddr)
	if err := c.send(&tunnel.Ready{RelayID: relayID}, s.cfg.WriteTimeout); err != nil {
		s.log.Warn("tunnel handshake failed", "relay_id", relayID, "error", err)
		_ = ws.Close()
		return
	}
	s.openSession(c)
	s.attach(c)

	err := s.receive(c)
	s.detach(c, err)
}

func (s *Server) refuse(ws *websocket.Conn, result, reason string) {
	s.metrics.Connections.WithLabelValues(result).Inc()
	closeSocket(ws, websocket.ClosePolicyViolation, reason)
}

func (s *Server) attach(c *Conn) {
	s.lifecycleMu.Lock()
	prev := s.conns.Attach(c)
	if prev != nil {
		old := prev.(*Conn)
		old.superseded.Store(true)
		old.close(tunnel.CloseSuperseded, "superseded")
	}
	s.lifecycleMu.Unlock()

	s.metrics.Connections.WithLabelValues("accepted").Inc()
	s.metrics.Connected.Set(1)
	if prev != nil {
		s.log.Info("relay connection superseded", "old_relay_id", prev.RelayID(), "relay_id", c.relayID)
	}
	s.log.Info("relay connected", "relay_id", c.relayID, "remote", c.remoteAddr)
}

// receive reads frames until the socket fails or closes.
func (s *Server) receive(c *Conn) error {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		s.dispatch(data)
	}
}

func (s *Server) detach(c *Conn, cause error) {
	s.lifecycleMu.Lock()
	wasCurrent := s.conns.Detach(c)
	failed := s.pending.failConn(c, ErrRelayDisconnected)
	s.lifecycleMu.Unlock()

	c.close(websocket.CloseNormalClosure, "")
	if wasCurrent {
		s.metrics.Connected.Set(0)
	}

	reason := "closed"
	switch {
	case c.superseded.Load():
		reason = ErrSuperseded.Error()
	case cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		reason = cause.Error()
	}
	s.log.Info("relay disconnected", "relay_id", c.relayID, "reason", reason, "failed_pending", failed)
	s.closeSession(c, reason)
}

func (s *Server) openSession(c *Conn) {
	if s.sessions == nil {
		return
	}
	id, err := s.sessions.Open(context.Background(), c.relayID, c.remoteAddr, c.connectedAt)
	if err != nil {
		s.log.Warn("session log open failed", "relay_id", c.relayID, "error", err)
		return
	}
	c.sessionID = id
}

func (s *Server) closeSession(c *Conn, reason string) {
	if s.sessions == nil || c.sessionID == 0 {
		return
	}
	if err := s.sessions.Close(context.Background(), c.sessionID, time.Now(), reason); err != nil {
		s.log.Warn("session log close failed", "relay_id", c.relayID, "error", err)
	}
}

// Status is a snapshot of the relay state.
type Status struct {
	Enabled     bool       `json:"enabled"`
	Connected   bool       `json:"connected"`
	RelayID     string     `json:"relay_id,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	Pending     int        `json:"pending"`
}

// Status returns the current relay state.
func (s *Server) Status() Status {
	st := Status{Enabled: s.cfg.Enabled, Pending: s.pending.len()}
	if info, ok := s.conns.Info(); ok {
		st.Connected = true
		st.RelayID = info.RelayID
		st.ConnectedAt = &info.ConnectedAt
	}
	return st
}

// Close disconnects the active tunnel client, failing its pending requests.
func (s *Server) Close() error {
	if c, ok := s.current(); ok {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	return nil
}
