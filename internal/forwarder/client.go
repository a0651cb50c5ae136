package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/jpillora/backoff"

	"webhookrelay/internal/config"
	"webhookrelay/internal/logging"
	"webhookrelay/internal/tunnel"
)

var (
	// ErrRejected is returned by Run when the relay server refuses the tunnel.
	ErrRejected = errors.New("relay rejected connection")
	// ErrSuperseded is returned by Run when another client took over the tunnel.
	ErrSuperseded = errors.New("relay connection superseded by another client")
)

// Config configures a Client.
type Config struct {
	// ServerURL is the relay server base URL or its full tunnel URL.
	ServerURL string
	Token     string
	RelayID   string

	// TargetURL is the local base URL requests are replayed against.
	TargetURL    string
	LocalTimeout time.Duration

	PingInterval time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Client keeps a tunnel to the relay server open and answers its requests.
type Client struct {
	cfg Config
	url string
	fwd *Forwarder
	log *slog.Logger

	connected  atomic.Bool
	served     atomic.Int64
	failed     atomic.Int64
	reconnects atomic.Int32
}

// Stats holds client counters.
type Stats struct {
	Connected  bool
	Served     int64
	Failed     int64
	Reconnects int
}

// NewClient validates cfg and creates a Client. A nil logger discards output.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("token is required")
	}
	if cfg.RelayID == "" {
		return nil, errors.New("relay id is required")
	}
	if cfg.LocalTimeout <= 0 {
		cfg.LocalTimeout = config.DefaultLocalTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = config.DefaultPingInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = config.DefaultMaxBackoff
	}
	if log == nil {
		log = logging.Nop()
	}

	u, err := config.ConnectURL(cfg.ServerURL, cfg.RelayID, cfg.Token)
	if err != nil {
		return nil, err
	}
	fwd, err := NewForwarder(cfg.TargetURL, cfg.LocalTimeout, log)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, url: u, fwd: fwd, log: log}, nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Stats() Stats {
	return Stats{
		Connected:  c.connected.Load(),
		Served:     c.served.Load(),
		Failed:     c.failed.Load(),
		Reconnects: int(c.reconnects.Load()),
	}
}

// Run keeps the tunnel open until ctx is cancelled, reconnecting with
// exponential backoff. It returns ErrRejected if the server refuses the
// credentials and ErrSuperseded if another client replaced this one,
// otherwise ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.MinBackoff, Max: c.cfg.MaxBackoff, Factor: 2, Jitter: true}
	for {
		ready, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrSuperseded) {
			return err
		}
		if ready {
			b.Reset()
		}

		delay := b.Duration()
		c.log.Warn("tunnel disconnected, retrying", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		c.reconnects.Add(1)
	}
}

// session runs one connection. ready reports whether the server accepted it.
func (c *Client) session(ctx context.Context) (ready bool, err error) {
	c.log.Info("connecting to relay", "server", c.cfg.ServerURL, "relay_id", c.cfg.RelayID)
	ws, resp, err := websocket.Dial(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	defer ws.CloseNow()
	// webhook bodies are bounded by their origin, not by the tunnel
	ws.SetReadLimit(-1)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.connected.Store(false)
	go c.keepalive(sessCtx, ws)

	for {
		typ, data, err := ws.Read(sessCtx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusPolicyViolation:
				if !ready {
					return ready, fmt.Errorf("%w: %v", ErrRejected, err)
				}
			case websocket.StatusCode(tunnel.CloseSuperseded):
				return ready, fmt.Errorf("%w: %v", ErrSuperseded, err)
			}
			return ready, err
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := tunnel.Decode(data)
		if err != nil {
			var de *tunnel.DecodeError
			if errors.As(err, &de) && de.Type == tunnel.TypeRequest && de.ID != "" {
				go c.reply(ctx, ws, FailureResponse(de.ID, err), false)
				continue
			}
			c.log.Warn("ignoring undecodable frame", "error", err)
			continue
		}

		switch m := env.(type) {
		case *tunnel.Ready:
			ready = true
			c.connected.Store(true)
			c.log.Info("tunnel established", "relay_id", m.RelayID, "target", c.cfg.TargetURL)
		case *tunnel.Request:
			go c.handle(ctx, ws, m)
		}
	}
}

func (c *Client) handle(ctx context.Context, ws *websocket.Conn, req *tunnel.Request) {
	resp, ok := c.fwd.forward(ctx, req)
	c.reply(ctx, ws, resp, ok)
}

// reply sends the single response owed for a request.
func (c *Client) reply(ctx context.Context, ws *websocket.Conn, resp *tunnel.Response, ok bool) {
	if !ok {
		c.failed.Add(1)
	}
	data, err := tunnel.Encode(resp)
	if err != nil {
		c.log.Error("encode response", "id", resp.ID, "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Warn("send response failed", "id", resp.ID, "error", err)
		return
	}
	c.served.Add(1)
}

// keepalive pings the server until ctx ends; a failed ping drops the connection.
func (c *Client) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.log.Warn("keepalive ping failed", "error", err)
					_ = ws.CloseNow()
				}
				return
			}
		}
	}
}
