// Package transport carries device events over WebSocket. Each frame is
// a JSON object {"event": name, "data": body}. Inbound frames are handed
// to a [Handler]; outbound envelopes are queued per connection and
// written by a single writer goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/frinny-ai/frinny/internal/config"
	"github.com/frinny-ai/frinny/internal/events"
	"github.com/frinny-ai/frinny/internal/router"
)

var (
	// ErrClosed is returned by Send after the connection closed.
	ErrClosed = errors.New("connection closed")
	// ErrSlowConsumer is returned by Send when the queue is full. The
	// connection is closed.
	ErrSlowConsumer = errors.New("send queue full")
)

// Handler receives connection lifecycle and inbound events.
type Handler interface {
	Connect(c router.Conn)
	Disconnect(c router.Conn)
	HandleEvent(ctx context.Context, connID string, in router.Inbound) error
}

// Config tunes a [Server].
type Config struct {
	AllowedOrigins  []string
	SendBuffer      int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// ConfigFrom maps the file configuration onto a transport Config.
func ConfigFrom(c config.WebSocketConfig) Config {
	return Config{
		AllowedOrigins: c.AllowedOrigins,
		SendBuffer:     c.SendBuffer,
		PingInterval:   c.PingInterval,
	}
}

func (c *Config) applyDefaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
}

// Server upgrades HTTP requests to device connections.
type Server struct {
	handler  Handler
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	bus      *events.Bus

	// Handlers run on base so a reply still reaches the room after
	// the sending device goes away.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates a WebSocket server dispatching to h.
func NewServer(h Handler, cfg Config, logger *slog.Logger, bus *events.Bus) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler: h,
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		base:    base,
		cancel:  cancel,
		conns:   make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.cfg.AllowedOrigins, origin) {
		return true
	}
	if u, err := url.Parse(origin); err == nil && slices.Contains(s.cfg.AllowedOrigins, u.Host) {
		return true
	}
	return false
}

// userIDOf reads the user id from the userId query parameter, falling
// back to the X-User-ID header.
func userIDOf(r *http.Request) string {
	if id := r.URL.Query().Get("userId"); id != "" {
		return id
	}
	return r.Header.Get("X-User-ID")
}

// ServeHTTP upgrades the request and serves the connection until it
// closes. Requests without a user id are rejected before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isClosing() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	userID := userIDOf(r)
	if userID == "" {
		s.logger.Warn("websocket connection without user id", "remote", r.RemoteAddr)
		http.Error(w, "userId is required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := &Conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan router.Envelope, s.cfg.SendBuffer),
		done:   make(chan struct{}),
		server: s,
	}
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ws.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.logger.Debug("websocket connected", "user_id", userID, "conn_id", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	s.handler.Connect(c)
	c.readPump()

	s.handler.Disconnect(c)
	c.close()
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// track registers one in-flight event. It refuses once Shutdown has
// begun, so the wait group never grows while Shutdown waits on it.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Shutdown refuses new connections and events, closes every
// connection, and waits for in-flight events to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	defer s.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) dispatch(c *Conn, in router.Inbound) {
	defer s.wg.Done()
	err := s.handler.HandleEvent(s.base, c.id, in)
	if errors.Is(err, router.ErrUnauthenticated) {
		_ = c.Send(router.UnauthenticatedEnvelope(in))
		return
	}
	if err != nil {
		s.logger.Error("event handler failed", "conn_id", c.id, "event", in.EventType, "error", err)
	}
}

// frame is the wire form of one message in either direction.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	// RequestID may ride beside data on inbound frames.
	RequestID string `json:"request_id,omitempty"`
}

// Conn is one device connection. It implements [router.Conn].
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan router.Envelope
	server *Server

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the user the connection authenticated as.
func (c *Conn) UserID() string { return c.userID }

// Send queues env. A full queue closes the connection.
func (c *Conn) Send(env router.Envelope) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClosed
	default:
	}
	s := c.server
	s.logger.Warn("dropping slow connection", "user_id", c.userID, "conn_id", c.id, "queued", len(c.send))
	s.bus.Emit(events.SourceTransport, events.KindConnDropped, map[string]any{
		"user_id": c.userID,
		"conn_id": c.id,
		"queued":  len(c.send),
	})
	c.close()
	return ErrSlowConsumer
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readPump() {
	s := c.server
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	wait := s.cfg.PingInterval * 2
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))

		in, err := decodeInbound(raw)
		if err != nil {
			s.logger.Warn("malformed frame", "conn_id", c.id, "error", err)
			_ = c.Send(router.ErrorEnvelope("", "", router.CodeInvalidEvent, "malformed frame"))
			continue
		}
		if !s.track() {
			return
		}
		go s.dispatch(c, in)
	}
}

func decodeInbound(raw []byte) (router.Inbound, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return router.Inbound{}, err
	}
	in := router.Inbound{EventType: f.Event, RequestID: f.RequestID}
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, &in.Payload); err != nil {
			// Scalar data is treated as the message text.
			var text string
			if json.Unmarshal(f.Data, &text) != nil {
				return router.Inbound{}, err
			}
			in.Payload = map[string]any{"message": text}
		}
	}
	return in, nil
}

func encodeEnvelope(env router.Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: env.Event, Data: body})
}

func (c *Conn) writePump() {
	s := c.server
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			msg, err := encodeEnvelope(env)
			if err != nil {
				s.logger.Error("encode envelope", "conn_id", c.id, "event", env.Event, "error", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Debug("websocket write failed", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}
