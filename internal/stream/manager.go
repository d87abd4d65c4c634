package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/events"
	"github.com/lalithlochan/orderalert/internal/metrics"
)

// ErrStreamingUnsupported is returned when the response cannot be flushed.
var ErrStreamingUnsupported = errors.New("streaming unsupported")

var (
	connectedFrame = []byte("event: connected\ndata: {}\n\n")
	heartbeatFrame = []byte(": heartbeat\n\n")
)

// Close reasons, also used as metric labels.
const (
	ReasonClientGone  = "client_gone"
	ReasonMaxAge      = "max_age"
	ReasonWriteFailed = "write_failed"
	ReasonSlow        = "slow_consumer"
	ReasonShutdown    = "shutdown"
)

// Config controls connection timers and queueing.
type Config struct {
	Heartbeat  time.Duration
	MaxAge     time.Duration
	SendBuffer int
}

// DefaultConfig returns 25s heartbeats, a 6h lifetime and a 16 frame queue.
func DefaultConfig() Config {
	return Config{
		Heartbeat:  25 * time.Second,
		MaxAge:     6 * time.Hour,
		SendBuffer: 16,
	}
}

// Manager owns the set of live admin event streams.
type Manager struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewManager creates a manager. Zero config values fall back to DefaultConfig.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	return &Manager{
		conns:  make(map[string]*Conn),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Register opens an event stream on w for id and writes the connected frame.
// Only admins may register. The caller must then run Conn.Serve on the same
// goroutine that owns w.
func (m *Manager) Register(w http.ResponseWriter, id auth.Identity) (*Conn, error) {
	if !id.IsAdmin() {
		return nil, fmt.Errorf("register stream: %w", auth.ErrForbidden)
	}

	rc := http.NewResponseController(w)
	// the server-wide write timeout would cut the stream
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clear write deadline: %w", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(connectedFrame); err != nil {
		return nil, fmt.Errorf("write connected frame: %w", err)
	}
	if err := rc.Flush(); err != nil {
		if errors.Is(err, http.ErrNotSupported) {
			return nil, ErrStreamingUnsupported
		}
		return nil, fmt.Errorf("flush connected frame: %w", err)
	}

	c := &Conn{
		adminID:   id.AdminID,
		w:         w,
		rc:        rc,
		send:      make(chan []byte, m.cfg.SendBuffer),
		done:      make(chan struct{}),
		heartbeat: time.NewTicker(m.cfg.Heartbeat),
		expiry:    time.NewTimer(m.cfg.MaxAge),
		manager:   m,
	}

	m.mu.Lock()
	now := m.now()
	c.createdAt = now
	c.id = fmt.Sprintf("%s-%d", id.AdminID, now.UnixNano())
	for n := 1; m.conns[c.id] != nil; n++ {
		c.id = fmt.Sprintf("%s-%d-%d", id.AdminID, now.UnixNano(), n)
	}
	m.conns[c.id] = c
	total := len(m.conns)
	m.mu.Unlock()

	metrics.StreamOpened()
	m.logger.Info("stream connected",
		zap.String("client_id", c.id),
		zap.String("admin_id", id.AdminID),
		zap.Int("connections", total),
	)

	return c, nil
}

// Broadcast queues evt on every live connection and returns how many took it.
// A connection whose queue is full is closed; the others are unaffected.
func (m *Manager) Broadcast(evt events.Event) (int, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)

	var slow []*Conn
	delivered := 0

	m.mu.Lock()
	for _, c := range m.conns {
		select {
		case c.send <- frame:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	m.mu.Unlock()

	for _, c := range slow {
		m.logger.Warn("stream queue full, closing connection", zap.String("client_id", c.id))
		c.close(ReasonSlow)
	}

	return delivered, nil
}

// Listener adapts Broadcast to an event bus handler.
func (m *Manager) Listener() events.Handler {
	return func(_ context.Context, evt events.Event) error {
		_, err := m.Broadcast(evt)
		return err
	}
}

// Len returns the number of live connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// CloseAll ends every live connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.close(ReasonShutdown)
	}
}

func (m *Manager) remove(c *Conn) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns[c.id] == c {
		delete(m.conns, c.id)
	}
	return len(m.conns)
}

// Conn is one live event stream. Only Serve writes to the response.
type Conn struct {
	id        string
	adminID   string
	createdAt time.Time

	w  http.ResponseWriter
	rc *http.ResponseController

	send      chan []byte
	done      chan struct{}
	heartbeat *time.Ticker
	expiry    *time.Timer

	once    sync.Once
	manager *Manager
}

// ID returns the client id.
func (c *Conn) ID() string { return c.id }

// Done is closed once the connection has been cleaned up.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve writes queued frames and heartbeats until the client goes away, the
// lifetime expires, a write fails or the connection is closed elsewhere.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.close(ReasonClientGone)
			return nil

		case <-c.done:
			return nil

		case <-c.expiry.C:
			c.close(ReasonMaxAge)
			return nil

		case <-c.heartbeat.C:
			if err := c.write(heartbeatFrame); err != nil {
				c.close(ReasonWriteFailed)
				return err
			}

		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.close(ReasonWriteFailed)
				return err
			}
		}
	}
}

func (c *Conn) write(frame []byte) error {
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := c.rc.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Close removes the connection and stops its timers. Repeat calls are no-ops.
func (c *Conn) Close() {
	c.close(ReasonShutdown)
}

func (c *Conn) close(reason string) {
	c.once.Do(func() {
		c.heartbeat.Stop()
		c.expiry.Stop()
		close(c.done)

		remaining := c.manager.remove(c)
		metrics.StreamClosed(reason)

		c.manager.logger.Info("stream closed",
			zap.String("client_id", c.id),
			zap.String("reason", reason),
			zap.Duration("age", time.Since(c.createdAt)),
			zap.Int("connections", remaining),
		)
	})
}
