package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/events"
)

// streamWriter is a goroutine-safe ResponseWriter that can be told to fail.
type streamWriter struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	status int
	fail   bool
}

func newStreamWriter() *streamWriter {
	return &streamWriter{header: make(http.Header)}
}

func (w *streamWriter) Header() http.Header { return w.header }

func (w *streamWriter) WriteHeader(code int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = code
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("broken pipe")
	}
	return w.buf.Write(p)
}

func (w *streamWriter) Flush() {}

func (w *streamWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *streamWriter) breakPipe() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fail = true
}

// plainWriter cannot flush.
type plainWriter struct {
	header http.Header
}

func (w *plainWriter) Header() http.Header        { return w.header }
func (w *plainWriter) WriteHeader(int)            {}
func (w *plainWriter) Write(p []byte) (int, error) { return len(p), nil }

var admin = auth.Identity{AdminID: "A1", Role: auth.RoleAdmin}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func serve(ctx context.Context, c *Conn) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Serve(ctx) }()
	return errc
}

func TestRegister_WritesConnectedFrame(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	w := newStreamWriter()

	c, err := m.Register(w, admin)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer c.Close()

	if got := w.String(); got != "event: connected\ndata: {}\n\n" {
		t.Errorf("first frame = %q", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	if !strings.HasPrefix(c.ID(), "A1-") {
		t.Errorf("client id = %q", c.ID())
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestRegister_RejectsNonAdmin(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	w := newStreamWriter()

	_, err := m.Register(w, auth.Identity{AdminID: "C1", Role: auth.RoleCustomer})
	if !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if m.Len() != 0 {
		t.Error("rejected identity must not create a connection")
	}
	if w.String() != "" {
		t.Error("nothing should be written for a rejected identity")
	}
}

func TestRegister_RequiresFlusher(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())

	_, err := m.Register(&plainWriter{header: make(http.Header)}, admin)
	if !errors.Is(err, ErrStreamingUnsupported) {
		t.Fatalf("expected ErrStreamingUnsupported, got %v", err)
	}
	if m.Len() != 0 {
		t.Error("connection should not be registered")
	}
}

func TestRegister_UniqueClientIDs(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	fixed := time.Now()
	m.now = func() time.Time { return fixed }

	a, _ := m.Register(newStreamWriter(), admin)
	b, _ := m.Register(newStreamWriter(), admin)
	defer a.Close()
	defer b.Close()

	if a.ID() == b.ID() {
		t.Fatalf("duplicate client id %q", a.ID())
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}
}

func TestBroadcast_ReachesEveryConnection(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())

	w1, w2 := newStreamWriter(), newStreamWriter()
	c1, _ := m.Register(w1, admin)
	c2, _ := m.Register(w2, auth.Identity{AdminID: "A2", Role: auth.RoleAdmin})

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	done1 := serve(ctx1, c1)
	serve(ctx2, c2)

	n := db.NewNotification("O1", "New order #O1", json.RawMessage(`{}`))
	delivered, err := m.Broadcast(events.NewOrder(n))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("delivered = %d, want 2", delivered)
	}

	for _, w := range []*streamWriter{w1, w2} {
		waitFor(t, "event frame", func() bool {
			return strings.Contains(w.String(), `data: {"event":"notification:new"`)
		})
	}

	// disconnecting one client leaves the other untouched
	cancel1()
	<-done1
	waitFor(t, "removal", func() bool { return m.Len() == 1 })

	update := events.StatusChanged(n)
	if delivered, _ := m.Broadcast(update); delivered != 1 {
		t.Fatalf("delivered = %d, want 1", delivered)
	}
	waitFor(t, "update frame", func() bool {
		return strings.Contains(w2.String(), `"event":"notification:update","type":"status"`)
	})
	if strings.Contains(w1.String(), "notification:update") {
		t.Error("closed connection received a frame")
	}
}

func TestBroadcast_FrameFormat(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	w := newStreamWriter()
	c, _ := m.Register(w, admin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serve(ctx, c)

	n := db.NewNotification("O9", "msg", json.RawMessage(`{}`))
	m.Broadcast(events.Escalated(n))

	waitFor(t, "frame", func() bool { return strings.Count(w.String(), "\n\n") == 2 })

	frames := strings.Split(strings.TrimSuffix(w.String(), "\n\n"), "\n\n")
	last := frames[len(frames)-1]
	if !strings.HasPrefix(last, "data: ") {
		t.Fatalf("frame = %q", last)
	}

	var evt struct {
		Event        string `json:"event"`
		Type         string `json:"type"`
		Notification struct {
			OrderID string `json:"orderId"`
		} `json:"notification"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(last, "data: ")), &evt); err != nil {
		t.Fatalf("frame payload is not json: %v", err)
	}
	if evt.Event != "notification:update" || evt.Type != "escalation" || evt.Notification.OrderID != "O9" {
		t.Errorf("unexpected payload %+v", evt)
	}
}

func TestConn_Heartbeat(t *testing.T) {
	m := NewManager(Config{Heartbeat: 10 * time.Millisecond}, zap.NewNop())
	w := newStreamWriter()
	c, _ := m.Register(w, admin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serve(ctx, c)

	waitFor(t, "heartbeat", func() bool { return strings.Contains(w.String(), ": heartbeat\n\n") })
}

func TestConn_MaxAgeClosesStream(t *testing.T) {
	m := NewManager(Config{MaxAge: 20 * time.Millisecond}, zap.NewNop())
	c, _ := m.Register(newStreamWriter(), admin)

	errc := serve(context.Background(), c)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream outlived max age")
	}

	if m.Len() != 0 {
		t.Error("expired connection still registered")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestConn_WriteFailureRemovesOnlyThatConnection(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())

	bad, good := newStreamWriter(), newStreamWriter()
	cb, _ := m.Register(bad, admin)
	cg, _ := m.Register(good, auth.Identity{AdminID: "A2", Role: auth.RoleAdmin})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errBad := serve(ctx, cb)
	serve(ctx, cg)

	bad.breakPipe()
	m.Broadcast(events.NewOrder(db.NewNotification("O1", "msg", nil)))

	select {
	case err := <-errBad:
		if err == nil {
			t.Fatal("expected write error")
		}
	case <-time.After(time.Second):
		t.Fatal("broken connection not closed")
	}

	waitFor(t, "delivery to healthy client", func() bool {
		return strings.Contains(good.String(), "notification:new")
	})
	if m.Len() != 1 {
		t.Errorf("Len = %d, want 1", m.Len())
	}
}

func TestConn_SlowConsumerIsClosed(t *testing.T) {
	m := NewManager(Config{SendBuffer: 1}, zap.NewNop())
	c, _ := m.Register(newStreamWriter(), admin)

	// nobody is serving c, so the second frame overflows its queue
	n := db.NewNotification("O1", "msg", nil)
	if d, _ := m.Broadcast(events.NewOrder(n)); d != 1 {
		t.Fatalf("first broadcast delivered %d", d)
	}
	if d, _ := m.Broadcast(events.NewOrder(n)); d != 0 {
		t.Fatalf("second broadcast delivered %d", d)
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("slow consumer not closed")
	}
	if m.Len() != 0 {
		t.Error("slow consumer still registered")
	}
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	c, _ := m.Register(newStreamWriter(), admin)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close()
		}()
	}
	wg.Wait()

	c.close(ReasonMaxAge)
	if m.Len() != 0 {
		t.Error("connection still registered")
	}

	// Serve on an already closed connection returns immediately
	if err := c.Serve(context.Background()); err != nil {
		t.Errorf("Serve after close: %v", err)
	}
}

func TestManager_CloseAllAndListener(t *testing.T) {
	m := NewManager(Config{}, zap.NewNop())
	w := newStreamWriter()
	c, _ := m.Register(w, admin)

	bus := events.NewBus(zap.NewNop())
	defer bus.Close(context.Background())
	bus.Subscribe("stream", 0, m.Listener())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := serve(ctx, c)

	bus.Publish(events.NewOrder(db.NewNotification("O5", "msg", nil)))
	waitFor(t, "bus relay", func() bool { return strings.Contains(w.String(), `"orderId":"O5"`) })

	m.CloseAll()
	if err := <-errc; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if m.Len() != 0 {
		t.Error("CloseAll left connections")
	}
}
