package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/db"
)

// memRegistry is an in-memory subscription store.
type memRegistry struct {
	mu      sync.Mutex
	subs    []*db.PushSubscription
	listErr error
}

func newMemRegistry(endpoints ...string) *memRegistry {
	r := &memRegistry{}
	for _, ep := range endpoints {
		r.subs = append(r.subs, &db.PushSubscription{ID: uuid.New(), AdminID: "A1", Endpoint: ep, Active: true})
	}
	return r
}

func (r *memRegistry) ListActive(ctx context.Context) ([]*db.PushSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var out []*db.PushSubscription
	for _, s := range r.subs {
		if s.Active {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRegistry) Deactivate(ctx context.Context, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Endpoint == endpoint {
			s.Active = false
		}
	}
	return nil
}

func (r *memRegistry) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ID == id {
			s.LastNotifiedAt = &at
		}
	}
	return nil
}

func (r *memRegistry) get(endpoint string) *db.PushSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Endpoint == endpoint {
			cp := *s
			return &cp
		}
	}
	return nil
}

// fakePush fails per endpoint and records payloads.
type fakePush struct {
	mu       sync.Mutex
	failures map[string]error
	received map[string][]byte
	started  chan struct{}
	release  chan struct{}
}

func newFakePush() *fakePush {
	return &fakePush{failures: map[string]error{}, received: map[string][]byte{}}
}

func (p *fakePush) Push(ctx context.Context, sub *db.PushSubscription, payload []byte) error {
	if p.release != nil {
		p.started <- struct{}{}
		<-p.release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failures[sub.Endpoint]; err != nil {
		return err
	}
	p.received[sub.Endpoint] = payload
	return nil
}

type fakeSMS struct {
	mu    sync.Mutex
	fail  map[string]bool
	sent  map[string]string
	calls int
}

func newFakeSMS() *fakeSMS {
	return &fakeSMS{fail: map[string]bool{}, sent: map[string]string{}}
}

func (s *fakeSMS) SendSMS(ctx context.Context, phone, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail[phone] {
		return fmt.Errorf("carrier rejected %s", phone)
	}
	s.sent[phone] = body
	return nil
}

type fakeEmail struct {
	mu      sync.Mutex
	to      []string
	subject string
	calls   int
	err     error
}

func (e *fakeEmail) SendEmail(ctx context.Context, to []string, subject, body string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.to = to
	e.subject = subject
	return e.err
}

func testNotification() *db.Notification {
	n := db.NewNotification("O1", "New order #O1 from Ada: $12.50", json.RawMessage(`{}`))
	n.CreatedAt = time.Now()
	return n
}

func TestDeliver_GoneEndpointIsDeactivated(t *testing.T) {
	reg := newMemRegistry("https://push/a", "https://push/b", "https://push/c")
	push := newFakePush()
	push.failures["https://push/b"] = fmt.Errorf("%w: status 410", ErrEndpointGone)

	f := NewFanout(reg, push, nil, nil, Config{}, zap.NewNop())
	res := f.Deliver(context.Background(), testNotification(), 0)

	if res.PushSent != 2 || res.PushDeactivated != 1 || res.PushFailed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	if reg.get("https://push/b").Active {
		t.Error("gone endpoint should be inactive")
	}
	for _, ep := range []string{"https://push/a", "https://push/c"} {
		sub := reg.get(ep)
		if !sub.Active {
			t.Errorf("%s should remain active", ep)
		}
		if sub.LastNotifiedAt == nil {
			t.Errorf("%s lastNotifiedAt not recorded", ep)
		}
		if _, ok := push.received[ep]; !ok {
			t.Errorf("%s did not receive the payload", ep)
		}
	}
}

func TestDeliver_TransientPushFailureKeepsEndpoint(t *testing.T) {
	reg := newMemRegistry("https://push/a", "https://push/b")
	push := newFakePush()
	push.failures["https://push/a"] = errors.New("connection reset")

	f := NewFanout(reg, push, nil, nil, Config{}, zap.NewNop())
	res := f.Deliver(context.Background(), testNotification(), 0)

	if res.PushFailed != 1 || res.PushSent != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !reg.get("https://push/a").Active {
		t.Error("transient failure must not deactivate")
	}
}

func TestDeliver_PushEndpointsRunConcurrently(t *testing.T) {
	reg := newMemRegistry("https://push/a", "https://push/b", "https://push/c")
	push := newFakePush()
	push.started = make(chan struct{}, 3)
	push.release = make(chan struct{})

	f := NewFanout(reg, push, nil, nil, Config{}, zap.NewNop())

	done := make(chan Result)
	go func() { done <- f.Deliver(context.Background(), testNotification(), 0) }()

	// all three sends must be in flight before any of them is released
	for i := 0; i < 3; i++ {
		select {
		case <-push.started:
		case <-time.After(time.Second):
			t.Fatal("sends are not concurrent")
		}
	}
	close(push.release)

	if res := <-done; res.PushSent != 3 {
		t.Fatalf("PushSent = %d, want 3", res.PushSent)
	}
}

func TestDeliver_DisabledChannelsAreNoOps(t *testing.T) {
	reg := newMemRegistry("https://push/a")
	f := NewFanout(reg, nil, nil, nil, Config{AdminNumbers: []string{"+16502530000"}}, zap.NewNop())

	res := f.Deliver(context.Background(), testNotification(), 2)
	if res != (Result{}) {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if reg.get("https://push/a").LastNotifiedAt != nil {
		t.Error("disabled push must not touch the registry")
	}
}

func TestDeliver_RegistryFailureDoesNotStopSMS(t *testing.T) {
	reg := newMemRegistry()
	reg.listErr = errors.New("db down")
	sms := newFakeSMS()

	f := NewFanout(reg, newFakePush(), sms, nil, Config{AdminNumbers: []string{"+16502530000"}}, zap.NewNop())
	res := f.Deliver(context.Background(), testNotification(), 0)

	if res.SMSSent != 1 {
		t.Fatalf("SMSSent = %d, want 1", res.SMSSent)
	}
}

func TestDeliver_SMS(t *testing.T) {
	numbers := []string{"+16502530000", "+16502530001", "+16502530002"}

	tests := []struct {
		name       string
		level      int
		fail       string
		wantSent   int
		wantFailed int
		wantPrefix string
	}{
		{"first pass", 0, "", 3, 0, "New order #O1"},
		{"escalation is marked", 1, "", 3, 0, "[ESCALATION L1] New order #O1"},
		{"one number failing", 2, "+16502530001", 2, 1, "[ESCALATION L2] "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sms := newFakeSMS()
			if tt.fail != "" {
				sms.fail[tt.fail] = true
			}

			f := NewFanout(nil, nil, sms, nil, Config{AdminNumbers: numbers}, zap.NewNop())
			res := f.Deliver(context.Background(), testNotification(), tt.level)

			if res.SMSSent != tt.wantSent || res.SMSFailed != tt.wantFailed {
				t.Fatalf("sent/failed = %d/%d, want %d/%d", res.SMSSent, res.SMSFailed, tt.wantSent, tt.wantFailed)
			}
			if sms.calls != len(numbers) {
				t.Errorf("calls = %d, want %d", sms.calls, len(numbers))
			}
			for phone, body := range sms.sent {
				if !strings.HasPrefix(body, tt.wantPrefix) {
					t.Errorf("%s body = %q, want prefix %q", phone, body, tt.wantPrefix)
				}
			}
		})
	}
}

func TestDeliver_EmailOnlyOnEscalation(t *testing.T) {
	email := &fakeEmail{}
	cfg := Config{EscalationEmails: []string{"ops@example.com"}}
	f := NewFanout(nil, nil, nil, email, cfg, zap.NewNop())

	f.Deliver(context.Background(), testNotification(), 0)
	if email.calls != 0 {
		t.Fatal("first-pass delivery must not send e-mail")
	}

	res := f.Deliver(context.Background(), testNotification(), 1)
	if !res.EmailSent || email.calls != 1 {
		t.Fatalf("expected one escalation e-mail, got %d", email.calls)
	}
	if !strings.HasPrefix(email.subject, "[ESCALATION L1] Order O1") {
		t.Errorf("subject = %q", email.subject)
	}

	email.err = errors.New("ses down")
	if res := f.Deliver(context.Background(), testNotification(), 1); res.EmailSent {
		t.Error("failed e-mail reported as sent")
	}
}

func TestPushPayload(t *testing.T) {
	n := testNotification()

	raw, err := PushPayload(n, 1)
	if err != nil {
		t.Fatalf("PushPayload: %v", err)
	}

	var msg pushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Body != n.Message || msg.Tag != "order-O1" {
		t.Errorf("unexpected payload %+v", msg)
	}
	if msg.Data.NotificationID != n.ID.String() || msg.Data.Level != 1 {
		t.Errorf("unexpected data %+v", msg.Data)
	}
	if !strings.Contains(msg.Title, "L1") {
		t.Errorf("escalation title = %q", msg.Title)
	}
}
