package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/metrics"
)

// Kind is the event name seen by listeners and on the wire.
type Kind string

const (
	KindNew    Kind = "notification:new"
	KindUpdate Kind = "notification:update"
)

// UpdateType says why a notification:update was emitted.
type UpdateType string

const (
	UpdateStatus     UpdateType = "status"
	UpdateEscalation UpdateType = "escalation"
)

// DefaultBuffer is the per-subscriber queue size used when Subscribe gets 0.
const DefaultBuffer = 64

// Event is a single notification event.
type Event struct {
	Kind         Kind             `json:"event"`
	Type         UpdateType       `json:"type,omitempty"`
	Notification *db.Notification `json:"notification"`
	At           time.Time        `json:"at"`
}

// NewOrder builds a notification:new event.
func NewOrder(n *db.Notification) Event {
	return Event{Kind: KindNew, Notification: n, At: time.Now().UTC()}
}

// StatusChanged builds a notification:update event for an admin transition.
func StatusChanged(n *db.Notification) Event {
	return Event{Kind: KindUpdate, Type: UpdateStatus, Notification: n, At: time.Now().UTC()}
}

// Escalated builds a notification:update event for a scheduler escalation.
func Escalated(n *db.Notification) Event {
	return Event{Kind: KindUpdate, Type: UpdateEscalation, Notification: n, At: time.Now().UTC()}
}

// Handler consumes events for one subscriber. A returned error is logged.
type Handler func(ctx context.Context, evt Event) error

type subscriber struct {
	name string
	ch   chan Event
	h    Handler
}

// Bus is an in-process publish/subscribe fabric. Every subscriber owns a
// bounded queue drained by its own goroutine, so Publish never waits on a
// listener. When a queue is full the event is dropped for that subscriber.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Subscribe registers h and returns a function that removes it. The returned
// function is safe to call more than once. Subscribers only see events
// published after Subscribe returns.
func (b *Bus) Subscribe(name string, buffer int, h Handler) func() {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.nextID
	b.nextID++

	sub := &subscriber{name: name, ch: make(chan Event, buffer), h: h}
	b.subs[id] = sub

	b.wg.Add(1)
	go b.run(sub)

	b.logger.Debug("bus subscriber added", zap.String("subscriber", name))

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

// Publish hands evt to every current subscriber without blocking.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- evt:
		default:
			metrics.RecordEventDropped(sub.name)
			b.logger.Warn("bus subscriber queue full, event dropped",
				zap.String("subscriber", sub.name),
				zap.String("event", string(evt.Kind)),
				zap.String("notification_id", notificationID(evt)),
			)
		}
	}
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close stops accepting events, lets every subscriber drain what is already
// queued and waits for them until ctx expires.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	defer b.cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain bus subscribers: %w", ctx.Err())
	}
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()

	for evt := range sub.ch {
		b.dispatch(sub, evt)
	}
}

// dispatch runs one handler call with panics contained.
func (b *Bus) dispatch(sub *subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus subscriber panicked",
				zap.String("subscriber", sub.name),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.h(b.ctx, evt); err != nil {
		b.logger.Warn("bus subscriber failed",
			zap.String("subscriber", sub.name),
			zap.String("event", string(evt.Kind)),
			zap.String("notification_id", notificationID(evt)),
			zap.Error(err),
		)
	}
}

func notificationID(evt Event) string {
	if evt.Notification == nil {
		return ""
	}
	return evt.Notification.ID.String()
}
