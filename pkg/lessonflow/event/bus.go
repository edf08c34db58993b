package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"github.com/google/uuid"
)

// ErrBusClosed is returned when publishing to or subscribing on a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// Handler consumes events delivered by a Bus.
type Handler func(ctx context.Context, evt Event)

// Bus distributes run events to subscribers that did not start the run.
type Bus interface {
	// Publish sends evt to subscribers of its run and to wildcard subscribers.
	Publish(ctx context.Context, evt Event) error

	// Subscribe delivers the events of one run, in publish order.
	Subscribe(runID string, handler Handler) (Subscription, error)

	// SubscribeAll delivers the events of every run.
	SubscribeAll(handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	ID() string
	Unsubscribe()
}

// BusWriter adapts a Bus into a StreamWriter so an Emitter can publish
// through it.
func BusWriter(b Bus) StreamWriter {
	return func(ctx context.Context, evt Event) error {
		return b.Publish(ctx, evt)
	}
}

// BusConfig configures a LocalBus.
type BusConfig struct {
	// BufferSize is the channel buffer size per subscription.
	// Default: 256
	BufferSize int

	// NonBlocking makes Publish drop events for subscribers whose buffer
	// is full instead of waiting.
	NonBlocking bool

	// OnDrop is called when an event is dropped in non-blocking mode.
	OnDrop func(evt Event, subscriptionID string)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

const wildcardTopic = "*"

// LocalBus is an in-memory Bus. Each subscription has its own buffered
// channel and delivery goroutine, so a slow subscriber only delays itself
// (or loses events, in non-blocking mode).
type LocalBus struct {
	config BusConfig
	topics *haxmap.Map[string, *topic]
	closed atomic.Bool
}

type topic struct {
	subs *haxmap.Map[string, *subscription]
}

// NewBus creates a LocalBus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	return &LocalBus{
		config: config,
		topics: haxmap.New[string, *topic](),
	}
}

func (b *LocalBus) topic(id string) *topic {
	t, _ := b.topics.GetOrCompute(id, func() *topic {
		return &topic{subs: haxmap.New[string, *subscription]()}
	})
	return t
}

// Publish implements Bus.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	for _, id := range []string{evt.RunID, wildcardTopic} {
		t, ok := b.topics.Get(id)
		if !ok {
			continue
		}
		var err error
		t.subs.ForEach(func(_ string, sub *subscription) bool {
			err = b.deliver(ctx, sub, evt)
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBus) deliver(ctx context.Context, sub *subscription, evt Event) error {
	if b.config.NonBlocking {
		select {
		case sub.events <- evt:
		case <-sub.done:
		default:
			if b.config.OnDrop != nil {
				b.config.OnDrop(evt, sub.id)
			}
		}
		return nil
	}
	select {
	case sub.events <- evt:
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(runID string, handler Handler) (Subscription, error) {
	if runID == "" || runID == wildcardTopic {
		return nil, errors.New("subscribe: run id is required")
	}
	return b.subscribe(runID, handler)
}

// SubscribeAll implements Bus.
func (b *LocalBus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(wildcardTopic, handler)
}

func (b *LocalBus) subscribe(topicID string, handler Handler) (*subscription, error) {
	if handler == nil {
		return nil, errors.New("subscribe: handler is required")
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}

	t := b.topic(topicID)
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		done:    make(chan struct{}),
		topic:   t,
	}
	t.subs.Set(sub.id, sub)

	go sub.process()
	return sub, nil
}

// Close implements Bus.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.topics.ForEach(func(_ string, t *topic) bool {
		t.subs.ForEach(func(_ string, sub *subscription) bool {
			sub.Unsubscribe()
			return true
		})
		return true
	})
	return nil
}

type subscription struct {
	id      string
	handler Handler
	events  chan Event
	done    chan struct{}
	once    sync.Once
	topic   *topic
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) process() {
	for {
		select {
		case evt := <-s.events:
			s.handler(context.Background(), evt)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe removes the subscription. Safe to call more than once.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.topic.subs.Del(s.id)
		close(s.done)
	})
}
