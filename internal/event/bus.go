package event

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/calcrt/internal/logging"
)

// DefaultMaxSubscribers bounds the subscriber list of a single topic.
const DefaultMaxSubscribers = 64

// Handler receives published events.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events synchronously, in subscription order, to the handlers
// of the event's topic followed by wildcard handlers. A panicking handler is
// logged and does not affect the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]subscription
	nextID uint64

	maxSubscribers int
	log            *logging.Logger
	now            func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithMaxSubscribers sets the per-topic subscriber bound.
func WithMaxSubscribers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxSubscribers = n
		}
	}
}

// WithLogger sets the logger used to report handler panics.
func WithLogger(log *logging.Logger) Option {
	return func(b *Bus) {
		if log != nil {
			b.log = log
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs:           make(map[Topic][]subscription),
		maxSubscribers: DefaultMaxSubscribers,
		log:            logging.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for topic. The returned function removes it and is
// safe to call more than once.
func (b *Bus) Subscribe(topic Topic, h Handler) (func(), error) {
	if topic == "" {
		return nil, ErrInvalidTopic
	}
	if h == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.subs[topic]) >= b.maxSubscribers {
		return nil, ErrTooManySubscribers
	}
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}, nil
}

// SubscribeAll registers h for every topic.
func (b *Bus) SubscribeAll(h Handler) (func(), error) {
	return b.Subscribe(TopicAll, h)
}

func (b *Bus) remove(topic Topic, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Publish delivers ev to every matching handler before returning.
// Handlers are invoked outside the bus lock.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic])+len(b.subs[TopicAll]))
	for _, s := range b.subs[ev.Topic] {
		handlers = append(handlers, s.handler)
	}
	if ev.Topic != TopicAll {
		for _, s := range b.subs[TopicAll] {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(ctx, h, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			err := &PanicError{Topic: ev.Topic, Value: r}
			b.log.Error().Err(err).Str("plugin", ev.PluginID).Msg("event handler panicked")
		}
	}()
	h(ctx, ev)
}

// Count returns the number of handlers subscribed to topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
