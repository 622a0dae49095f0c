// Package event delivers plugin lifecycle notifications to host observers.
//
// The bus is an explicit observer list: subscribers register a handler
// (optionally filtered by topic) and receive events synchronously in
// publish order. No subscriber is required to exist; publishing to an
// empty bus is a no-op.
package event

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topic names a lifecycle event category.
type Topic string

// Lifecycle topics observable by the host.
const (
	// TopicPluginLoaded is published after a plugin is validated and stored.
	TopicPluginLoaded Topic = "plugin:loaded"

	// TopicPluginActivated is published after a plugin's activation entry
	// succeeds.
	TopicPluginActivated Topic = "plugin:activated"

	// TopicPluginDeactivated is published after a plugin is deactivated and
	// its hooks are retracted.
	TopicPluginDeactivated Topic = "plugin:deactivated"

	// TopicPluginUnloaded is published after a plugin's sandbox and storage
	// are discarded.
	TopicPluginUnloaded Topic = "plugin:unloaded"

	// TopicSettingsUpdated is published after a plugin's settings overlay
	// changes.
	TopicSettingsUpdated Topic = "plugin:settings:updated"

	// TopicStorageSet is published after a storage write.
	TopicStorageSet Topic = "plugin:storage:set"

	// TopicStorageRemove is published after a storage key removal.
	TopicStorageRemove Topic = "plugin:storage:remove"

	// TopicStorageClear is published after a storage namespace is cleared.
	TopicStorageClear Topic = "plugin:storage:clear"
)

// Event is the envelope delivered to observers.
type Event struct {
	// Topic identifies the lifecycle transition.
	Topic Topic

	// PluginID is the plugin the event concerns.
	PluginID string

	// Data carries topic-specific details (storage key, settings patch).
	Data map[string]any

	// Time is when the event was published.
	Time time.Time
}

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	handler Handler
	topics  map[Topic]bool // nil means all topics
}

// Bus fans events out to subscribed handlers.
type Bus struct {
	mu   sync.RWMutex
	subs []*subscription
	dead int
	log  zerolog.Logger
}

// NewBus creates an event bus. Panics recovered from handlers are logged
// to the given logger.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		log: log.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers a handler for the given topics; with no topics the
// handler sees everything. The returned function removes the subscription
// and is safe to call more than once.
func (b *Bus) Subscribe(handler Handler, topics ...Topic) func() {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{handler: handler}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs[i] = nil
				b.dead++
				break
			}
		}
		// Nil slots keep publish order stable for the survivors; compact
		// once they outnumber the live ones so churn cannot grow the list
		// without bound.
		if b.dead*2 >= len(b.subs) {
			b.compactLocked()
		}
	}
}

func (b *Bus) compactLocked() {
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s != nil {
			kept = append(kept, s)
		}
	}
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = nil
	}
	b.subs = kept
	b.dead = 0
}

// Chan subscribes a buffered channel to the given topics. Events that do
// not fit the buffer are dropped rather than blocking publishers. The
// returned function cancels the subscription and closes the channel.
func (b *Bus) Chan(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	unsubscribe := b.Subscribe(func(evt Event) {
		select {
		case ch <- evt:
		default:
			b.log.Warn().Str("topic", string(evt.Topic)).Msg("event channel full, dropping")
		}
	}, topics...)

	var closed bool
	return ch, func() {
		unsubscribe()
		if !closed {
			closed = true
			close(ch)
		}
	}
}

// Publish delivers the event to every matching subscriber, synchronously
// and in subscription order. A panicking handler is logged and skipped;
// it never stops delivery to the rest.
func (b *Bus) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if sub.topics != nil && !sub.topics[evt.Topic] {
			continue
		}
		b.deliver(sub.handler, evt)
	}
}

func (b *Bus) deliver(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("topic", string(evt.Topic)).
				Str("plugin_id", evt.PluginID).
				Any("panic", r).
				Msg("event handler panicked")
		}
	}()
	handler(evt)
}
