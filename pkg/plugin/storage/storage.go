// Package storage keeps namespaced key/value state for plugins. Each
// plugin owns two JSON documents, one per scope: local state survives
// deactivation, session state is discarded when the plugin deactivates.
// Namespaces are keyed by plugin id and never shared; isolation between
// plugins is structural, not checked per call.
//
// Values live in JSON documents addressed with gjson path syntax, so a
// plain key reads a top-level field and "cache.hits" reaches into a
// nested object. The store has no durability of its own. Hosts that need
// persistence observe mutation events and snapshot documents with
// Document and Restore.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/graft-dev/graft/pkg/event"
)

// Scope selects which of a plugin's two namespaces an operation targets.
type Scope string

const (
	// ScopeLocal is the persistent namespace, kept until unload.
	ScopeLocal Scope = "local"

	// ScopeSession is the activation-lifetime namespace, cleared on
	// deactivation.
	ScopeSession Scope = "session"
)

// DefaultQuota caps one namespace document at 256 KiB.
const DefaultQuota = 256 * 1024

var (
	// ErrQuotaExceeded is returned when a write would grow a namespace
	// document past its quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidKey is returned when a key cannot be used as a document
	// path.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrInvalidDocument is returned by Restore for malformed JSON.
	ErrInvalidDocument = errors.New("invalid storage document")
)

// Store holds every plugin's namespace documents.
type Store struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	quota  int
	events *event.Bus
	log    zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithQuota sets the per-document byte quota. Zero or negative disables
// the quota.
func WithQuota(bytes int) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// WithEvents attaches the bus mutation events are published on.
func WithEvents(bus *event.Bus) Option {
	return func(s *Store) {
		s.events = bus
	}
}

// WithLogger sets the store's logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log.With().Str("component", "storage").Logger()
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:  make(map[string][]byte),
		quota: DefaultQuota,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// The separator cannot appear in plugin ids or scopes, so composite keys
// never collide.
func docKey(pluginID string, scope Scope) string {
	return pluginID + "\x00" + string(scope)
}

// Get reads the value at key. The second return is false when the key is
// absent. Values come back with JSON typing: numbers are float64, objects
// are map[string]any, arrays are []any.
func (s *Store) Get(pluginID string, scope Scope, key string) (any, bool) {
	s.mu.RLock()
	doc, ok := s.docs[docKey(pluginID, scope)]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	result := gjson.GetBytes(doc, key)
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

// Set writes value at key, creating the namespace document on first
// write. The write is rejected without effect if the updated document
// would exceed the quota.
func (s *Store) Set(pluginID string, scope Scope, key string, value any) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	s.mu.Lock()
	doc, ok := s.docs[docKey(pluginID, scope)]
	if !ok {
		doc = []byte(`{}`)
	}

	updated, err := sjson.SetBytes(doc, key, value)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if s.quota > 0 && len(updated) > s.quota {
		s.mu.Unlock()
		return fmt.Errorf("%w: plugin %q %s namespace would reach %d bytes (quota %d)",
			ErrQuotaExceeded, pluginID, scope, len(updated), s.quota)
	}

	s.docs[docKey(pluginID, scope)] = updated
	s.mu.Unlock()

	s.publish(event.TopicStorageSet, pluginID, scope, key)
	return nil
}

// Remove deletes the value at key. Removing an absent key is a no-op.
func (s *Store) Remove(pluginID string, scope Scope, key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	s.mu.Lock()
	doc, ok := s.docs[docKey(pluginID, scope)]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if !gjson.GetBytes(doc, key).Exists() {
		s.mu.Unlock()
		return nil
	}

	updated, err := sjson.DeleteBytes(doc, key)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	s.docs[docKey(pluginID, scope)] = updated
	s.mu.Unlock()

	s.publish(event.TopicStorageRemove, pluginID, scope, key)
	return nil
}

// Keys returns the namespace's top-level keys in sorted order.
func (s *Store) Keys(pluginID string, scope Scope) []string {
	s.mu.RLock()
	doc, ok := s.docs[docKey(pluginID, scope)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	var keys []string
	gjson.ParseBytes(doc).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	sort.Strings(keys)
	return keys
}

// Clear discards one namespace document. Clearing an absent namespace is
// a no-op and publishes nothing.
func (s *Store) Clear(pluginID string, scope Scope) {
	s.mu.Lock()
	_, existed := s.docs[docKey(pluginID, scope)]
	delete(s.docs, docKey(pluginID, scope))
	s.mu.Unlock()

	if existed {
		s.publish(event.TopicStorageClear, pluginID, scope, "")
	}
}

// ClearAll discards both of a plugin's namespaces. Called on unload.
func (s *Store) ClearAll(pluginID string) {
	s.Clear(pluginID, ScopeLocal)
	s.Clear(pluginID, ScopeSession)
}

// Size returns the namespace document's size in bytes.
func (s *Store) Size(pluginID string, scope Scope) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[docKey(pluginID, scope)])
}

// Document returns a copy of the raw namespace document, or nil when the
// namespace has never been written. Hosts use it to snapshot state for
// external persistence.
func (s *Store) Document(pluginID string, scope Scope) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docKey(pluginID, scope)]
	if !ok {
		return nil
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out
}

// Restore replaces a namespace document wholesale, the inverse of
// Document. The document must be a JSON object and fit the quota.
func (s *Store) Restore(pluginID string, scope Scope, doc []byte) error {
	if !gjson.ValidBytes(doc) || !gjson.ParseBytes(doc).IsObject() {
		return fmt.Errorf("%w: not a JSON object", ErrInvalidDocument)
	}
	if s.quota > 0 && len(doc) > s.quota {
		return fmt.Errorf("%w: document is %d bytes (quota %d)", ErrQuotaExceeded, len(doc), s.quota)
	}

	copied := make([]byte, len(doc))
	copy(copied, doc)

	s.mu.Lock()
	s.docs[docKey(pluginID, scope)] = copied
	s.mu.Unlock()
	return nil
}

// publish runs outside the store lock so a slow subscriber never stalls
// plugin writes.
func (s *Store) publish(topic event.Topic, pluginID string, scope Scope, key string) {
	if s.events == nil {
		return
	}
	data := map[string]any{"scope": string(scope)}
	if key != "" {
		data["key"] = key
	}
	s.events.Publish(event.Event{
		Topic:    topic,
		PluginID: pluginID,
		Data:     data,
	})
}
