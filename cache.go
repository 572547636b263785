package chatsync

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Keys
// ============================================================================

// Key addresses one cache entry. Keys are slash-separated segment paths, so
// "messages" is a prefix of every per-conversation message list.
type Key string

const keySep = "/"

func newKey(parts ...string) Key {
	return Key(strings.Join(parts, keySep))
}

// ConversationsKey addresses the conversation list.
func ConversationsKey() Key { return newKey("conversations") }

// MessagesKey addresses one conversation's message list. With no argument it
// addresses the prefix shared by all message lists.
func MessagesKey(conversationID ...string) Key {
	return newKey(append([]string{"messages"}, conversationID...)...)
}

// ConversationKey addresses a single conversation entity.
func ConversationKey(id string) Key { return newKey("conversation", id) }

// MessageKey addresses a single message entity.
func MessageKey(conversationID, id string) Key { return newKey("message", conversationID, id) }

// ReactionsKey addresses the reaction detail list of one message.
func ReactionsKey(conversationID, messageID string) Key {
	return newKey("reactions", conversationID, messageID)
}

// HasPrefix reports whether k lies under prefix on a segment boundary.
func (k Key) HasPrefix(prefix Key) bool {
	if k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+keySep)
}

// ============================================================================
// Store
// ============================================================================

// Entry is one stored value with its freshness.
type Entry struct {
	Value     any
	Stale     bool
	UpdatedAt time.Time
}

// UpdateFunc computes a new value from the current entry. Returning false
// leaves the entry untouched.
type UpdateFunc func(cur Entry, ok bool) (next any, write bool)

// Store is the keyed local cache every component reads from and writes
// through. Reads never block on the network.
type Store interface {
	Get(key Key) (Entry, bool)
	Set(key Key, value any)
	// Update performs an atomic read-modify-write of one key.
	Update(key Key, fn UpdateFunc) bool
	// Invalidate marks key (or, when exact is false, every key under it)
	// stale and notifies listeners. It returns the keys it touched.
	Invalidate(key Key, exact bool) []Key
	Remove(key Key)
	OnInvalidate(fn func(Key))
}

// GetList returns the page-set stored under key.
func GetList[T any](s Store, key Key) (*PageSet[T], bool) {
	e, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	ps, ok := e.Value.(*PageSet[T])
	return ps, ok
}

// SetList stores a page-set under key.
func SetList[T any](s Store, key Key, ps *PageSet[T]) {
	s.Set(key, ps)
}

// GetEntity returns the single entity stored under key.
func GetEntity[T any](s Store, key Key) (T, bool) {
	var zero T
	e, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := e.Value.(T)
	return v, ok
}

// SetEntity stores a single entity under key.
func SetEntity(s Store, key Key, v any) {
	s.Set(key, v)
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]*Entry

	listenersMu sync.RWMutex
	listeners   []func(Key)

	now    func() time.Time
	logger *slog.Logger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]*Entry),
		now:     time.Now,
		logger:  discardLogger(),
	}
}

// WithLogger sets the store's logger and returns the store.
func (s *MemoryStore) WithLogger(l *slog.Logger) *MemoryStore {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *MemoryStore) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *MemoryStore) Set(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &Entry{Value: value, UpdatedAt: s.now()}
}

func (s *MemoryStore) Update(key Key, fn UpdateFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur Entry
	e, ok := s.entries[key]
	if ok {
		cur = *e
	}
	next, write := fn(cur, ok)
	if !write {
		return false
	}
	s.entries[key] = &Entry{Value: next, UpdatedAt: s.now()}
	return true
}

func (s *MemoryStore) Invalidate(key Key, exact bool) []Key {
	s.mu.Lock()
	var touched []Key
	for k, e := range s.entries {
		if k == key || (!exact && k.HasPrefix(key)) {
			e.Stale = true
			touched = append(touched, k)
		}
	}
	s.mu.Unlock()

	// An absent exact key still tells the owner to (re)load it.
	if len(touched) == 0 && exact {
		touched = []Key{key}
	}
	sort.Slice(touched, func(i, j int) bool { return touched[i] < touched[j] })

	s.logger.Debug("cache_invalidate", "key", string(key), "exact", exact, "touched", len(touched))
	for _, k := range touched {
		s.emit(k)
	}
	return touched
}

func (s *MemoryStore) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// RemovePrefix deletes every key under prefix.
func (s *MemoryStore) RemovePrefix(prefix Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if k.HasPrefix(prefix) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Keys lists stored keys under prefix, sorted. An empty prefix lists all.
func (s *MemoryStore) Keys(prefix Key) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Key
	for k := range s.entries {
		if prefix == "" || k.HasPrefix(prefix) {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *MemoryStore) OnInvalidate(fn func(Key)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MemoryStore) emit(key Key) {
	s.listenersMu.RLock()
	handlers := append([]func(Key){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("cache_listener_panic", "key", string(key), "panic", r)
				}
			}()
			h(key)
		}()
	}
}
