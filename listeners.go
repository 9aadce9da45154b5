package cemear

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription is the handle returned by every Subscribe style method.
// Close removes the listener; it is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Close removes the listener.
func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

type listener[T any] struct {
	key string
	seq uint64
	fn  func(T)
}

// listenerSet is an ordered registry of callbacks keyed by identity.
// Adding an already registered key is a no-op.
type listenerSet[T any] struct {
	mu        sync.RWMutex
	seq       uint64
	listeners []listener[T]
}

// add registers fn under key. An empty key gets a random one. The returned
// seq identifies the registration that owns key.
func (s *listenerSet[T]) add(key string, fn func(T)) (string, uint64, bool) {
	if key == "" {
		key = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.key == key {
			return key, l.seq, false
		}
	}
	s.seq++
	s.listeners = append(s.listeners, listener[T]{key: key, seq: s.seq, fn: fn})
	return key, s.seq, true
}

// remove drops key if it is still owned by seq. seq 0 matches any owner.
func (s *listenerSet[T]) remove(key string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.key == key && (seq == 0 || l.seq == seq) {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (s *listenerSet[T]) clear() {
	s.mu.Lock()
	s.listeners = nil
	s.mu.Unlock()
}

func (s *listenerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// subscribe wraps add/remove into a Subscription.
func (s *listenerSet[T]) subscribe(key string, fn func(T)) *Subscription {
	key, seq, _ := s.add(key, fn)
	return newSubscription(func() { s.remove(key, seq) })
}

// emit calls every listener in registration order. A panicking listener is
// logged and skipped.
func (s *listenerSet[T]) emit(v T, log *zap.Logger) {
	s.mu.RLock()
	snapshot := make([]listener[T], len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.RUnlock()

	for _, l := range snapshot {
		invoke(l, v, log)
	}
}

func invoke[T any](l listener[T], v T, log *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("listener_panic", zap.String("key", l.key), zap.Any("panic", r))
		}
	}()
	l.fn(v)
}
