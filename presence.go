package cemear

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// PresenceTracker mirrors the server's set of online users. Every broadcast
// replaces the set.
type PresenceTracker struct {
	mu        sync.RWMutex
	online    map[string]struct{}
	listeners listenerSet[[]string]
	log       *zap.Logger
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker(log *zap.Logger) *PresenceTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &PresenceTracker{online: make(map[string]struct{}), log: log.Named("presence")}
}

// Replace installs ids as the online set.
func (p *PresenceTracker) Replace(ids []string) {
	next := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
	p.listeners.emit(p.Online(), p.log)
}

// IsOnline reports whether userID was in the last broadcast.
func (p *PresenceTracker) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online users, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	ids := make([]string, 0, len(p.online))
	for id := range p.online {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// OnChange registers fn for presence broadcasts.
func (p *PresenceTracker) OnChange(fn func(online []string)) *Subscription {
	return p.listeners.subscribe("", fn)
}

// HandleEvent applies a userOnlineStatus broadcast.
func (p *PresenceTracker) HandleEvent(ev Event) {
	var ids []string
	if err := ev.Decode(&ids); err != nil {
		p.log.Warn("event_dropped", zap.String("event", ev.Name), zap.String("reason", "malformed"), zap.Error(err))
		return
	}
	p.Replace(ids)
}
