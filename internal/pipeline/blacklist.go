package pipeline

import (
	"sync"

	"github.com/yuuki/flowping/internal/model"
)

// Blacklist suppresses pings matching an exact (source, dest, vlan) rule
type Blacklist struct {
	mu    sync.RWMutex
	rules map[model.PingMatch]struct{}
}

func NewBlacklist() *Blacklist {
	return &Blacklist{rules: make(map[model.PingMatch]struct{})}
}

// Add inserts a rule and reports whether it was new
func (b *Blacklist) Add(match model.PingMatch) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rules[match]; ok {
		return false
	}
	b.rules[match] = struct{}{}
	return true
}

func (b *Blacklist) Remove(match model.PingMatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rules, match)
}

// Load replaces all rules
func (b *Blacklist) Load(rules []model.PingMatch) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = make(map[model.PingMatch]struct{}, len(rules))
	for _, rule := range rules {
		b.rules[rule] = struct{}{}
	}
}

// Allows reports whether ping may be sent
func (b *Blacklist) Allows(ping model.Ping) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, blocked := b.rules[ping.Match()]
	return !blocked
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rules)
}
