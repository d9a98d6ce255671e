package pipeline

import (
	"time"

	"github.com/yuuki/flowping/internal/model"
)

// CoupledRecord carries a fresh result of one direction, paired with the
// opposite direction when that one arrived within the window. Current names
// the direction of the fresh result; the other side may be nil.
type CoupledRecord struct {
	FlowID  string
	Current model.Direction
	Forward *model.PingContext
	Reverse *model.PingContext
}

// IsPaired reports whether both directions are present
func (r CoupledRecord) IsPaired() bool {
	return r.Forward != nil && r.Reverse != nil
}

type coupleKey struct {
	flowID    string
	direction model.Direction
}

type coupleEntry struct {
	ctx      *model.PingContext
	expireAt time.Time
}

// StatsCoupler holds the result of a flow direction for one probe interval
// until the opposite direction arrives. A result is paired at most once.
type StatsCoupler struct {
	window time.Duration
	cache  map[coupleKey]coupleEntry
}

func NewStatsCoupler(window time.Duration) *StatsCoupler {
	return &StatsCoupler{
		window: window,
		cache:  make(map[coupleKey]coupleEntry),
	}
}

// Handle pairs ctx with a waiting opposite result, or parks it until the
// opposite direction arrives
func (c *StatsCoupler) Handle(ctx *model.PingContext, now time.Time) CoupledRecord {
	var opposite *model.PingContext
	oppositeKey := coupleKey{flowID: ctx.FlowID(), direction: ctx.Direction.Opposite()}
	if entry, ok := c.cache[oppositeKey]; ok {
		delete(c.cache, oppositeKey)
		if !now.After(entry.expireAt) {
			opposite = entry.ctx
		}
	}

	if opposite == nil {
		c.cache[coupleKey{flowID: ctx.FlowID(), direction: ctx.Direction}] = coupleEntry{
			ctx:      ctx,
			expireAt: now.Add(c.window),
		}
	}

	record := CoupledRecord{FlowID: ctx.FlowID(), Current: ctx.Direction}
	if ctx.Direction == model.Forward {
		record.Forward, record.Reverse = ctx, opposite
	} else {
		record.Forward, record.Reverse = opposite, ctx
	}
	return record
}

// Expire drops entries older than the window and returns how many were removed
func (c *StatsCoupler) Expire(now time.Time) int {
	removed := 0
	for key, entry := range c.cache {
		if now.After(entry.expireAt) {
			delete(c.cache, key)
			removed++
		}
	}
	return removed
}

func (c *StatsCoupler) Len() int {
	return len(c.cache)
}
