package pipeline

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// GroupCollector gathers the records of a group until it is complete or expires
type GroupCollector struct {
	window time.Duration
	groups map[uuid.UUID]*collectedGroup
}

type collectedGroup struct {
	group    *model.Group
	expireAt time.Time
}

func NewGroupCollector(window time.Duration) *GroupCollector {
	return &GroupCollector{
		window: window,
		groups: make(map[uuid.UUID]*collectedGroup),
	}
}

// Add stores ctx and returns its group once complete
func (c *GroupCollector) Add(ctx *model.PingContext, now time.Time) *model.Group {
	entry, ok := c.groups[ctx.Group.ID]
	if !ok {
		entry = &collectedGroup{
			group:    &model.Group{ID: ctx.Group},
			expireAt: now.Add(c.window),
		}
		c.groups[ctx.Group.ID] = entry
	}
	entry.group.Records = append(entry.group.Records, ctx)
	if !entry.group.IsComplete() {
		return nil
	}
	delete(c.groups, ctx.Group.ID)
	return entry.group
}

// Expire removes and returns incomplete groups older than the window
func (c *GroupCollector) Expire(now time.Time) []*model.Group {
	var expired []*model.Group
	for id, entry := range c.groups {
		if now.After(entry.expireAt) {
			expired = append(expired, entry.group)
			delete(c.groups, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ID.ID.String() < expired[j].ID.ID.String()
	})
	return expired
}

func (c *GroupCollector) Len() int {
	return len(c.groups)
}

// ManualResult is the answer to an on demand flow ping
type ManualResult struct {
	FlowID  string
	Forward *model.PingContext
	Reverse *model.PingContext
	// Complete is false when the group expired before both directions reported
	Complete bool
}

// ManualResultManager answers callers waiting for a manual ping group
type ManualResultManager struct {
	collector *GroupCollector
	waiters   map[uuid.UUID]chan<- ManualResult
}

func NewManualResultManager(window time.Duration) *ManualResultManager {
	return &ManualResultManager{
		collector: NewGroupCollector(window),
		waiters:   make(map[uuid.UUID]chan<- ManualResult),
	}
}

// Expect registers the reply channel of a group. reply must have room for one result.
func (m *ManualResultManager) Expect(group uuid.UUID, reply chan<- ManualResult) {
	m.waiters[group] = reply
}

// Cancel drops a waiter that gave up
func (m *ManualResultManager) Cancel(group uuid.UUID) {
	delete(m.waiters, group)
}

// Handle collects a manual result
func (m *ManualResultManager) Handle(ctx *model.PingContext, now time.Time) {
	if group := m.collector.Add(ctx, now); group != nil {
		m.reply(group, true)
	}
}

// Tick answers groups that did not complete in time
func (m *ManualResultManager) Tick(now time.Time) {
	for _, group := range m.collector.Expire(now) {
		m.reply(group, false)
	}
}

func (m *ManualResultManager) reply(group *model.Group, complete bool) {
	reply, ok := m.waiters[group.ID.ID]
	if !ok {
		log.Debug().Str("group_id", group.ID.ID.String()).Msg("No one is waiting for manual ping group")
		return
	}
	delete(m.waiters, group.ID.ID)

	result := ManualResult{
		Forward:  group.Direction(model.Forward),
		Reverse:  group.Direction(model.Reverse),
		Complete: complete,
	}
	if len(group.Records) > 0 {
		result.FlowID = group.Records[0].FlowID()
	}
	select {
	case reply <- result:
	default:
		log.Warn().Str("group_id", group.ID.ID.String()).Msg("Manual ping waiter is not receiving")
	}
}
