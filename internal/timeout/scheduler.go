package timeout

import (
	"container/list"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// descriptor is one outstanding ping waiting for its reply
type descriptor struct {
	expireAt time.Time
	ctx      *model.PingContext
	active   bool
}

// Scheduler tracks outstanding pings and turns them into TIMEOUT results
// once their deadline passes. All deadlines are issue time plus a constant
// timeout, so the queue is ordered by deadline without sorting.
//
// Scheduler is not safe for concurrent use; it is owned by a single stage.
type Scheduler struct {
	queue *list.List
	byID  map[uuid.UUID]*descriptor
}

// NewScheduler creates an empty scheduler
func NewScheduler() *Scheduler {
	return &Scheduler{
		queue: list.New(),
		byID:  make(map[uuid.UUID]*descriptor),
	}
}

// Schedule starts tracking ctx until deadline
func (s *Scheduler) Schedule(ctx *model.PingContext, deadline time.Time) {
	id := ctx.PingID()
	if _, exists := s.byID[id]; exists {
		log.Warn().Str("ping_id", id.String()).Msg("Ping already scheduled, ignoring duplicate")
		return
	}
	d := &descriptor{expireAt: deadline, ctx: ctx, active: true}
	s.queue.PushBack(d)
	s.byID[id] = d
}

// Resolve stops tracking the ping and returns its context, or nil if the
// ping is unknown or already expired.
func (s *Scheduler) Resolve(pingID uuid.UUID) *model.PingContext {
	d, ok := s.byID[pingID]
	if !ok {
		return nil
	}
	delete(s.byID, pingID)
	d.active = false
	return d.ctx
}

// Tick returns every context whose deadline is not after now, in schedule
// order, each resolved with a TIMEOUT outcome.
func (s *Scheduler) Tick(now time.Time) []*model.PingContext {
	var expired []*model.PingContext
	for front := s.queue.Front(); front != nil; front = s.queue.Front() {
		d := front.Value.(*descriptor)
		if now.Before(d.expireAt) {
			break
		}
		s.queue.Remove(front)
		if !d.active {
			continue
		}
		delete(s.byID, d.ctx.PingID())
		d.active = false

		if err := d.ctx.Resolve(model.PingOutcome{Error: model.ErrorTimeout}); err != nil {
			log.Warn().Err(err).Msg("Expired ping was resolved elsewhere")
			continue
		}
		expired = append(expired, d.ctx)
	}
	return expired
}

// Len returns the number of pings still waiting for a reply
func (s *Scheduler) Len() int {
	return len(s.byID)
}
