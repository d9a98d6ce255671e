package batch

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// Receiver is notified once when a pushed batch completes
type Receiver interface {
	IOComplete(payload []*PendingCommand, isError bool)
}

// DefaultStaleAfter is how long a batch may wait for barrier replies before it is dropped
const DefaultStaleAfter = 30 * time.Second

type batchEntry struct {
	batch    *Batch
	receiver Receiver
}

// Service keeps track of all in-flight batches and routes device replies to them
type Service struct {
	lookup     DeviceLookup
	clock      clock.Clock
	staleAfter time.Duration

	mu       sync.Mutex
	batches  map[*Batch]*batchEntry
	byDevice map[model.DeviceID]map[*Batch]struct{}
}

// NewService creates a batch service writing through lookup
func NewService(lookup DeviceLookup, clk clock.Clock, staleAfter time.Duration) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Service{
		lookup:     lookup,
		clock:      clk,
		staleAfter: staleAfter,
		batches:    make(map[*Batch]*batchEntry),
		byDevice:   make(map[model.DeviceID]map[*Batch]struct{}),
	}
}

// Push writes commands as one batch. On success the receiver is called
// exactly once, when the batch completes or is swept as stale.
func (s *Service) Push(receiver Receiver, commands []*PendingCommand) error {
	b := newBatch(s.lookup, commands, s.clock.Now())
	entry := &batchEntry{batch: b, receiver: receiver}

	// Registered before the write so replies racing the write are not lost.
	s.register(entry)
	if err := b.write(); err != nil {
		s.unregister(b)
		return err
	}

	// Replies may have completed the batch while it was being written.
	if b.IsComplete() && s.unregister(b) {
		receiver.IOComplete(b.Commands(), b.IsErrored())
	}
	return nil
}

// HandleReply routes a reply to every batch affecting device. It returns
// true if any batch claimed the reply.
func (s *Service) HandleReply(device model.DeviceID, msg *Message) bool {
	s.mu.Lock()
	candidates := make([]*batchEntry, 0, len(s.byDevice[device]))
	for b := range s.byDevice[device] {
		candidates = append(candidates, s.batches[b])
	}
	s.mu.Unlock()

	handled := false
	for _, entry := range candidates {
		if !entry.batch.HandleReply(device, msg) {
			continue
		}
		handled = true
		if entry.batch.IsComplete() && s.unregister(entry.batch) {
			entry.receiver.IOComplete(entry.batch.Commands(), entry.batch.IsErrored())
		}
	}
	return handled
}

// Sweep drops batches older than the stale limit and reports them as failed
func (s *Service) Sweep(now time.Time) int {
	var stale []*batchEntry
	s.mu.Lock()
	for b, entry := range s.batches {
		if now.Sub(b.CreatedAt()) > s.staleAfter {
			stale = append(stale, entry)
		}
	}
	s.mu.Unlock()

	dropped := 0
	for _, entry := range stale {
		if !s.unregister(entry.batch) {
			continue
		}
		dropped++
		log.Warn().
			Strs("devices", deviceNames(entry.batch.Devices())).
			Time("created_at", entry.batch.CreatedAt()).
			Msg("Abandoning batch without barrier confirmation")
		entry.receiver.IOComplete(entry.batch.Commands(), true)
	}
	return dropped
}

// Len returns the number of in-flight batches
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *Service) register(entry *batchEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[entry.batch] = entry
	for _, id := range entry.batch.Devices() {
		set, ok := s.byDevice[id]
		if !ok {
			set = make(map[*Batch]struct{})
			s.byDevice[id] = set
		}
		set[entry.batch] = struct{}{}
	}
}

// unregister removes b and reports whether this call was the one that removed it
func (s *Service) unregister(b *Batch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b]; !ok {
		return false
	}
	delete(s.batches, b)
	for _, id := range b.Devices() {
		if set, ok := s.byDevice[id]; ok {
			delete(set, b)
			if len(set) == 0 {
				delete(s.byDevice, id)
			}
		}
	}
	return true
}

func deviceNames(ids []model.DeviceID) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = string(id)
	}
	return names
}
