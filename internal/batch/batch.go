package batch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// Batch writes a set of commands to one or more devices and tracks
// their confirmation. Every affected device gets exactly one barrier,
// written after all payload commands. The batch is complete once every
// barrier has been answered.
type Batch struct {
	lookup DeviceLookup

	// payload in submission order
	commands []*PendingCommand
	devices  []model.DeviceID

	pendingMu sync.Mutex
	pending   map[CorrelationKey]*PendingCommand
	errors    bool

	barrierMu       sync.Mutex
	pendingBarriers map[CorrelationKey]*PendingCommand
	barriers        []*PendingCommand
	// set once the barriers are registered; a batch is never complete before that
	armed bool

	createdAt time.Time
}

// Submit builds a batch from commands and writes it. A synchronous write
// failure aborts the batch and is returned as *WriteFailure.
func Submit(lookup DeviceLookup, commands []*PendingCommand) (*Batch, error) {
	b := newBatch(lookup, commands, time.Now())
	if err := b.write(); err != nil {
		return nil, err
	}
	return b, nil
}

func newBatch(lookup DeviceLookup, commands []*PendingCommand, now time.Time) *Batch {
	b := &Batch{
		lookup:          lookup,
		commands:        commands,
		pending:         make(map[CorrelationKey]*PendingCommand, len(commands)),
		pendingBarriers: make(map[CorrelationKey]*PendingCommand),
		createdAt:       now,
	}

	seen := make(map[model.DeviceID]struct{})
	for _, cmd := range commands {
		b.pending[cmd.Key] = cmd
		if _, ok := seen[cmd.Key.Device]; !ok {
			seen[cmd.Key.Device] = struct{}{}
			b.devices = append(b.devices, cmd.Key.Device)
		}
	}
	return b
}

// write sends the payload grouped by device, then one barrier per device.
// Barriers are only sent when every payload write succeeded.
func (b *Batch) write() error {
	sessions := make(map[model.DeviceID]Device, len(b.devices))
	session := func(id model.DeviceID, msg *Message) (Device, error) {
		if dev, ok := sessions[id]; ok {
			return dev, nil
		}
		dev, err := b.lookup.LookupDevice(id)
		if err != nil {
			return nil, &WriteFailure{Device: id, Message: msg, Err: err}
		}
		sessions[id] = dev
		return dev, nil
	}

	byDevice := make(map[model.DeviceID][]*PendingCommand, len(b.devices))
	for _, cmd := range b.commands {
		byDevice[cmd.Key.Device] = append(byDevice[cmd.Key.Device], cmd)
	}

	for _, id := range b.devices {
		for _, cmd := range byDevice[id] {
			dev, err := session(id, cmd.Request)
			if err != nil {
				return err
			}
			if err := dev.Write(cmd.Request); err != nil {
				return &WriteFailure{Device: id, Message: cmd.Request, Err: err}
			}
		}
	}

	// Register the barriers before writing any of them; a fast reply must find its entry.
	b.barrierMu.Lock()
	for _, id := range b.devices {
		msg := sessions[id].BarrierRequest()
		barrier := NewPendingCommand(id, msg)
		b.pendingBarriers[barrier.Key] = barrier
		b.barriers = append(b.barriers, barrier)
	}
	b.armed = true
	b.barrierMu.Unlock()

	for _, barrier := range b.barriers {
		if err := sessions[barrier.Key.Device].Write(barrier.Request); err != nil {
			return &WriteFailure{Device: barrier.Key.Device, Message: barrier.Request, Err: err}
		}
		log.Trace().
			Str("dpid", string(barrier.Key.Device)).
			Uint32("xid", barrier.Key.Xid).
			Msg("Barrier request sent")
	}
	return nil
}

// HandleReply correlates a device reply with this batch. It returns false
// when the reply does not belong to the batch.
func (b *Batch) HandleReply(device model.DeviceID, msg *Message) bool {
	key := CorrelationKey{Device: device, Xid: msg.Xid}

	if b.removeBarrier(key) {
		log.Debug().Str("dpid", string(device)).Uint32("xid", msg.Xid).Msg("Barrier reply received")
		return true
	}

	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	cmd, ok := b.pending[key]
	if !ok {
		return false
	}
	cmd.Response = msg
	if msg.Type == TypeError {
		b.errors = true
		log.Warn().Str("dpid", string(device)).Uint32("xid", msg.Xid).Msg("Device rejected batch command")
	}
	return true
}

func (b *Batch) removeBarrier(key CorrelationKey) bool {
	b.barrierMu.Lock()
	defer b.barrierMu.Unlock()
	if _, ok := b.pendingBarriers[key]; !ok {
		return false
	}
	delete(b.pendingBarriers, key)
	return true
}

// IsComplete reports whether every affected device confirmed the batch
func (b *Batch) IsComplete() bool {
	b.barrierMu.Lock()
	defer b.barrierMu.Unlock()
	return b.armed && len(b.pendingBarriers) == 0
}

// IsErrored reports whether any payload command was rejected by its device
func (b *Batch) IsErrored() bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	return b.errors
}

// Commands returns the payload commands in submission order
func (b *Batch) Commands() []*PendingCommand {
	return b.commands
}

// Devices returns the affected devices in first-seen order
func (b *Batch) Devices() []model.DeviceID {
	return b.devices
}

// Barriers returns the barrier commands written for this batch
func (b *Batch) Barriers() []*PendingCommand {
	b.barrierMu.Lock()
	defer b.barrierMu.Unlock()
	return append([]*PendingCommand(nil), b.barriers...)
}

func (b *Batch) CreatedAt() time.Time {
	return b.createdAt
}
