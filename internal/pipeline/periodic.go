package pipeline

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// PeriodicAction is what to do with a periodic ping result
type PeriodicAction int

const (
	// ActionReport feeds the result into health tracking and stats
	ActionReport PeriodicAction = iota
	// ActionBlacklist stops pinging the tuple; the result says nothing about the flow
	ActionBlacklist
)

// PeriodicResultManager splits periodic results into blacklist updates
// and health observations.
type PeriodicResultManager struct{}

func NewPeriodicResultManager() *PeriodicResultManager {
	return &PeriodicResultManager{}
}

// Handle classifies ctx
func (m *PeriodicResultManager) Handle(ctx *model.PingContext) PeriodicAction {
	if ctx.IsPermanentError() {
		log.Warn().
			Str("flow_id", ctx.FlowID()).
			Str("direction", ctx.Direction.String()).
			Str("error", ctx.Outcome().Error.String()).
			Msg("Permanent ping error, excluding from periodic checks")
		return ActionBlacklist
	}
	return ActionReport
}
