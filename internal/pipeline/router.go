package pipeline

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/flowping/internal/model"
)

// Router filters new pings through the blacklist and validates replies
// before they reach the timeout manager.
type Router struct {
	blacklist *Blacklist
}

func NewRouter(blacklist *Blacklist) *Router {
	return &Router{blacklist: blacklist}
}

// Request reports whether a freshly produced ping may proceed
func (r *Router) Request(ctx *model.PingContext) bool {
	if !r.blacklist.Allows(ctx.Ping) {
		log.Debug().Str("flow_id", ctx.FlowID()).Str("ping", ctx.Ping.String()).Msg("Ping suppressed by blacklist")
		return false
	}
	return true
}

// Response reports whether a reply can be correlated
func (r *Router) Response(resp model.PingResponse) bool {
	if resp.PingID == uuid.Nil {
		log.Warn().Msg("Dropping ping response without ping id")
		return false
	}
	return true
}

// UpdateBlacklist adds a suppression rule
func (r *Router) UpdateBlacklist(match model.PingMatch) {
	if r.blacklist.Add(match) {
		log.Info().
			Str("source", match.Source.String()).
			Str("dest", match.Dest.String()).
			Int("vlan", match.Vlan).
			Msg("Blacklisted ping")
	}
}
