package pipeline

import "github.com/yuuki/flowping/internal/model"

// ResultDispatcher picks the result path of a resolved ping
type ResultDispatcher struct {
	periodic chan<- *model.PingContext
	manual   chan<- *model.PingContext
}

func NewResultDispatcher(periodic, manual chan<- *model.PingContext) *ResultDispatcher {
	return &ResultDispatcher{periodic: periodic, manual: manual}
}

// Route returns the output channel for ctx
func (d *ResultDispatcher) Route(ctx *model.PingContext) chan<- *model.PingContext {
	if ctx.Kind == model.KindManual {
		return d.manual
	}
	return d.periodic
}
