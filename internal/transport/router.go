package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/zeusync/hotswap/internal/core/observability/log"
	"github.com/zeusync/hotswap/pkg/sequence"
	"github.com/zeusync/hotswap/pkg/swap"
)

// Handler consumes one payload delivered on its channel.
type Handler func(ctx context.Context, p Payload) error

// Router maps channel ids to handlers. Routes may change while payloads are
// being delivered; a delivery uses the table as it was when it started.
type Router struct {
	logger   log.Log
	routes   *swap.Map[uint16, Handler]
	fallback atomic.Pointer[Handler]

	delivered atomic.Uint64
	unrouted  atomic.Uint64
	failed    atomic.Uint64
}

type RouterMetrics struct {
	Delivered uint64
	Unrouted  uint64
	Failed    uint64
}

func NewRouter(logger log.Log) *Router {
	if logger == nil {
		logger = log.Provide()
	}
	return &Router{
		logger: logger.Named("router"),
		routes: swap.NewMap[uint16, Handler](),
	}
}

// Handle sets the handler for channel and reports whether one was replaced.
func (r *Router) Handle(channel uint16, h Handler) bool {
	_, replaced := r.routes.Store(channel, h)
	r.logger.Debug("route set", log.Int("channel", int(channel)), log.Bool("replaced", replaced))
	return replaced
}

func (r *Router) Remove(channel uint16) bool {
	_, ok := r.routes.Delete(channel)
	return ok
}

// SetDefault handles channels with no route. Nil restores ErrNoRoute.
func (r *Router) SetDefault(h Handler) {
	if h == nil {
		r.fallback.Store(nil)
		return
	}
	r.fallback.Store(&h)
}

func (r *Router) Channels() []uint16 {
	return sequence.Sorted(sequence.Keys(r.routes.Snapshot()))
}

// Deliver runs the handler for p.Channel. A panicking handler is reported as an error.
func (r *Router) Deliver(ctx context.Context, p Payload) (err error) {
	h, ok := r.routes.Load(p.Channel)
	if !ok {
		if fb := r.fallback.Load(); fb != nil {
			h = *fb
		} else {
			r.unrouted.Add(1)
			return errors.Wrapf(ErrNoRoute, "channel %d", p.Channel)
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("transport: handler for channel %d panicked: %v", p.Channel, rec)
			r.logger.Error("handler panic", log.Int("channel", int(p.Channel)), log.Any("panic", rec))
		}
		if err != nil {
			r.failed.Add(1)
		} else {
			r.delivered.Add(1)
		}
	}()
	return h(ctx, p)
}

func (r *Router) Metrics() RouterMetrics {
	return RouterMetrics{
		Delivered: r.delivered.Load(),
		Unrouted:  r.unrouted.Load(),
		Failed:    r.failed.Load(),
	}
}
