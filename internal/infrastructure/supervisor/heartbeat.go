package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

type heartbeatKey struct{}

type heartbeat struct {
	clock clockwork.Clock
	last  atomic.Int64
}

func newHeartbeat(clock clockwork.Clock) *heartbeat {
	hb := &heartbeat{clock: clock}
	hb.beat()
	return hb
}

func (h *heartbeat) beat() {
	h.last.Store(h.clock.Now().UnixNano())
}

func (h *heartbeat) age() time.Duration {
	return h.clock.Since(time.Unix(0, h.last.Load()))
}

// Beat records that the worker running with ctx is making progress.
// Outside a supervised worker it does nothing.
func Beat(ctx context.Context) {
	if hb, ok := ctx.Value(heartbeatKey{}).(*heartbeat); ok {
		hb.beat()
	}
}

func withHeartbeat(ctx context.Context, hb *heartbeat) context.Context {
	return context.WithValue(ctx, heartbeatKey{}, hb)
}
