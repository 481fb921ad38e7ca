package metrics

import (
	"context"
	"sync/atomic"
)

// HitRecorder collects cache hits reported by the layers a job passes
// through.
type HitRecorder struct {
	l1, l2, l3 atomic.Bool
}

type hitKey struct{}

// WithHitRecorder returns a context carrying a new recorder.
func WithHitRecorder(ctx context.Context) (context.Context, *HitRecorder) {
	r := &HitRecorder{}
	return context.WithValue(ctx, hitKey{}, r), r
}

// MarkHit flags a hit at level ("L1", "L2" or "L3") on the recorder in ctx,
// if any.
func MarkHit(ctx context.Context, level string) {
	r, ok := ctx.Value(hitKey{}).(*HitRecorder)
	if !ok {
		return
	}
	switch level {
	case "L1":
		r.l1.Store(true)
	case "L2":
		r.l2.Store(true)
	case "L3":
		r.l3.Store(true)
	}
}

// Hits returns the recorded hits.
func (r *HitRecorder) Hits() CacheHits {
	return CacheHits{L1: r.l1.Load(), L2: r.l2.Load(), L3: r.l3.Load()}
}
