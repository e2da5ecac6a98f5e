// Package quota implements gate 5 of the Turn Orchestrator's mandatory
// gate order (spec.md §4.1): a per-tenant quota lane returning
// ALLOW | WAIT | REFUSE.
//
// Grounded on r3e-network-service_layer's use of golang.org/x/time/rate
// for its gateway rate limits and github.com/redis/go-redis/v9 for shared
// counters; mirrored into Redis (exercised against miniredis in tests) so
// multiple orchestrator replicas share one view of a tenant's quota, per
// spec.md §5 "Shared-resource policy".
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Verdict is the outcome of a quota check.
type Verdict string

const (
	Allow  Verdict = "ALLOW"
	Wait   Verdict = "WAIT"
	Refuse Verdict = "REFUSE"
)

// Lane gates turn throughput per tenant. The in-process limiter gives
// low-latency local admission control; the Redis mirror gives a shared,
// cross-replica view for the REFUSE threshold.
type Lane struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rdb      redis.Cmdable
	perSec   rate.Limit
	burst    int
	refuseAt int64
}

// NewLane creates a quota lane. rdb may be nil, in which case the lane
// degrades to local-only admission (no cross-replica REFUSE threshold).
func NewLane(rdb redis.Cmdable, perSec float64, burst int, refuseAt int64) *Lane {
	return &Lane{
		limiters: make(map[string]*rate.Limiter),
		rdb:      rdb,
		perSec:   rate.Limit(perSec),
		burst:    burst,
		refuseAt: refuseAt,
	}
}

func (l *Lane) limiterFor(tenantID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(l.perSec, l.burst)
		l.limiters[tenantID] = lim
	}
	return lim
}

// Check evaluates the quota lane for tenantID, incrementing the
// tenant's shared Redis counter as a side effect.
func (l *Lane) Check(ctx context.Context, tenantID string) (Verdict, error) {
	if l.rdb != nil {
		key := "selene:quota:" + tenantID
		count, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			return Refuse, fmt.Errorf("quota: redis incr: %w", err)
		}
		l.rdb.Expire(ctx, key, time.Minute)
		if l.refuseAt > 0 && count > l.refuseAt {
			return Refuse, nil
		}
	}

	if !l.limiterFor(tenantID).Allow() {
		return Wait, nil
	}
	return Allow, nil
}
