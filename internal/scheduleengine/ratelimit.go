package scheduleengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// rateGate enforces spec.md §4.7's per-schedule sliding-window execution
// cap. A local golang.org/x/time/rate limiter (grounded on the teacher's
// infrastructure/ratelimit.RateLimiter) absorbs bursts within one process
// without round-tripping to Redis on every tick; the authoritative count
// — shared across dispatcher/scheduler replicas — comes from Redis when
// configured, falling back to storage.ScheduleStore.CountExecutionsInWindow
// otherwise (the path internal/storage/memory exercises in tests).
type rateGate struct {
	store storage.Store
	redis *redis.Client

	mu    sync.Mutex
	local map[uuid.UUID]*rate.Limiter
}

func newRateGate(store storage.Store, rdb *redis.Client) *rateGate {
	return &rateGate{store: store, redis: rdb, local: make(map[uuid.UUID]*rate.Limiter)}
}

// rateDecision mirrors spec.md §4.7's rate-limit gate outcome: Allowed, or
// blocked either with a deferred scheduled_time (queue_overflow) or
// dropped outright.
type rateDecision struct {
	Allowed       bool
	DeferredUntil time.Time
	Dropped       bool
}

func (g *rateGate) Evaluate(ctx context.Context, scheduleID uuid.UUID, now time.Time) (rateDecision, error) {
	limit, ok, err := g.store.GetRateLimit(ctx, scheduleID)
	if err != nil {
		return rateDecision{}, err
	}
	if !ok || limit.MaxExecutions <= 0 {
		return rateDecision{Allowed: true}, nil
	}

	if !g.localLimiter(scheduleID, limit).AllowN(now, 1) {
		return g.overflowDecision(limit, now), nil
	}

	window := time.Duration(limit.WindowSeconds) * time.Second
	count, err := g.windowCount(ctx, scheduleID, now, window)
	if err != nil {
		return rateDecision{}, err
	}
	if count >= limit.MaxExecutions {
		return g.overflowDecision(limit, now), nil
	}
	return rateDecision{Allowed: true}, nil
}

func (g *rateGate) overflowDecision(limit domain.ScheduleRateLimit, now time.Time) rateDecision {
	if limit.QueueOverflow {
		window := time.Duration(limit.WindowSeconds) * time.Second
		return rateDecision{Allowed: false, DeferredUntil: now.Add(window)}
	}
	return rateDecision{Allowed: false, Dropped: true}
}

func (g *rateGate) localLimiter(scheduleID uuid.UUID, limit domain.ScheduleRateLimit) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.local[scheduleID]
	if !ok {
		perSecond := float64(limit.MaxExecutions) / float64(max(limit.WindowSeconds, 1))
		l = rate.NewLimiter(rate.Limit(perSecond), limit.MaxExecutions)
		g.local[scheduleID] = l
	}
	return l
}

func (g *rateGate) windowCount(ctx context.Context, scheduleID uuid.UUID, now time.Time, window time.Duration) (int, error) {
	if g.redis == nil {
		return g.store.CountExecutionsInWindow(ctx, scheduleID, now.Add(-window))
	}
	key := fmt.Sprintf("orchestrator:schedrate:%s:%d", scheduleID, now.Unix()/int64(window/time.Second+1))
	n, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return g.store.CountExecutionsInWindow(ctx, scheduleID, now.Add(-window))
	}
	if n == 1 {
		g.redis.Expire(ctx, key, window)
	}
	return int(n), nil
}
