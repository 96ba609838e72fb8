package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"movemsg/internal/model"
	redisSvc "movemsg/internal/service/redis"
	"movemsg/internal/utils/log"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const gateWindow = time.Minute

type (
	// Gate throttles per-identity actions. An in-process token bucket does
	// the fast check; a redis counter backs it so the cap survives restarts
	// and covers multiple backend instances.
	Gate struct {
		perMinute int
		redis     *redisSvc.RedisService

		mu       sync.Mutex
		limiters map[string]*rate.Limiter
	}

	gateRequest struct {
		Action string `json:"action"`
	}
)

func NewGate(perMinute int, redis *redisSvc.RedisService) *Gate {
	return &Gate{
		perMinute: perMinute,
		redis:     redis,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (g *Gate) limiter(identity string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[identity]
	if !ok {
		l = rate.NewLimiter(rate.Every(gateWindow/time.Duration(g.perMinute)), g.perMinute)
		g.limiters[identity] = l
	}
	return l
}

func counterKey(identity, action string) string {
	return fmt.Sprintf("gate:%s:%s", action, identity)
}

// Check consumes one unit of identity's budget for action. A redis outage
// degrades to the in-process limiter alone rather than blocking sends.
func (g *Gate) Check(ctx context.Context, identity, action string) model.GateResult {
	if g.perMinute <= 0 {
		return model.GateResult{OK: true}
	}

	l := g.limiter(identity)
	if !l.Allow() {
		res := l.Reserve()
		delay := res.Delay()
		res.Cancel()
		return deniedResult(delay)
	}

	count, err := g.redis.Incr(ctx, counterKey(identity, action), gateWindow)
	if err != nil {
		log.Warn("gate counter unavailable", zap.Error(err))
		return model.GateResult{OK: true}
	}
	if count > int64(g.perMinute) {
		return deniedResult(gateWindow)
	}
	return model.GateResult{OK: true}
}

// Peek reports whether an action would currently be allowed without
// consuming budget. Used by the advisory pre-check endpoint.
func (g *Gate) Peek(ctx context.Context, identity, action string) model.GateResult {
	if g.perMinute <= 0 {
		return model.GateResult{OK: true}
	}
	if g.limiter(identity).Tokens() < 1 {
		return deniedResult(gateWindow)
	}

	raw, err := g.redis.Get(ctx, counterKey(identity, action))
	if err != nil {
		// Missing counter and redis outage look the same here; both allow.
		return model.GateResult{OK: true}
	}
	var count int64
	if _, err := fmt.Sscanf(raw, "%d", &count); err == nil && count >= int64(g.perMinute) {
		return deniedResult(gateWindow)
	}
	return model.GateResult{OK: true}
}

func deniedResult(retryAfter time.Duration) model.GateResult {
	ms := int64(math.Ceil(float64(retryAfter) / float64(time.Millisecond)))
	if ms < 0 {
		ms = 0
	}
	return model.GateResult{
		OK:           false,
		Reason:       "rate limit exceeded",
		RetryAfterMs: ms,
	}
}

func (s *HttpServer) handleGate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := identityOf(r)
		if identity == "" {
			http.Error(w, "missing credential", http.StatusUnauthorized)
			return
		}

		var req gateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Action == "" {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}

		writeJSON(w, http.StatusOK, s.gate.Peek(r.Context(), identity, req.Action))
	}
}
