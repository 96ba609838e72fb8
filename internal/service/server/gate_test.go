package server

import (
	"context"
	"testing"
	"time"

	redisSvc "movemsg/internal/service/redis"

	"github.com/redis/go-redis/v9"
)

// unreachableRedis exercises the degraded path: counter writes fail, so the
// in-process limiter is the only enforcement.
func unreachableRedis() *redisSvc.RedisService {
	return redisSvc.NewRedis(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: time.Millisecond,
		MaxRetries:  -1,
	}))
}

func TestGateEnforcesPerIdentityBudget(t *testing.T) {
	t.Parallel()

	g := NewGate(2, unreachableRedis())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := g.Check(ctx, "alice@x.org", "message:send"); !res.OK {
			t.Fatalf("check %d denied: %+v", i, res)
		}
	}

	res := g.Check(ctx, "alice@x.org", "message:send")
	if res.OK {
		t.Fatal("third send within the window allowed")
	}
	if res.RetryAfterMs <= 0 {
		t.Fatalf("denied verdict carries no retry hint: %+v", res)
	}

	// Budgets are per identity.
	if res := g.Check(ctx, "bob@x.org", "message:send"); !res.OK {
		t.Fatalf("other identity throttled: %+v", res)
	}
}

func TestGatePeekDoesNotConsume(t *testing.T) {
	t.Parallel()

	g := NewGate(2, unreachableRedis())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if res := g.Peek(ctx, "alice@x.org", "message:send"); !res.OK {
			t.Fatalf("peek %d denied: %+v", i, res)
		}
	}
	for i := 0; i < 2; i++ {
		if res := g.Check(ctx, "alice@x.org", "message:send"); !res.OK {
			t.Fatalf("check %d denied after peeks: %+v", i, res)
		}
	}
	if res := g.Peek(ctx, "alice@x.org", "message:send"); res.OK {
		t.Fatal("peek allowed on an exhausted budget")
	}
}

func TestGateDisabledWhenBudgetZero(t *testing.T) {
	t.Parallel()

	g := NewGate(0, unreachableRedis())
	for i := 0; i < 100; i++ {
		if res := g.Check(context.Background(), "alice@x.org", "message:send"); !res.OK {
			t.Fatalf("disabled gate denied: %+v", res)
		}
	}
}
