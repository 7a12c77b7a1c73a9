package rpcapi

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

const ipLimiterShards = 16

// ipRateLimiter is the admission-surface per-IP limiter, sharded the same
// way internal/validator.RateLimiter shards per-sender, backed by
// golang.org/x/time/rate rather than the hand-rolled token bucket the
// teacher's rpc_handler.go writes inline.
type ipRateLimiter struct {
	ratePerSec float64
	burst      int
	shards     [ipLimiterShards]*ipShard
}

type ipShard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPRateLimiter(ratePerSec float64, burst int) *ipRateLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 50
	}
	if burst <= 0 {
		burst = int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	rl := &ipRateLimiter{ratePerSec: ratePerSec, burst: burst}
	for i := range rl.shards {
		rl.shards[i] = &ipShard{limiters: make(map[string]*rate.Limiter)}
	}
	return rl
}

func (rl *ipRateLimiter) Allow(ip string) bool {
	return rl.limiterFor(ip).Allow()
}

func (rl *ipRateLimiter) limiterFor(ip string) *rate.Limiter {
	h := xxhash.Sum64String(ip)
	shard := rl.shards[h%uint64(ipLimiterShards)]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	lim, ok := shard.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(rl.ratePerSec), rl.burst)
		shard.limiters[ip] = lim
	}
	return lim
}
