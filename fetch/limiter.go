package fetch

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out one token bucket per guild so a misbehaving
// guild exhausts its own budget without starving the rest.
type limiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	perMinute int
	burst     int
}

func newLimiterPool(perMinute int) *limiterPool {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &limiterPool{
		limiters:  make(map[string]*rate.Limiter),
		perMinute: perMinute,
		burst:     perMinute,
	}
}

func (p *limiterPool) get(guildID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	lim, ok := p.limiters[guildID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(p.perMinute)/60.0), p.burst)
		p.limiters[guildID] = lim
	}
	return lim
}

// reserve attempts to take a token for the guild. When the bucket is
// empty it reports the wait until the next token instead of blocking;
// the caller surfaces that as a rate-limited outcome.
func (p *limiterPool) reserve(guildID string) (time.Duration, bool) {
	r := p.get(guildID).Reserve()
	if !r.OK() {
		return time.Minute, false
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return delay, false
	}
	return 0, true
}

// forget drops the guild's bucket, used when a guild is removed
func (p *limiterPool) forget(guildID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.limiters, guildID)
}
