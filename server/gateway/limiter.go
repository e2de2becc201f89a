package gateway

import (
	"sync"
	"time"

	"github.com/beaconhq/beacon/config"
)

// handshakeLimiter is a per-address token bucket bounding handshake
// attempts. The table is capped; when full, the stalest bucket is
// evicted so an address scan cannot grow memory without bound.
type handshakeLimiter struct {
	enabled    bool
	perSecond  float64
	burst      float64
	maxEntries int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func newHandshakeLimiter(cfg config.RateLimitConfig) *handshakeLimiter {
	perSecond := cfg.PerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &handshakeLimiter{
		enabled:    cfg.Enabled,
		perSecond:  perSecond,
		burst:      float64(burst),
		maxEntries: maxEntries,
		buckets:    make(map[string]*bucket),
	}
}

// allow consumes one token for addr, refilling by elapsed time first.
func (l *handshakeLimiter) allow(addr string) bool {
	if !l.enabled {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[addr]
	if !ok {
		if len(l.buckets) >= l.maxEntries {
			l.evictStalest()
		}
		b = &bucket{tokens: l.burst}
		l.buckets[addr] = b
	} else {
		b.tokens += now.Sub(b.lastSeen).Seconds() * l.perSecond
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *handshakeLimiter) evictStalest() {
	var stalest string
	var oldest time.Time
	first := true
	for addr, b := range l.buckets {
		if first || b.lastSeen.Before(oldest) {
			stalest = addr
			oldest = b.lastSeen
			first = false
		}
	}
	if stalest != "" {
		delete(l.buckets, stalest)
	}
}
