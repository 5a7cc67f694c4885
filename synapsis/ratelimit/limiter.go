// Package ratelimit bounds request rates per identifier (DID, peer node, source IP) with sliding windows.
//
// The set of tracked identifiers is a fixed-size LRU; idle identifiers are evicted by [Limiter.Sweep], which the host process schedules.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/slidingwindow"
	lru "github.com/hashicorp/golang-lru/v2"
)

type Config struct {
	Window time.Duration
	Limit  int64
	// maximum number of identifiers tracked at once; least recently used are dropped first
	MaxKeys int
	// identifiers not seen for this long are removed by Sweep
	IdleTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:  time.Minute,
		Limit:   60,
		MaxKeys: 100_000,
		IdleTTL: 10 * time.Minute,
	}
}

type keyState struct {
	lim      *slidingwindow.Limiter
	lastSeen time.Time
}

type Limiter struct {
	// metrics label, eg "did" or "node"
	Name string
	// clock, for tests
	Now func() time.Time

	config Config
	mu     sync.Mutex
	keys   *lru.Cache[string, *keyState]
}

func NewLimiter(name string, config Config) (*Limiter, error) {
	if config.Window <= 0 || config.Limit <= 0 {
		return nil, fmt.Errorf("rate limiter %s: window and limit must be positive", name)
	}
	keys, err := lru.New[string, *keyState](config.MaxKeys)
	if err != nil {
		return nil, fmt.Errorf("rate limiter %s: %w", name, err)
	}
	return &Limiter{
		Name:   name,
		Now:    time.Now,
		config: config,
		keys:   keys,
	}, nil
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// Counts one request for key. When the limit is exceeded, returns false and how long until the current window ends.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()
	st, ok := l.keys.Get(key)
	if !ok {
		lim, _ := slidingwindow.NewLimiter(l.config.Window, l.config.Limit, windowFunc)
		st = &keyState{lim: lim}
		l.keys.Add(key, st)
		keysTracked.WithLabelValues(l.Name).Set(float64(l.keys.Len()))
	}
	st.lastSeen = now

	if st.lim.AllowN(now, 1) {
		return true, 0
	}
	rateLimited.WithLabelValues(l.Name).Inc()
	return false, now.Truncate(l.config.Window).Add(l.config.Window).Sub(now)
}

// Removes identifiers idle for longer than IdleTTL. Returns the number removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.Now().Add(-l.config.IdleTTL)
	removed := 0
	// Keys are ordered least recently used first
	for _, k := range l.keys.Keys() {
		st, ok := l.keys.Peek(k)
		if !ok {
			continue
		}
		if st.lastSeen.After(cutoff) {
			break
		}
		l.keys.Remove(k)
		removed++
	}
	keysTracked.WithLabelValues(l.Name).Set(float64(l.keys.Len()))
	return removed
}

func (l *Limiter) Len() int {
	return l.keys.Len()
}

// Sweeps at the given interval until the context is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			l.Sweep()
		}
	}
}
