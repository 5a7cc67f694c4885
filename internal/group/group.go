// package group runs the daemon's long-lived goroutines (HTTP listeners, gossip loop, sweepers) under one lifecycle.
package group

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// G manages the lifetime of a set of named goroutines from a common context.
// The first goroutine in the group to return will cause the context to be canceled,
// terminating the remaining goroutines.
type G struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   sync.WaitGroup
	logger *slog.Logger

	initOnce sync.Once

	errOnce sync.Once
	err     error
}

type Option func(*G)

// WithContext uses the provided context for the group.
func WithContext(ctx context.Context) Option {
	return func(g *G) {
		g.ctx = ctx
	}
}

// WithLogger logs the exit of each goroutine.
func WithLogger(logger *slog.Logger) Option {
	return func(g *G) {
		g.logger = logger
	}
}

func New(opts ...Option) *G {
	g := new(G)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *G) init() {
	if g.ctx == nil {
		g.ctx = context.Background()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.ctx, g.cancel = context.WithCancel(g.ctx)
}

// Add starts a named goroutine. It should exit when the context passed to it is canceled.
func (g *G) Add(name string, fn func(context.Context) error) {
	g.initOnce.Do(g.init)
	g.done.Add(1)
	go func() {
		defer g.done.Done()
		defer g.cancel()
		defer func() {
			if r := recover(); r != nil {
				err, ok := r.(error)
				if !ok {
					err = fmt.Errorf("panic: %v", r)
				}
				g.logger.Error("group member panicked", "member", name, "err", err)
				g.errOnce.Do(func() { g.err = fmt.Errorf("%s: %w", name, err) })
			}
		}()
		err := fn(g.ctx)
		if err != nil {
			g.errOnce.Do(func() { g.err = fmt.Errorf("%s: %w", name, err) })
		}
		g.logger.Info("group member exited", "member", name, "err", err)
	}()
}

// Stop cancels the group context, asking all members to exit.
func (g *G) Stop() {
	g.initOnce.Do(g.init)
	g.cancel()
}

// Wait waits for all goroutines in the group to exit.
// If any of the goroutines fail with an error, Wait will return the first error.
func (g *G) Wait() error {
	g.done.Wait()
	g.errOnce.Do(func() {
		// noop, required to synchronise on the errOnce mutex.
	})
	return g.err
}
