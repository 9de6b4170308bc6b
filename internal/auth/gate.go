package auth

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// RefreshThreshold is how much validity an access token must have left
// before an upload is dispatched against it.
const RefreshThreshold = 1500000 * time.Millisecond

// RefreshTimeout bounds one shared refresh. It runs apart from the context
// of the caller that started it, so a caller going away does not cancel it
// for the others.
const RefreshTimeout = 30 * time.Second

// Refresher exchanges a refresh token for a new pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Tokens, error)
}

// Gate refreshes the stored pair when it is about to expire. Concurrent
// callers of Ensure share one refresh and all wait for it to finish.
type Gate struct {
	store     TokenStore
	refresher Refresher
	clock     clock.PassiveClock
	threshold time.Duration
	timeout   time.Duration
	log       zerolog.Logger

	group      singleflight.Group
	refreshing atomic.Bool
	refreshes  atomic.Int64
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock replaces the wall clock.
func WithClock(c clock.PassiveClock) GateOption {
	return func(g *Gate) { g.clock = c }
}

// WithRefreshTimeout overrides RefreshTimeout.
func WithRefreshTimeout(d time.Duration) GateOption {
	return func(g *Gate) { g.timeout = d }
}

// WithThreshold overrides RefreshThreshold.
func WithThreshold(d time.Duration) GateOption {
	return func(g *Gate) { g.threshold = d }
}

func NewGate(store TokenStore, refresher Refresher, log zerolog.Logger, opts ...GateOption) *Gate {
	g := &Gate{
		store:     store,
		refresher: refresher,
		clock:     clock.RealClock{},
		threshold: RefreshThreshold,
		timeout:   RefreshTimeout,
		log:       log.With().Str("component", "auth").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Remaining is the validity left on the stored access token. ok is false
// when no token is stored or it carries no expiry.
func (g *Gate) Remaining() (time.Duration, bool) {
	t, err := g.store.Load()
	if err != nil {
		return 0, false
	}
	exp, ok := t.Expiry()
	if !ok {
		return 0, false
	}
	return exp.Sub(g.clock.Now()), true
}

// Due reports whether the next dispatch needs a refresh first.
func (g *Gate) Due() bool {
	left, ok := g.Remaining()
	return ok && left < g.threshold
}

// Refreshing reports whether a refresh is in flight.
func (g *Gate) Refreshing() bool {
	return g.refreshing.Load()
}

// Refreshes counts completed refresh calls.
func (g *Gate) Refreshes() int64 {
	return g.refreshes.Load()
}

// Ensure refreshes the pair if it is due. A caller arriving while a refresh
// is in flight waits for that one instead of starting another. A caller
// whose ctx ends stops waiting; the refresh carries on for the rest.
func (g *Gate) Ensure(ctx context.Context) error {
	if !g.Due() {
		return nil
	}
	ch := g.group.DoChan("refresh", func() (interface{}, error) {
		// another caller may have finished a refresh between Due and Do
		if !g.Due() {
			return nil, nil
		}
		g.refreshing.Store(true)
		defer g.refreshing.Store(false)

		current, err := g.store.Load()
		if err != nil {
			return nil, err
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
		defer cancel()
		next, err := g.refresher.Refresh(rctx, current.RefreshToken)
		g.refreshes.Add(1)
		if err != nil {
			return nil, fmt.Errorf("refresh token: %w", err)
		}
		if next.RefreshToken == "" {
			next.RefreshToken = current.RefreshToken
		}
		if err := g.store.Save(next); err != nil {
			return nil, fmt.Errorf("store refreshed token: %w", err)
		}
		if exp, ok := next.Expiry(); ok {
			g.log.Debug().Time("expires", exp).Msg("access token refreshed")
		}
		return nil, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.log.Trace().Msg("joined in-flight token refresh")
		}
		return res.Err
	}
}

// AccessToken ensures freshness and returns the current access token.
func (g *Gate) AccessToken(ctx context.Context) (string, error) {
	if err := g.Ensure(ctx); err != nil {
		g.log.Warn().Err(err).Msg("token refresh failed, using current token")
	}
	t, err := g.store.Load()
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// Tokens returns the stored pair.
func (g *Gate) Tokens() (Tokens, error) {
	return g.store.Load()
}
