package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tokenExpiring(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: "alice"}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return s
}

// blockingRefresher holds every refresh until release is closed.
type blockingRefresher struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	next    Tokens
	err     error
}

func (r *blockingRefresher) Refresh(ctx context.Context, _ string) (Tokens, error) {
	if r.calls.Add(1) == 1 && r.started != nil {
		close(r.started)
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return Tokens{}, ctx.Err()
		}
	}
	return r.next, r.err
}

func TestGate_NotDueWhenPlentyOfValidityLeft(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(time.Hour)), RefreshToken: "r"})
	ref := &blockingRefresher{}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk))

	left, ok := g.Remaining()
	require.True(t, ok)
	assert.Equal(t, time.Hour, left)
	assert.False(t, g.Due())
	require.NoError(t, g.Ensure(context.Background()))
	assert.Equal(t, int32(0), ref.calls.Load())

	clk.Step(36 * time.Minute)
	assert.True(t, g.Due(), "24 minutes left is under the threshold")
}

func TestGate_RefreshesAndStoresNewPair(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(time.Minute)), RefreshToken: "old"})
	fresh := tokenExpiring(t, epoch.Add(2*time.Hour))
	ref := &blockingRefresher{next: Tokens{AccessToken: fresh}}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk))

	require.NoError(t, g.Ensure(context.Background()))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, fresh, got.AccessToken)
	assert.Equal(t, "old", got.RefreshToken, "refresh token is kept when none is returned")
	assert.False(t, g.Due())
	assert.False(t, g.Refreshing())
	assert.Equal(t, int64(1), g.Refreshes())
}

func TestGate_TokensWithoutExpiryNeverRefresh(t *testing.T) {
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, time.Time{}), RefreshToken: "r"})
	ref := &blockingRefresher{}
	g := NewGate(store, ref, zerolog.Nop())

	assert.False(t, g.Due())
	require.NoError(t, g.Ensure(context.Background()))
	assert.Equal(t, int32(0), ref.calls.Load())
}

func TestGate_ConcurrentCallersShareOneRefresh(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(10*time.Minute)), RefreshToken: "r"})
	ref := &blockingRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		next:    Tokens{AccessToken: tokenExpiring(t, epoch.Add(time.Hour)), RefreshToken: "r2"},
	}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk))

	var wg sync.WaitGroup
	firstDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstDone <- g.Ensure(context.Background())
	}()
	<-ref.started
	assert.True(t, g.Refreshing())

	secondDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		secondDone <- g.Ensure(context.Background())
	}()

	select {
	case <-secondDone:
		t.Fatal("second caller returned before the in-flight refresh completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(ref.release)
	wg.Wait()
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	assert.Equal(t, int32(1), ref.calls.Load())
	assert.False(t, g.Refreshing())
	got, _ := store.Load()
	assert.Equal(t, "r2", got.RefreshToken)
}

func TestGate_CallerLeavingDoesNotCancelSharedRefresh(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(10*time.Minute)), RefreshToken: "r"})
	ref := &blockingRefresher{
		started: make(chan struct{}),
		release: make(chan struct{}),
		next:    Tokens{AccessToken: tokenExpiring(t, epoch.Add(time.Hour)), RefreshToken: "r2"},
	}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk))

	reqCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() { firstDone <- g.Ensure(reqCtx) }()
	<-ref.started

	secondDone := make(chan error, 1)
	go func() { secondDone <- g.Ensure(context.Background()) }()

	cancel()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(ref.release)
	require.NoError(t, <-secondDone)
	assert.Equal(t, int32(1), ref.calls.Load())
	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RefreshToken)
	assert.False(t, g.Due())
}

func TestGate_RefreshTimeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(time.Minute)), RefreshToken: "r"})
	ref := &blockingRefresher{release: make(chan struct{})}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk), WithRefreshTimeout(20*time.Millisecond))

	err := g.Ensure(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, g.Due())
}

func TestGate_RefreshFailureIsReported(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	old := tokenExpiring(t, epoch.Add(time.Minute))
	store := NewMemoryStore(Tokens{AccessToken: old, RefreshToken: "r"})
	ref := &blockingRefresher{err: errors.New("auth down")}
	g := NewGate(store, ref, zerolog.Nop(), WithClock(clk))

	err := g.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth down")
	assert.False(t, g.Refreshing())

	tok, err := g.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, old, tok, "the current token is still handed out")
}

func TestGate_WithThreshold(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	store := NewMemoryStore(Tokens{AccessToken: tokenExpiring(t, epoch.Add(10*time.Minute))})
	g := NewGate(store, &blockingRefresher{}, zerolog.Nop(), WithClock(clk), WithThreshold(5*time.Minute))

	assert.False(t, g.Due())
}
