package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/damacus/datalab-buckets/internal/auth"
	"github.com/damacus/datalab-buckets/internal/models"
	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/upload"
)

var ErrBucketListing = errors.New("endpoint cannot list buckets")

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	Endpoints []services.Endpoint
	Factory   services.StorageFactory
	Refresher auth.Refresher
	Upload    upload.Options
	Gate      []auth.GateOption
	// IdleTimeout closes sessions nobody has opened for this long once
	// their upload queue is idle. Zero keeps them until logout.
	IdleTimeout time.Duration
	Clock       clock.WithTicker
}

type userAuth struct {
	store    *auth.MemoryStore
	gate     *auth.Gate
	lastSeen time.Time
}

type entry struct {
	session  *Session
	lastUsed time.Time
}

// Registry keeps one Session per user, bucket and endpoint, and one token
// gate per user shared by all of that user's sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	users    map[string]*userAuth
	opts     RegistryOptions
	clock    clock.WithTicker
	log      zerolog.Logger
}

func NewRegistry(opts RegistryOptions, log zerolog.Logger) *Registry {
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Registry{
		clock:    clk,
		sessions: make(map[string]*entry),
		users:    make(map[string]*userAuth),
		opts:     opts,
		log:      log.With().Str("component", "browser").Logger(),
	}
}

func sessionKey(user, bucket, endpoint string) string {
	return user + "|" + bucket + "|" + endpoint
}

// Endpoints returns the configured endpoints.
func (r *Registry) Endpoints() []services.Endpoint {
	return r.opts.Endpoints
}

// Gate returns the user's token gate, seeding it from tokens. Tokens that
// differ from the stored pair replace it unless they expire earlier.
func (r *Registry) Gate(user string, tokens auth.Tokens) *auth.Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gateLocked(user, tokens)
}

func (r *Registry) gateLocked(user string, tokens auth.Tokens) *auth.Gate {
	ua, ok := r.users[user]
	if !ok {
		store := auth.NewMemoryStore(tokens)
		ua = &userAuth{
			store:    store,
			gate:     auth.NewGate(store, r.opts.Refresher, r.log.With().Str("user", user).Logger(), r.opts.Gate...),
			lastSeen: r.clock.Now(),
		}
		r.users[user] = ua
		return ua.gate
	}
	ua.lastSeen = r.clock.Now()
	if tokens.Empty() {
		return ua.gate
	}
	current, err := ua.store.Load()
	if err != nil || newer(tokens, current) {
		_ = ua.store.Save(tokens)
	}
	return ua.gate
}

func newer(candidate, current auth.Tokens) bool {
	if candidate.AccessToken == current.AccessToken {
		return false
	}
	next, ok := candidate.Expiry()
	if !ok {
		return true
	}
	prev, ok := current.Expiry()
	return !ok || !next.Before(prev)
}

// Tokens returns the user's current pair, which may have been refreshed
// since the caller last saw it.
func (r *Registry) Tokens(user string) (auth.Tokens, bool) {
	r.mu.Lock()
	ua, ok := r.users[user]
	r.mu.Unlock()
	if !ok {
		return auth.Tokens{}, false
	}
	t, err := ua.store.Load()
	return t, err == nil
}

// Open returns the user's session for bucket@endpoint, creating and
// loading it on first use.
func (r *Registry) Open(ctx context.Context, user string, tokens auth.Tokens, bucket, endpoint string) (*Session, error) {
	ep, err := services.FindEndpoint(r.opts.Endpoints, endpoint)
	if err != nil {
		return nil, err
	}
	key := sessionKey(user, bucket, endpoint)

	r.mu.Lock()
	gate := r.gateLocked(user, tokens)
	if e, ok := r.sessions[key]; ok {
		e.lastUsed = r.clock.Now()
		r.mu.Unlock()
		return e.session, nil
	}
	storage, err := r.opts.Factory.NewStorage(ctx, ep, gate)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s := NewSession(Options{
		Bucket:   bucket,
		Endpoint: endpoint,
		Storage:  storage,
		Gate:     gate,
		Upload:   r.opts.Upload,
	}, r.log.With().Str("user", user).Logger())
	r.sessions[key] = &entry{session: s, lastUsed: r.clock.Now()}
	r.mu.Unlock()

	if _, err := s.Refresh(ctx); err != nil {
		r.drop(key, s)
		return nil, err
	}
	r.log.Info().Str("user", user).Str("bucket", bucket).Str("endpoint", endpoint).Msg("opened bucket session")
	return s, nil
}

// Lookup returns an existing session without creating one.
func (r *Registry) Lookup(user, bucket, endpoint string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionKey(user, bucket, endpoint)]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.clock.Now()
	return e.session, true
}

func (r *Registry) drop(key string, s *Session) {
	r.mu.Lock()
	if e, ok := r.sessions[key]; ok && e.session == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	s.Close()
}

// Buckets lists the buckets visible on an endpoint.
func (r *Registry) Buckets(ctx context.Context, user string, tokens auth.Tokens, endpoint string) ([]models.BucketInfo, error) {
	ep, err := services.FindEndpoint(r.opts.Endpoints, endpoint)
	if err != nil {
		return nil, err
	}
	storage, err := r.opts.Factory.NewStorage(ctx, ep, r.Gate(user, tokens))
	if err != nil {
		return nil, err
	}
	lister, ok := storage.(services.BucketLister)
	if !ok {
		return nil, fmt.Errorf("%s: %w", endpoint, ErrBucketListing)
	}
	return lister.ListBuckets(ctx)
}

// Status reports the health of every endpoint.
func (r *Registry) Status(ctx context.Context, user string, tokens auth.Tokens) []models.EndpointStatus {
	gate := r.Gate(user, tokens)
	out := make([]models.EndpointStatus, 0, len(r.opts.Endpoints))
	for _, ep := range r.opts.Endpoints {
		status := models.EndpointStatus{Name: ep.Name, Provider: ep.Provider}
		storage, err := r.opts.Factory.NewStorage(ctx, ep, gate)
		switch {
		case err != nil:
			status.Error = err.Error()
		default:
			if hc, ok := storage.(services.HealthChecker); ok {
				status = hc.Health(ctx)
				status.Name, status.Provider = ep.Name, ep.Provider
			} else if lister, ok := storage.(services.BucketLister); ok {
				if _, err := lister.ListBuckets(ctx); err != nil {
					status.Error = err.Error()
				} else {
					status.Online = true
				}
			} else {
				status.Online = true
			}
		}
		out = append(out, status)
	}
	return out
}

// CloseUser drops every session and the token gate of a user.
func (r *Registry) CloseUser(user string) {
	r.mu.Lock()
	var closing []*Session
	for key, e := range r.sessions {
		if len(key) > len(user) && key[:len(user)+1] == user+"|" {
			closing = append(closing, e.session)
			delete(r.sessions, key)
		}
	}
	delete(r.users, user)
	r.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
}

// Close shuts every session down.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range sessions {
		e.session.Close()
	}
}

// EvictIdle closes sessions unused for IdleTimeout whose uploads have all
// finished, and forgets users left with no session. It returns the number
// of sessions closed.
func (r *Registry) EvictIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}
	now := r.clock.Now()
	r.mu.Lock()
	var closing []*Session
	active := make(map[string]bool)
	for key, e := range r.sessions {
		if now.Sub(e.lastUsed) < r.opts.IdleTimeout || e.session.Uploads().State() != upload.Idle {
			active[userOf(key)] = true
			continue
		}
		closing = append(closing, e.session)
		delete(r.sessions, key)
	}
	for user, ua := range r.users {
		if !active[user] && now.Sub(ua.lastSeen) >= r.opts.IdleTimeout {
			delete(r.users, user)
		}
	}
	r.mu.Unlock()

	for _, s := range closing {
		s.Close()
	}
	if len(closing) > 0 {
		r.log.Debug().Int("sessions", len(closing)).Msg("closed idle bucket sessions")
	}
	return len(closing)
}

// Run sweeps idle sessions until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.IdleTimeout <= 0 {
		return
	}
	interval := r.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.EvictIdle()
		}
	}
}

func userOf(key string) string {
	user, _, _ := strings.Cut(key, "|")
	return user
}
