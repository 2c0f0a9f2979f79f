// Package reconcile maintains the authoritative, continuously reconciled view
// of who is signed in and what they may do. A credential carries an embedded
// role claim that can go stale the moment the stored role changes; this core
// hides that two-source-of-truth problem behind a single snapshot per subject
// and self-heals drift toward the stored role.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vanguard-airsoft/vanguard/internal/auth"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// IdentityProvider is the credential issuance surface the core consumes.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (*auth.Credential, error)
	SignUp(ctx context.Context, email, password, displayName string) (string, error)
	BeginOAuth(providerName, callbackURL string) (string, error)
	CompleteOAuth(ctx context.Context, state, email, displayName, avatarURL string) (*auth.Credential, error)
	Confirm(ctx context.Context, token string) (*auth.Credential, error)
	SignOut(ctx context.Context, subject string) error
	ResetPassword(ctx context.Context, email string) error
	Refresh(ctx context.Context, refreshToken string) (*auth.Credential, error)
	SetRoleClaim(ctx context.Context, subject, role string) error
	Events() <-chan auth.Event
}

// ProfileStore is the profile persistence surface the core consumes.
type ProfileStore interface {
	GetBySubject(ctx context.Context, subject string) (*profiles.Profile, error)
	UpsertFromCredential(ctx context.Context, subject, email, displayName, avatarURL string) error
	Update(ctx context.Context, subject string, patch profiles.Patch) (*profiles.Profile, error)
}

// RealtimeSubscription delivers pushed profile rows for one subject.
type RealtimeSubscription interface {
	Updates() <-chan profiles.Profile
	Close() error
}

// FeedSource opens per-subject change-feed subscriptions.
type FeedSource interface {
	Subscribe(ctx context.Context, subject string) RealtimeSubscription
}

// State is an atomic snapshot of a subject's reconciled session. Credential
// and Profile always belong to the same transition; readers never see a
// credential paired with a profile from an older one.
type State struct {
	Subject        string
	Credential     *auth.Credential
	Profile        *profiles.Profile
	JWTRole        string
	DBRole         roles.Role
	RolesSynced    bool
	HasAdminAccess bool
	Loading        bool
}

type session struct {
	gen   uint64
	state State
	sub   RealtimeSubscription
}

// Core is the role reconciliation service. Construct one per process and run
// its event loop for the process lifetime.
type Core struct {
	provider IdentityProvider
	store    ProfileStore
	feed     FeedSource
	logger   *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCore constructs a Core.
func NewCore(provider IdentityProvider, store ProfileStore, feed FeedSource, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		provider: provider,
		store:    store,
		feed:     feed,
		logger:   logger,
		clock:    time.Now,
		sessions: make(map[string]*session),
	}
}

// Run consumes the provider's state-change stream until ctx is done. Events
// are dispatched here, never from inside the provider's own call path, so the
// provider is never re-entered synchronously from its own emission.
func (c *Core) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.Shutdown()
			return ctx.Err()
		case ev, ok := <-c.provider.Events():
			if !ok {
				c.Shutdown()
				return nil
			}
			c.handleEvent(ctx, ev)
		}
	}
}

func (c *Core) handleEvent(ctx context.Context, ev auth.Event) {
	switch ev.Kind {
	case auth.EventSignedOut:
		c.teardown(ev.Subject)
	case auth.EventSignedIn, auth.EventRefreshed:
		if ev.Credential == nil {
			c.teardown(ev.Subject)
			return
		}
		// Generation assignment happens in event order; transitions for a
		// superseded generation discard their results.
		c.mu.Lock()
		s := c.ensureLocked(ev.Subject)
		s.gen++
		gen := s.gen
		s.state.Subject = ev.Subject
		s.state.Loading = true
		c.mu.Unlock()
		go c.runTransition(ctx, ev.Subject, gen, ev.Credential)
	}
}

// runTransition is the authentication-transition handler: upsert the profile
// row, fetch it, compare roles, self-heal drift, then mark loading complete.
func (c *Core) runTransition(ctx context.Context, subject string, gen uint64, cred *auth.Credential) {
	if cred.Expired(c.clock()) {
		c.teardownIfCurrent(subject, gen)
		return
	}

	if err := c.store.UpsertFromCredential(ctx, subject, cred.Claims.Email, cred.Claims.Name, ""); err != nil {
		c.logger.Warn("profile upsert", slog.String("subject", subject), slog.Any("error", err))
	}

	profile, err := c.store.GetBySubject(ctx, subject)
	if err != nil {
		// Degrade to a no-profile state rather than failing the transition;
		// access control treats it as unauthenticated.
		c.logger.Warn("profile fetch", slog.String("subject", subject), slog.Any("error", err))
		profile = nil
	}

	if profile != nil && cred.Role() != profile.Role.String() {
		// Self-healing reconciliation. Failure keeps the pre-reconciliation
		// access level for this session; the next transition or realtime
		// event retries.
		healed, err := c.rewriteClaim(ctx, subject, cred, profile.Role)
		if err != nil {
			c.logger.Error("background reconciliation",
				slog.String("subject", subject),
				slog.String("db_role", profile.Role.String()),
				slog.Any("error", fmt.Errorf("%w: %v", shared.ErrReconciliationFailed, err)))
		} else {
			cred = healed
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[subject]
	if !ok || s.gen != gen {
		return
	}
	s.state = State{Subject: subject, Credential: cred, Profile: profile, Loading: false}
	derive(&s.state)
	if s.sub == nil && c.feed != nil {
		sub := c.feed.Subscribe(ctx, subject)
		s.sub = sub
		go c.consumeRealtime(ctx, subject, sub)
	}
}

// consumeRealtime applies pushed profile rows to the subject's snapshot. This
// is how an administrator's live role edit reaches an open session without a
// new sign-in.
func (c *Core) consumeRealtime(ctx context.Context, subject string, sub RealtimeSubscription) {
	for p := range sub.Updates() {
		p := p
		c.mu.Lock()
		s, ok := c.sessions[subject]
		if !ok || s.sub != sub {
			c.mu.Unlock()
			return
		}
		s.state.Profile = &p
		derive(&s.state)
		synced := s.state.RolesSynced
		c.mu.Unlock()

		if !synced {
			// Handed off as a fresh task, never run inline in the feed
			// callback path.
			go func() {
				if err := c.SyncRoleToJWT(ctx, subject); err != nil && !errors.Is(err, shared.ErrNotAuthenticated) {
					c.logger.Error("realtime reconciliation", slog.String("subject", subject), slog.Any("error", err))
				}
			}()
		}
	}
}

// SignIn authenticates with the identity provider. The reconciled snapshot is
// built asynchronously by the transition handler.
func (c *Core) SignIn(ctx context.Context, email, password string) (*auth.Credential, error) {
	return c.provider.SignIn(ctx, email, password)
}

// SignUp registers a new account. No profile row is created until the first
// confirmed sign-in. The returned token confirms the address.
func (c *Core) SignUp(ctx context.Context, email, password, displayName string) (string, error) {
	return c.provider.SignUp(ctx, email, password, displayName)
}

// SignInWithProvider begins a redirect-based OAuth flow; the outcome arrives
// through the provider's event stream like any other sign-in.
func (c *Core) SignInWithProvider(providerName, callbackURL string) (string, error) {
	return c.provider.BeginOAuth(providerName, callbackURL)
}

// CompleteOAuth finishes a redirect flow started by SignInWithProvider.
func (c *Core) CompleteOAuth(ctx context.Context, state, email, displayName, avatarURL string) (*auth.Credential, error) {
	return c.provider.CompleteOAuth(ctx, state, email, displayName, avatarURL)
}

// Confirm redeems a sign-up confirmation token.
func (c *Core) Confirm(ctx context.Context, token string) (*auth.Credential, error) {
	return c.provider.Confirm(ctx, token)
}

// SignOut revokes the subject's credential and clears the snapshot in one
// step: after it returns there is no observable intermediate state.
func (c *Core) SignOut(ctx context.Context, subject string) error {
	if err := c.provider.SignOut(ctx, subject); err != nil {
		return err
	}
	c.teardown(subject)
	return nil
}

// ResetPassword delegates to the provider, which reports success regardless
// of whether the address exists.
func (c *Core) ResetPassword(ctx context.Context, email string) error {
	return c.provider.ResetPassword(ctx, email)
}

// Resume rebuilds session state for an existing credential, e.g. after a
// process restart while a browser session is still live. The refresh rotates
// the token pair, so the caller must rebind its stored tokens to the returned
// credential or the next resume presents a revoked token.
func (c *Core) Resume(ctx context.Context, refreshToken string) (*auth.Credential, error) {
	return c.provider.Refresh(ctx, refreshToken)
}

// UpdateProfile writes a partial update for the current subject and merges
// the applied row into the snapshot.
func (c *Core) UpdateProfile(ctx context.Context, subject string, patch profiles.Patch) (*profiles.Profile, error) {
	if !c.hasSession(subject) {
		return nil, shared.ErrNotAuthenticated
	}
	updated, err := c.store.Update(ctx, subject, patch)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if s, ok := c.sessions[subject]; ok {
		s.state.Profile = updated
		derive(&s.state)
	}
	c.mu.Unlock()
	return updated, nil
}

// RefreshRole re-fetches the profile row and recomputes synchronization. A
// manual reconciliation trigger.
func (c *Core) RefreshRole(ctx context.Context, subject string) error {
	if !c.hasSession(subject) {
		return shared.ErrNotAuthenticated
	}
	profile, err := c.store.GetBySubject(ctx, subject)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if s, ok := c.sessions[subject]; ok {
		s.state.Profile = profile
		derive(&s.state)
	}
	c.mu.Unlock()
	return nil
}

// SyncRoleToJWT rewrites the credential's embedded role claim to match the
// stored role and forces a refresh so the new claim is locally visible.
// Idempotent: when already synced it amounts to a refresh round-trip. If the
// stored role changes concurrently, the next transition or realtime event
// detects the drift and re-triggers.
func (c *Core) SyncRoleToJWT(ctx context.Context, subject string) error {
	c.mu.Lock()
	s, ok := c.sessions[subject]
	if !ok || s.state.Credential == nil {
		c.mu.Unlock()
		return shared.ErrNotAuthenticated
	}
	cred := s.state.Credential
	role := s.state.DBRole
	c.mu.Unlock()

	healed, err := c.rewriteClaim(ctx, subject, cred, role)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrReconciliationFailed, err)
	}

	c.mu.Lock()
	if s, ok := c.sessions[subject]; ok {
		s.state.Credential = healed
		derive(&s.state)
	}
	c.mu.Unlock()
	return nil
}

// Snapshot returns an atomic copy of the subject's reconciled state. A
// committed snapshot whose credential has passed its validity window reads as
// no session at all; the caller goes through the resume path, which issues a
// fresh credential and rebuilds the state.
func (c *Core) Snapshot(subject string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[subject]
	if !ok {
		return State{}, false
	}
	if !s.state.Loading && s.state.Credential.Expired(c.clock()) {
		return State{}, false
	}
	return s.state, true
}

// Shutdown tears down every session and its realtime subscription.
func (c *Core) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, s := range c.sessions {
		if s.sub != nil {
			_ = s.sub.Close()
		}
		delete(c.sessions, subject)
	}
}

func (c *Core) rewriteClaim(ctx context.Context, subject string, cred *auth.Credential, role roles.Role) (*auth.Credential, error) {
	if err := c.provider.SetRoleClaim(ctx, subject, role.String()); err != nil {
		return nil, err
	}
	return c.provider.Refresh(ctx, cred.RefreshToken)
}

func (c *Core) hasSession(subject string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[subject]
	return ok
}

func (c *Core) ensureLocked(subject string) *session {
	s, ok := c.sessions[subject]
	if !ok {
		s = &session{state: State{Subject: subject, Loading: true}}
		c.sessions[subject] = s
	}
	return s
}

func (c *Core) teardown(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[subject]
	if !ok {
		return
	}
	s.gen++
	if s.sub != nil {
		_ = s.sub.Close()
	}
	delete(c.sessions, subject)
}

func (c *Core) teardownIfCurrent(subject string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[subject]
	if !ok || s.gen != gen {
		return
	}
	if s.sub != nil {
		_ = s.sub.Close()
	}
	delete(c.sessions, subject)
}

// derive recomputes every field depending on the snapshot pair. Called under
// the core lock whenever either snapshot changes.
func derive(st *State) {
	st.JWTRole = st.Credential.Role()
	if st.Profile != nil {
		st.DBRole = st.Profile.Role
		st.RolesSynced = st.JWTRole == st.Profile.Role.String()
		st.HasAdminAccess = st.Profile.Role.HasAdminAccess()
	} else {
		st.DBRole = roles.RoleUser
		st.RolesSynced = st.JWTRole == ""
		st.HasAdminAccess = false
	}
}

// SetClockForTest overrides the core clock.
func (c *Core) SetClockForTest(clock func() time.Time) {
	c.clock = clock
}

// FeedAdapter wraps *profiles.Feed as a FeedSource.
type FeedAdapter struct {
	Feed *profiles.Feed
}

// Subscribe implements FeedSource.
func (a FeedAdapter) Subscribe(ctx context.Context, subject string) RealtimeSubscription {
	return a.Feed.Subscribe(ctx, subject)
}
