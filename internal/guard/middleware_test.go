package guard_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vanguard-airsoft/vanguard/internal/auth"
	"github.com/vanguard-airsoft/vanguard/internal/guard"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/reconcile"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
	_ "github.com/vanguard-airsoft/vanguard/testing"
)

type eventProvider struct {
	events     chan auth.Event
	refreshed  atomic.Int64
	resumeCred *auth.Credential
}

func (p *eventProvider) SignIn(ctx context.Context, email, password string) (*auth.Credential, error) {
	return nil, shared.ErrInvalidCredentials
}

func (p *eventProvider) SignUp(ctx context.Context, email, password, displayName string) (string, error) {
	return "", shared.ErrProviderUnavailable
}

func (p *eventProvider) BeginOAuth(providerName, callbackURL string) (string, error) {
	return "", shared.ErrProviderUnavailable
}

func (p *eventProvider) CompleteOAuth(ctx context.Context, state, email, displayName, avatarURL string) (*auth.Credential, error) {
	return nil, shared.ErrInvalidCredentials
}

func (p *eventProvider) Confirm(ctx context.Context, token string) (*auth.Credential, error) {
	return nil, shared.ErrInvalidCredentials
}

func (p *eventProvider) SignOut(ctx context.Context, subject string) error {
	p.events <- auth.Event{Kind: auth.EventSignedOut, Subject: subject}
	return nil
}

func (p *eventProvider) ResetPassword(ctx context.Context, email string) error { return nil }

func (p *eventProvider) Refresh(ctx context.Context, refreshToken string) (*auth.Credential, error) {
	p.refreshed.Add(1)
	if p.resumeCred == nil {
		return nil, shared.ErrInvalidCredentials
	}
	cred := p.resumeCred
	p.events <- auth.Event{Kind: auth.EventRefreshed, Subject: cred.Subject(), Credential: cred}
	return cred, nil
}

func (p *eventProvider) SetRoleClaim(ctx context.Context, subject, role string) error { return nil }

func (p *eventProvider) Events() <-chan auth.Event { return p.events }

type mapStore struct {
	rows map[string]profiles.Profile
}

func (s *mapStore) GetBySubject(ctx context.Context, subject string) (*profiles.Profile, error) {
	row, ok := s.rows[subject]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := row
	return &copied, nil
}

func (s *mapStore) UpsertFromCredential(ctx context.Context, subject, email, displayName, avatarURL string) error {
	return nil
}

func (s *mapStore) Update(ctx context.Context, subject string, patch profiles.Patch) (*profiles.Profile, error) {
	return s.GetBySubject(ctx, subject)
}

type guardFixture struct {
	guard    guard.Guard
	provider *eventProvider
	store    *mapStore
	core     *reconcile.Core
	sessions *shared.SessionManager
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	provider := &eventProvider{events: make(chan auth.Event, 8)}
	store := &mapStore{rows: make(map[string]profiles.Profile)}
	core := reconcile.NewCore(provider, store, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = core.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &guardFixture{
		guard:    guard.Guard{Core: core, Logger: slog.Default(), LoginPath: "/auth/login", HomePath: "/"},
		provider: provider,
		store:    store,
		core:     core,
		sessions: shared.NewSessionManager(client, "vg_session", "test-secret", time.Hour, false),
	}
}

func testCredential(subject string, role roles.Role, refreshToken string) *auth.Credential {
	return &auth.Credential{
		AccessToken:  "at-" + subject,
		RefreshToken: refreshToken,
		Claims: auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   subject,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role: role.String(),
		},
	}
}

// establish signs the subject in through the event stream and waits for the
// reconciled snapshot to settle.
func (f *guardFixture) establish(t *testing.T, subject string, role roles.Role) {
	t.Helper()
	f.store.rows[subject] = profiles.Profile{Subject: subject, Email: subject + "@vanguard.team", Role: role}
	f.provider.events <- auth.Event{
		Kind:       auth.EventSignedIn,
		Subject:    subject,
		Credential: testCredential(subject, role, "rt-"+subject),
	}
	require.Eventually(t, func() bool {
		st, ok := f.core.Snapshot(subject)
		return ok && !st.Loading
	}, 3*time.Second, 10*time.Millisecond)
}

func (f *guardFixture) request(t *testing.T, target string, sess *shared.Session) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if sess != nil {
		r = r.WithContext(shared.ContextWithSession(r.Context(), sess))
	}
	return r
}

func (f *guardFixture) session(t *testing.T) *shared.Session {
	t.Helper()
	sess, err := f.sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	return sess
}

func okHandler(hit *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*hit = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestGuardRedirectsAnonymousToLoginPreservingTarget(t *testing.T) {
	f := newGuardFixture(t)
	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/members?tab=roster", f.session(t)))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/auth/login?next=%2Fadmin%2Fmembers%3Ftab%3Droster", rec.Header().Get("Location"))
	assert.False(t, hit)
}

func TestGuardRedirectsWhenNoSessionInContext(t *testing.T) {
	f := newGuardFixture(t)
	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/profile", nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.False(t, hit)
}

func TestGuardReportsAuthorizingWhileRebuilding(t *testing.T) {
	f := newGuardFixture(t)
	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	// A browser session with a live token pair but no in-process state, the
	// shape left behind by a process restart.
	f.store.rows["sub-restart"] = profiles.Profile{Subject: "sub-restart", Email: "restart@vanguard.team", Role: roles.RoleUser}
	f.provider.resumeCred = testCredential("sub-restart", roles.RoleUser, "rt-rotated")
	sess := f.session(t)
	sess.SetCredential("sub-restart", "at", "rt-stale")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/members", sess))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "authorizing", body["status"])
	assert.False(t, hit)

	// The resume rotated the pair and the session carries the new token.
	assert.EqualValues(t, 1, f.provider.refreshed.Load())
	assert.Equal(t, "rt-rotated", sess.RefreshToken())

	// Once the snapshot settles the same session is admitted.
	require.Eventually(t, func() bool {
		st, ok := f.core.Snapshot("sub-restart")
		return ok && !st.Loading
	}, 3*time.Second, 10*time.Millisecond)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/members", sess))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hit)
}

func TestGuardResumeFailureClearsSessionAndRedirects(t *testing.T) {
	f := newGuardFixture(t)
	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	// The stored refresh token was already redeemed elsewhere, so every
	// resume attempt is rejected. The visitor must land on sign-in, not in a
	// waiting loop.
	sess := f.session(t)
	sess.SetCredential("sub-revoked", "at", "rt-spent")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/profile", sess))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/auth/login?next=")
	assert.False(t, hit)
	assert.Empty(t, sess.Subject())
	assert.Empty(t, sess.RefreshToken())

	// The follow-up request is plain anonymous traffic.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/profile", sess))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.EqualValues(t, 1, f.provider.refreshed.Load())
}

func TestGuardRebindsRotatedRefreshToken(t *testing.T) {
	f := newGuardFixture(t)
	f.establish(t, "sub-rotated", roles.RoleUser)

	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	// The snapshot credential was rotated past the session's stored pair.
	sess := f.session(t)
	sess.SetCredential("sub-rotated", "at-old", "rt-old")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/profile", sess))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hit)
	assert.Equal(t, "rt-sub-rotated", sess.RefreshToken())
	assert.Equal(t, "at-sub-rotated", sess.AccessToken())
}

func TestGuardExpiredCredentialIsNotAdmitted(t *testing.T) {
	f := newGuardFixture(t)
	f.establish(t, "sub-expired", roles.RoleAdmin)

	var hit bool
	handler := f.guard.RequireRole(roles.RoleAdmin)(okHandler(&hit))

	sess := f.session(t)
	sess.SetCredential("sub-expired", "at", "rt-sub-expired")

	// Past the credential's validity window the snapshot reads as no session
	// and the guard goes through the refresh path instead of admitting.
	f.core.SetClockForTest(func() time.Time { return time.Now().Add(2 * time.Hour) })
	f.provider.resumeCred = testCredential("sub-expired", roles.RoleAdmin, "rt-fresh")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/roles", sess))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.False(t, hit)
	assert.Equal(t, "rt-fresh", sess.RefreshToken())
}

func TestGuardDeniesInsufficientRoleWithFlash(t *testing.T) {
	f := newGuardFixture(t)
	f.establish(t, "sub-user", roles.RoleUser)

	var hit bool
	handler := f.guard.RequireRole(roles.RoleAdmin)(okHandler(&hit))

	sess := f.session(t)
	sess.SetCredential("sub-user", "at", "rt")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/roles", sess))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.False(t, hit)

	flash := sess.PopFlash()
	require.NotNil(t, flash)
	assert.Equal(t, "error", flash.Kind)
	assert.Equal(t, "insufficient permissions", flash.Message)
	// The notice names no role so the screen cannot leak the required tier.
	assert.NotContains(t, flash.Message, "admin")
}

func TestGuardAdmitsEditorToAdminArea(t *testing.T) {
	f := newGuardFixture(t)
	f.establish(t, "sub-editor", roles.RoleEditor)

	var seen reconcile.State
	handler := f.guard.RequireAdminArea()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st, ok := guard.StateFromContext(r.Context())
		require.True(t, ok)
		seen = st
		w.WriteHeader(http.StatusOK)
	}))

	sess := f.session(t)
	sess.SetCredential("sub-editor", "at", "rt")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/members", sess))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, roles.RoleEditor, seen.DBRole)
	assert.True(t, seen.HasAdminAccess)
}

func TestGuardAdmitsAdminToRoleManagement(t *testing.T) {
	f := newGuardFixture(t)
	f.establish(t, "sub-admin", roles.RoleAdmin)

	var hit bool
	handler := f.guard.RequireRole(roles.RoleAdmin)(okHandler(&hit))

	sess := f.session(t)
	sess.SetCredential("sub-admin", "at", "rt")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/admin/roles", sess))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, hit)
}

func TestGuardTreatsMissingProfileAsUnauthenticated(t *testing.T) {
	f := newGuardFixture(t)
	// Signed in at the provider but the profile row is gone.
	f.provider.events <- auth.Event{
		Kind:    auth.EventSignedIn,
		Subject: "sub-ghost",
		Credential: &auth.Credential{
			AccessToken:  "at",
			RefreshToken: "rt",
			Claims: auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   "sub-ghost",
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
				},
			},
		},
	}
	require.Eventually(t, func() bool {
		st, ok := f.core.Snapshot("sub-ghost")
		return ok && !st.Loading
	}, 3*time.Second, 10*time.Millisecond)

	var hit bool
	handler := f.guard.RequireRole(roles.RoleUser)(okHandler(&hit))

	sess := f.session(t)
	sess.SetCredential("sub-ghost", "at", "rt")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, f.request(t, "/profile", sess))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "/auth/login?next=")
	assert.False(t, hit)
}
