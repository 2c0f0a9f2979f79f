package auth_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vanguard-airsoft/vanguard/internal/auth"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
	_ "github.com/vanguard-airsoft/vanguard/testing"
)

type memRepo struct {
	mu       sync.Mutex
	accounts map[string]*auth.Account // keyed by subject
	tokens   map[string]tokenRecord   // keyed by hash
}

type tokenRecord struct {
	subject   string
	expiresAt time.Time
	revoked   bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		accounts: make(map[string]*auth.Account),
		tokens:   make(map[string]tokenRecord),
	}
}

func (r *memRepo) CreateAccount(ctx context.Context, acc *auth.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.accounts {
		if existing.Email == acc.Email {
			return shared.ErrEmailInUse
		}
	}
	copied := *acc
	r.accounts[acc.Subject] = &copied
	return nil
}

func (r *memRepo) FindByEmail(ctx context.Context, email string) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acc := range r.accounts {
		if acc.Email == email {
			copied := *acc
			return &copied, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memRepo) FindBySubject(ctx context.Context, subject string) (*auth.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[subject]
	if !ok {
		return nil, shared.ErrNotFound
	}
	copied := *acc
	return &copied, nil
}

func (r *memRepo) SetConfirmed(ctx context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[subject]
	if !ok {
		return shared.ErrNotFound
	}
	acc.Confirmed = true
	return nil
}

func (r *memRepo) SetRoleClaim(ctx context.Context, subject, role string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[subject]
	if !ok {
		return shared.ErrNotFound
	}
	acc.RoleClaim = role
	return nil
}

func (r *memRepo) StoreRefreshToken(ctx context.Context, id uuid.UUID, subject, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenHash] = tokenRecord{subject: subject, expiresAt: expiresAt}
	return nil
}

func (r *memRepo) FindRefreshToken(ctx context.Context, tokenHash string) (string, time.Time, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tokens[tokenHash]
	if !ok {
		return "", time.Time{}, false, shared.ErrNotFound
	}
	return rec.subject, rec.expiresAt, rec.revoked, nil
}

func (r *memRepo) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.tokens[tokenHash]; ok {
		rec.revoked = true
		r.tokens[tokenHash] = rec
	}
	return nil
}

func (r *memRepo) RevokeAllRefreshTokens(ctx context.Context, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, rec := range r.tokens {
		if rec.subject == subject {
			rec.revoked = true
			r.tokens[hash] = rec
		}
	}
	return nil
}

func (r *memRepo) PruneRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, rec := range r.tokens {
		if rec.revoked || rec.expiresAt.Before(now) {
			delete(r.tokens, hash)
			n++
		}
	}
	return n, nil
}

var _ auth.Repository = (*memRepo)(nil)

func newProvider(t *testing.T) (*auth.Provider, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	provider := auth.NewProvider(repo, auth.ProviderConfig{
		Issuer:         "vanguard-test",
		SigningSecret:  []byte("test-signing-secret"),
		AccessTTL:      time.Minute,
		RefreshTTL:     time.Hour,
		OAuthProviders: []string{"google"},
	}, nil)
	return provider, repo
}

func seedAccount(t *testing.T, repo *memRepo, email, password, roleClaim string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	subject := uuid.NewString()
	require.NoError(t, repo.CreateAccount(context.Background(), &auth.Account{
		Subject:      subject,
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  "Test Member",
		RoleClaim:    roleClaim,
		Confirmed:    true,
	}))
	return subject
}

func TestSignInIssuesCredentialWithRoleClaim(t *testing.T) {
	provider, repo := newProvider(t)
	subject := seedAccount(t, repo, "player@vanguard.team", "longenough", "editor")

	cred, err := provider.SignIn(context.Background(), "player@vanguard.team", "longenough")
	require.NoError(t, err)
	assert.Equal(t, subject, cred.Subject())
	assert.Equal(t, "editor", cred.Role())
	assert.False(t, cred.Expired(time.Now()))

	claims, err := provider.ParseAccessToken(cred.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "editor", claims.Role)
	assert.Equal(t, "player@vanguard.team", claims.Email)

	ev := <-provider.Events()
	assert.Equal(t, auth.EventSignedIn, ev.Kind)
	assert.Equal(t, subject, ev.Subject)
}

func TestSignInRejectsBadPasswordAndUnknownEmail(t *testing.T) {
	provider, repo := newProvider(t)
	seedAccount(t, repo, "player@vanguard.team", "longenough", "")

	_, err := provider.SignIn(context.Background(), "player@vanguard.team", "wrongpass")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	_, err = provider.SignIn(context.Background(), "nobody@vanguard.team", "whatever")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSignInRejectsUnconfirmedAccount(t *testing.T) {
	provider, repo := newProvider(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("longenough"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, repo.CreateAccount(context.Background(), &auth.Account{
		Subject:      uuid.NewString(),
		Email:        "new@vanguard.team",
		PasswordHash: string(hash),
	}))

	_, err = provider.SignIn(context.Background(), "new@vanguard.team", "longenough")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSignUpThenConfirmSignsIn(t *testing.T) {
	provider, _ := newProvider(t)

	token, err := provider.SignUp(context.Background(), "recruit@vanguard.team", "longenough", "Recruit")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Signing in before confirmation is refused.
	_, err = provider.SignIn(context.Background(), "recruit@vanguard.team", "longenough")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)

	cred, err := provider.Confirm(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "recruit@vanguard.team", cred.Claims.Email)
}

func TestSignUpDuplicateEmail(t *testing.T) {
	provider, repo := newProvider(t)
	seedAccount(t, repo, "taken@vanguard.team", "longenough", "")

	_, err := provider.SignUp(context.Background(), "taken@vanguard.team", "longenough", "Someone")
	assert.ErrorIs(t, err, shared.ErrEmailInUse)
}

func TestResetPasswordNeverRevealsAccounts(t *testing.T) {
	provider, repo := newProvider(t)
	seedAccount(t, repo, "known@vanguard.team", "longenough", "")

	assert.NoError(t, provider.ResetPassword(context.Background(), "known@vanguard.team"))
	assert.NoError(t, provider.ResetPassword(context.Background(), "unknown@vanguard.team"))
}

func TestRefreshRotatesAndCarriesRewrittenClaim(t *testing.T) {
	provider, repo := newProvider(t)
	subject := seedAccount(t, repo, "player@vanguard.team", "longenough", "admin")

	cred, err := provider.SignIn(context.Background(), "player@vanguard.team", "longenough")
	require.NoError(t, err)
	assert.Equal(t, "admin", cred.Role())

	// The privileged rewrite changes the claim at the source; the new value
	// only becomes visible after a refresh.
	require.NoError(t, provider.SetRoleClaim(context.Background(), subject, "user"))
	assert.Equal(t, "admin", cred.Role())

	refreshed, err := provider.Refresh(context.Background(), cred.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user", refreshed.Role())

	// The old refresh token is single-use.
	_, err = provider.Refresh(context.Background(), cred.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestSignOutRevokesRefreshTokens(t *testing.T) {
	provider, repo := newProvider(t)
	subject := seedAccount(t, repo, "player@vanguard.team", "longenough", "")

	cred, err := provider.SignIn(context.Background(), "player@vanguard.team", "longenough")
	require.NoError(t, err)

	require.NoError(t, provider.SignOut(context.Background(), subject))
	_, err = provider.Refresh(context.Background(), cred.RefreshToken)
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestOAuthRoundTripCreatesAccount(t *testing.T) {
	provider, _ := newProvider(t)

	target, err := provider.BeginOAuth("google", "/auth/callback")
	require.NoError(t, err)
	require.Contains(t, target, "state=")

	_, err = provider.BeginOAuth("myspace", "/auth/callback")
	assert.Error(t, err)

	state := extractQueryParam(t, target, "state")
	cred, err := provider.CompleteOAuth(context.Background(), state, "oauth@vanguard.team", "OAuth User", "")
	require.NoError(t, err)
	assert.Equal(t, "oauth@vanguard.team", cred.Claims.Email)

	// State is single-use.
	_, err = provider.CompleteOAuth(context.Background(), state, "oauth@vanguard.team", "OAuth User", "")
	assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func extractQueryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	require.NoError(t, err)
	value := parsed.Query().Get(key)
	require.NotEmpty(t, value)
	return value
}
