package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// ProviderConfig holds token issuance settings.
type ProviderConfig struct {
	Issuer         string
	SigningSecret  []byte
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	OAuthProviders []string
}

// Provider is the identity provider: it issues signed credentials with an
// embedded role claim, rotates refresh tokens, and emits state-change events
// consumed by the reconciliation core.
type Provider struct {
	repo   Repository
	cfg    ProviderConfig
	logger *slog.Logger
	clock  func() time.Time

	events chan Event

	mu          sync.Mutex
	oauthStates map[string]oauthState
}

type oauthState struct {
	provider  string
	expiresAt time.Time
}

// NewProvider constructs a Provider.
func NewProvider(repo Repository, cfg ProviderConfig, logger *slog.Logger) *Provider {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	return &Provider{
		repo:        repo,
		cfg:         cfg,
		logger:      logger,
		clock:       time.Now,
		events:      make(chan Event, 64),
		oauthStates: make(map[string]oauthState),
	}
}

// Events exposes the state-change notification stream. Consumers run in their
// own goroutine; the provider never invokes subscriber code synchronously.
func (p *Provider) Events() <-chan Event {
	return p.events
}

func (p *Provider) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		// A stalled consumer must not block issuance. Dropped events are
		// healed by the periodic drift scan.
		if p.logger != nil {
			p.logger.Warn("auth event dropped", slog.String("kind", ev.Kind.String()), slog.String("subject", ev.Subject))
		}
	}
}

// SignIn validates email/password credentials and issues a token pair.
func (p *Provider) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	acc, err := p.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	if !acc.Confirmed {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	cred, err := p.issue(ctx, acc)
	if err != nil {
		return nil, err
	}
	p.emit(Event{Kind: EventSignedIn, Subject: acc.Subject, Credential: cred})
	return cred, nil
}

// SignUp registers a new unconfirmed account and returns a confirmation token.
// No profile row is created here; that happens lazily on the first confirmed
// sign-in. Delivery of the token is the caller's concern.
func (p *Provider) SignUp(ctx context.Context, email, password, displayName string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	acc := &Account{
		Subject:      uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
	}
	if err := p.repo.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, shared.ErrEmailInUse) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	return p.signScoped(acc.Subject, "confirm", 24*time.Hour)
}

// Confirm redeems a confirmation token, marks the account verified and signs
// the subject in.
func (p *Provider) Confirm(ctx context.Context, token string) (*Credential, error) {
	subject, err := p.verifyScoped(token, "confirm")
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if err := p.repo.SetConfirmed(ctx, subject); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	acc, err := p.repo.FindBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	cred, err := p.issue(ctx, acc)
	if err != nil {
		return nil, err
	}
	p.emit(Event{Kind: EventSignedIn, Subject: subject, Credential: cred})
	return cred, nil
}

// BeginOAuth starts a redirect-based flow and returns the authorize URL. The
// exchange with the upstream provider happens outside this module; the state
// parameter ties the callback to this process.
func (p *Provider) BeginOAuth(providerName, callbackURL string) (string, error) {
	supported := false
	for _, name := range p.cfg.OAuthProviders {
		if name == providerName {
			supported = true
			break
		}
	}
	if !supported {
		return "", fmt.Errorf("auth: unsupported oauth provider %q", providerName)
	}
	state := randomToken()
	p.mu.Lock()
	p.oauthStates[state] = oauthState{provider: providerName, expiresAt: p.clock().Add(10 * time.Minute)}
	p.mu.Unlock()

	q := url.Values{}
	q.Set("state", state)
	q.Set("redirect_uri", callbackURL)
	return "/oauth/" + providerName + "/authorize?" + q.Encode(), nil
}

// CompleteOAuth consumes the callback for a previously issued state. The
// upstream identity (email, name, avatar) arrives already verified; an account
// is created on first use, confirmed immediately.
func (p *Provider) CompleteOAuth(ctx context.Context, state, email, displayName, avatarURL string) (*Credential, error) {
	p.mu.Lock()
	st, ok := p.oauthStates[state]
	delete(p.oauthStates, state)
	p.mu.Unlock()
	if !ok || p.clock().After(st.expiresAt) {
		return nil, shared.ErrInvalidCredentials
	}

	acc, err := p.repo.FindByEmail(ctx, email)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		acc = &Account{
			Subject:     uuid.NewString(),
			Email:       email,
			DisplayName: displayName,
			AvatarURL:   avatarURL,
			Confirmed:   true,
		}
		if err := p.repo.CreateAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}

	cred, err := p.issue(ctx, acc)
	if err != nil {
		return nil, err
	}
	p.emit(Event{Kind: EventSignedIn, Subject: acc.Subject, Credential: cred})
	return cred, nil
}

// SignOut revokes every live refresh token for the subject and announces the
// transition.
func (p *Provider) SignOut(ctx context.Context, subject string) error {
	if subject == "" {
		return shared.ErrNotAuthenticated
	}
	if err := p.repo.RevokeAllRefreshTokens(ctx, subject); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	p.emit(Event{Kind: EventSignedOut, Subject: subject})
	return nil
}

// ResetPassword always reports success so callers cannot probe which
// addresses exist. A reset token is minted only for known accounts.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	acc, err := p.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) && p.logger != nil {
			p.logger.Warn("reset lookup", slog.Any("error", err))
		}
		return nil
	}
	token, err := p.signScoped(acc.Subject, "reset", time.Hour)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("reset token", slog.Any("error", err))
		}
		return nil
	}
	if p.logger != nil {
		p.logger.Info("password reset requested", slog.String("subject", acc.Subject), slog.Int("token_len", len(token)))
	}
	return nil
}

// Refresh rotates a refresh token and issues a fresh credential carrying the
// account's current role claim.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*Credential, error) {
	hash := hashToken(refreshToken)
	subject, expiresAt, revoked, err := p.repo.FindRefreshToken(ctx, hash)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	if revoked || p.clock().After(expiresAt) {
		return nil, shared.ErrInvalidCredentials
	}
	acc, err := p.repo.FindBySubject(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	if err := p.repo.RevokeRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	cred, err := p.issue(ctx, acc)
	if err != nil {
		return nil, err
	}
	p.emit(Event{Kind: EventRefreshed, Subject: subject, Credential: cred})
	return cred, nil
}

// SetRoleClaim is the privileged procedure that rewrites the embedded role
// claim at the source. The new claim becomes visible on the next refresh.
func (p *Provider) SetRoleClaim(ctx context.Context, subject, role string) error {
	if err := p.repo.SetRoleClaim(ctx, subject, role); err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return shared.ErrNotFound
		}
		return fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	return nil
}

// ParseAccessToken verifies a token signature and returns its claims.
func (p *Provider) ParseAccessToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return p.cfg.SigningSecret, nil
	}, jwt.WithIssuer(p.cfg.Issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	return claims, nil
}

func (p *Provider) issue(ctx context.Context, acc *Account) (*Credential, error) {
	now := p.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acc.Subject,
			Issuer:    p.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.AccessTTL)),
			ID:        uuid.NewString(),
		},
		Email: acc.Email,
		Name:  acc.DisplayName,
		Role:  acc.RoleClaim,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.cfg.SigningSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}

	refresh := randomToken()
	if err := p.repo.StoreRefreshToken(ctx, uuid.New(), acc.Subject, hashToken(refresh), now.Add(p.cfg.RefreshTTL)); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}

	return &Credential{AccessToken: signed, RefreshToken: refresh, Claims: claims}, nil
}

func (p *Provider) signScoped(subject, scope string, ttl time.Duration) (string, error) {
	now := p.clock()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   p.cfg.Issuer,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.cfg.SigningSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", shared.ErrProviderUnavailable, err)
	}
	return signed, nil
}

func (p *Provider) verifyScoped(tokenString, scope string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return p.cfg.SigningSecret, nil
	}, jwt.WithIssuer(p.cfg.Issuer))
	if err != nil || !token.Valid {
		return "", errors.New("auth: invalid token")
	}
	if got, _ := claims["scope"].(string); got != scope {
		return "", errors.New("auth: wrong token scope")
	}
	subject, _ := claims["sub"].(string)
	if subject == "" {
		return "", errors.New("auth: missing subject")
	}
	return subject, nil
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SetClockForTest overrides the provider clock.
func (p *Provider) SetClockForTest(clock func() time.Time) {
	p.clock = clock
}
