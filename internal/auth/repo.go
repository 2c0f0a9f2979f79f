package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// Repository defines persistence operations for the identity provider.
type Repository interface {
	CreateAccount(ctx context.Context, acc *Account) error
	FindByEmail(ctx context.Context, email string) (*Account, error)
	FindBySubject(ctx context.Context, subject string) (*Account, error)
	SetConfirmed(ctx context.Context, subject string) error
	SetRoleClaim(ctx context.Context, subject, role string) error
	StoreRefreshToken(ctx context.Context, id uuid.UUID, subject, tokenHash string, expiresAt time.Time) error
	FindRefreshToken(ctx context.Context, tokenHash string) (subject string, expiresAt time.Time, revoked bool, err error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeAllRefreshTokens(ctx context.Context, subject string) error
	PruneRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `subject, email, password_hash, display_name, avatar_url, role_claim, confirmed, created_at, updated_at`

// CreateAccount inserts a new account. A duplicate email maps to ErrEmailInUse.
func (r *PGRepository) CreateAccount(ctx context.Context, acc *Account) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO accounts (subject, email, password_hash, display_name, avatar_url, role_claim, confirmed, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())`,
		acc.Subject, strings.ToLower(strings.TrimSpace(acc.Email)), acc.PasswordHash, acc.DisplayName, acc.AvatarURL, acc.RoleClaim, acc.Confirmed)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.ErrEmailInUse
		}
		return err
	}
	return nil
}

// FindByEmail fetches an account by contact address.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	return scanAccount(row)
}

// FindBySubject fetches an account by subject id.
func (r *PGRepository) FindBySubject(ctx context.Context, subject string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE subject = $1`, subject)
	return scanAccount(row)
}

// SetConfirmed marks the account's email address as verified.
func (r *PGRepository) SetConfirmed(ctx context.Context, subject string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET confirmed = TRUE, updated_at = NOW() WHERE subject = $1`, subject)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// SetRoleClaim rewrites the provider-side role claim. Every token issued after
// this call carries the new role.
func (r *PGRepository) SetRoleClaim(ctx context.Context, subject, role string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts SET role_claim = $2, updated_at = NOW() WHERE subject = $1`, subject, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// StoreRefreshToken persists a refresh token fingerprint.
func (r *PGRepository) StoreRefreshToken(ctx context.Context, id uuid.UUID, subject, tokenHash string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, subject, token_hash, expires_at, revoked, created_at)
		 VALUES ($1, $2, $3, $4, FALSE, NOW())`,
		id, subject, tokenHash, expiresAt.UTC())
	return err
}

// FindRefreshToken looks up a stored token by fingerprint.
func (r *PGRepository) FindRefreshToken(ctx context.Context, tokenHash string) (string, time.Time, bool, error) {
	var subject string
	var expiresAt time.Time
	var revoked bool
	err := r.pool.QueryRow(ctx,
		`SELECT subject, expires_at, revoked FROM refresh_tokens WHERE token_hash = $1`, tokenHash).
		Scan(&subject, &expiresAt, &revoked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", time.Time{}, false, shared.ErrNotFound
		}
		return "", time.Time{}, false, err
	}
	return subject, expiresAt, revoked, nil
}

// RevokeRefreshToken marks a single token as revoked.
func (r *PGRepository) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token_hash = $1`, tokenHash)
	return err
}

// RevokeAllRefreshTokens revokes every live token for a subject.
func (r *PGRepository) RevokeAllRefreshTokens(ctx context.Context, subject string) error {
	_, err := r.pool.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE subject = $1 AND NOT revoked`, subject)
	return err
}

// PruneRefreshTokens deletes expired and revoked tokens.
func (r *PGRepository) PruneRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM refresh_tokens WHERE revoked OR expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanAccount(row pgx.Row) (*Account, error) {
	var acc Account
	err := row.Scan(&acc.Subject, &acc.Email, &acc.PasswordHash, &acc.DisplayName,
		&acc.AvatarURL, &acc.RoleClaim, &acc.Confirmed, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return &acc, nil
}

var _ Repository = (*PGRepository)(nil)
