package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/text/language"

	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

const profileColumns = `subject, email, display_name, avatar_url, bio, preferred_language, notify_on_events, role, created_at, updated_at`

// Store defines persistence operations for profiles.
type Store interface {
	GetBySubject(ctx context.Context, subject string) (*Profile, error)
	FindByEmail(ctx context.Context, email string) (*Profile, error)
	UpsertFromCredential(ctx context.Context, subject, email, displayName, avatarURL string) error
	Update(ctx context.Context, subject string, patch Patch) (*Profile, error)
	SetRole(ctx context.Context, subject string, role roles.Role) (*Profile, error)
	CountWithRole(ctx context.Context, role roles.Role) (int64, error)
	List(ctx context.Context) ([]Profile, error)
}

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// GetBySubject fetches one profile row by subject id.
func (s *PGStore) GetBySubject(ctx context.Context, subject string) (*Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE subject = $1`, subject)
	return scanProfile(row)
}

// FindByEmail fetches one profile row by contact address.
func (s *PGStore) FindByEmail(ctx context.Context, email string) (*Profile, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+profileColumns+` FROM profiles WHERE email = $1`, strings.ToLower(strings.TrimSpace(email)))
	return scanProfile(row)
}

// UpsertFromCredential ensures a profile row exists for the subject. A new row
// denormalizes email, display name and avatar from the credential; an existing
// row only refreshes the denormalized contact address.
func (s *PGStore) UpsertFromCredential(ctx context.Context, subject, email, displayName, avatarURL string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO profiles (subject, email, display_name, avatar_url, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (subject) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()`,
		subject, strings.ToLower(strings.TrimSpace(email)), displayName, avatarURL, roles.RoleUser.String())
	return err
}

// Update applies a partial self-service update and returns the resulting row.
func (s *PGStore) Update(ctx context.Context, subject string, patch Patch) (*Profile, error) {
	if patch.Empty() {
		return s.GetBySubject(ctx, subject)
	}
	if patch.PreferredLanguage != nil && *patch.PreferredLanguage != "" {
		tag, err := language.Parse(*patch.PreferredLanguage)
		if err != nil {
			return nil, fmt.Errorf("profiles: invalid language tag %q: %w", *patch.PreferredLanguage, err)
		}
		normalized := tag.String()
		patch.PreferredLanguage = &normalized
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE profiles SET
			display_name = COALESCE($2, display_name),
			avatar_url = COALESCE($3, avatar_url),
			bio = COALESCE($4, bio),
			preferred_language = COALESCE($5, preferred_language),
			notify_on_events = COALESCE($6, notify_on_events),
			updated_at = NOW()
		 WHERE subject = $1
		 RETURNING `+profileColumns,
		subject, patch.DisplayName, patch.AvatarURL, patch.Bio, patch.PreferredLanguage, patch.NotifyOnEvents)
	return scanProfile(row)
}

// SetRole rewrites the stored role for a subject and returns the updated row.
// This is the privileged path used by role management; self-service updates
// cannot reach it.
func (s *PGStore) SetRole(ctx context.Context, subject string, role roles.Role) (*Profile, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE profiles SET role = $2, updated_at = NOW() WHERE subject = $1 RETURNING `+profileColumns,
		subject, role.String())
	return scanProfile(row)
}

// CountWithRole returns how many profiles hold the given role.
func (s *PGStore) CountWithRole(ctx context.Context, role roles.Role) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE role = $1`, role.String()).Scan(&n)
	return n, err
}

// List returns the full roster ordered by display name.
func (s *PGStore) List(ctx context.Context) ([]Profile, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY display_name, subject`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfileRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row pgx.Row) (*Profile, error) {
	p, err := scanProfileRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func scanProfileRow(row rowScanner) (*Profile, error) {
	var p Profile
	var roleTag string
	if err := row.Scan(&p.Subject, &p.Email, &p.DisplayName, &p.AvatarURL, &p.Bio,
		&p.PreferredLanguage, &p.NotifyOnEvents, &roleTag, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	role, err := roles.Parse(roleTag)
	if err != nil {
		return nil, err
	}
	p.Role = role
	return &p, nil
}

var _ Store = (*PGStore)(nil)
