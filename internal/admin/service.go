// Package admin is the role-management action surface: privileged, audited
// role changes plus the member roster behind the admin area.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vanguard-airsoft/vanguard/internal/profiles"
	"github.com/vanguard-airsoft/vanguard/internal/roles"
	"github.com/vanguard-airsoft/vanguard/internal/shared"
)

// AuditRecorder appends immutable role-change records.
type AuditRecorder interface {
	Record(ctx context.Context, entry shared.RoleAudit) error
	ListRecent(ctx context.Context, limit int) ([]shared.RoleAudit, error)
}

// FeedPublisher pushes updated rows so open sessions observe role changes
// without re-authenticating.
type FeedPublisher interface {
	Publish(ctx context.Context, p *profiles.Profile)
}

// Notifier enqueues an out-of-band role-change notice. May be nil.
type Notifier interface {
	NotifyRoleChange(ctx context.Context, email, oldRole, newRole string) error
}

// Service executes role management against the profile store.
type Service struct {
	store    profiles.Store
	audit    AuditRecorder
	feed     FeedPublisher
	notifier Notifier
	logger   *slog.Logger
}

// NewService constructs a Service.
func NewService(store profiles.Store, audit AuditRecorder, feed FeedPublisher, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{store: store, audit: audit, feed: feed, notifier: notifier, logger: logger}
}

// ChangeRoleByEmail performs the privileged, audited role change. The actor's
// own tier caps what may be granted, an actor can never change their own
// account here, and the last superadmin can never be demoted.
func (s *Service) ChangeRoleByEmail(ctx context.Context, actorSubject string, actorRole roles.Role, targetEmail string, newRole roles.Role, reason string) (*profiles.Profile, error) {
	if !actorRole.CanGrant(newRole) {
		return nil, shared.ErrForbidden
	}

	target, err := s.store.FindByEmail(ctx, strings.TrimSpace(targetEmail))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, fmt.Errorf("admin: no member with address %q: %w", targetEmail, shared.ErrNotFound)
		}
		return nil, err
	}

	if target.Subject == actorSubject {
		return nil, fmt.Errorf("admin: cannot change your own role: %w", shared.ErrForbidden)
	}
	if !actorRole.AtLeast(target.Role) {
		// Cannot touch accounts above your own tier either.
		return nil, shared.ErrForbidden
	}

	if target.Role == roles.RoleSuperAdmin && newRole != roles.RoleSuperAdmin {
		count, err := s.store.CountWithRole(ctx, roles.RoleSuperAdmin)
		if err != nil {
			return nil, err
		}
		if count <= 1 {
			return nil, fmt.Errorf("admin: cannot demote the last superadmin: %w", shared.ErrForbidden)
		}
	}

	oldRole := target.Role
	if oldRole == newRole {
		return target, nil
	}

	updated, err := s.store.SetRole(ctx, target.Subject, newRole)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Record(ctx, shared.RoleAudit{
		ActorSubject:  actorSubject,
		TargetSubject: updated.Subject,
		TargetEmail:   updated.Email,
		OldRole:       oldRole.String(),
		NewRole:       newRole.String(),
		Reason:        reason,
	}); err != nil {
		// The role change already happened; a lost audit row is a serious
		// condition worth a loud log, not a rollback.
		if s.logger != nil {
			s.logger.Error("role audit record", slog.Any("error", err))
		}
	}

	if s.feed != nil {
		s.feed.Publish(ctx, updated)
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyRoleChange(ctx, updated.Email, oldRole.String(), newRole.String()); err != nil && s.logger != nil {
			s.logger.Warn("role change notify", slog.Any("error", err))
		}
	}
	return updated, nil
}

// ListMembers returns the full roster.
func (s *Service) ListMembers(ctx context.Context) ([]profiles.Profile, error) {
	return s.store.List(ctx)
}

// RecentAudit returns the latest role changes.
func (s *Service) RecentAudit(ctx context.Context, limit int) ([]shared.RoleAudit, error) {
	return s.audit.ListRecent(ctx, limit)
}
