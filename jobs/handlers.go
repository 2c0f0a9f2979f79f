package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vanguard-airsoft/vanguard/internal/auth"
	jobmetrics "github.com/vanguard-airsoft/vanguard/internal/jobs"
	"github.com/vanguard-airsoft/vanguard/internal/profiles"
)

// NewDriftScanHandler returns the handler for TaskRoleDriftScan. It heals
// provider-side role claims that no longer match the stored role and pushes
// the current row onto the change feed so any open session reconciles.
func NewDriftScanHandler(pool *pgxpool.Pool, feed *profiles.Feed, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskRoleDriftScan)
		rows, err := pool.Query(ctx,
			`SELECT a.subject, p.role
			 FROM accounts a
			 JOIN profiles p ON p.subject = a.subject
			 WHERE a.role_claim IS DISTINCT FROM p.role`)
		if err != nil {
			return tracker.End(err)
		}
		type drift struct {
			subject string
			role    string
		}
		var drifted []drift
		for rows.Next() {
			var d drift
			if err := rows.Scan(&d.subject, &d.role); err != nil {
				rows.Close()
				return tracker.End(err)
			}
			drifted = append(drifted, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return tracker.End(err)
		}

		store := profiles.NewStore(pool)
		healed := 0
		for _, d := range drifted {
			if _, err := pool.Exec(ctx,
				`UPDATE accounts SET role_claim = $2, updated_at = NOW() WHERE subject = $1`, d.subject, d.role); err != nil {
				logger.Error("drift heal", slog.String("subject", d.subject), slog.Any("error", err))
				continue
			}
			healed++
			if p, err := store.GetBySubject(ctx, d.subject); err == nil {
				feed.Publish(ctx, p)
			}
		}
		metrics.AddDriftHealed(healed)
		if healed > 0 {
			logger.Info("role drift scan", slog.Int("healed", healed))
		}
		return tracker.End(nil)
	}
}

// NewTokenPruneHandler returns the handler for TaskTokenPrune.
func NewTokenPruneHandler(repo auth.Repository, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskTokenPrune)
		n, err := repo.PruneRefreshTokens(ctx, time.Now())
		if err != nil {
			return tracker.End(err)
		}
		metrics.AddTokensPruned(n)
		if n > 0 {
			logger.Info("refresh token prune", slog.Int64("deleted", n))
		}
		return tracker.End(nil)
	}
}

// NewRoleNotifyHandler returns the handler for TaskRoleNotify. Delivery goes
// through the external mail pipeline; here the notice is recorded only.
func NewRoleNotifyHandler(metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track(TaskRoleNotify)
		var payload RoleNotifyPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		logger.Info("role change notice",
			slog.String("email", payload.Email),
			slog.String("old_role", payload.OldRole),
			slog.String("new_role", payload.NewRole))
		return tracker.End(nil)
	}
}
