package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRoleDriftScan sweeps for credential claims that drifted from stored roles.
	TaskRoleDriftScan = "role:drift_scan"
	// TaskTokenPrune deletes expired and revoked refresh tokens.
	TaskTokenPrune = "auth:token_prune"
	// TaskRoleNotify fans out a role-change notice to the affected member.
	TaskRoleNotify = "role:notify"
)

// RoleNotifyPayload describes a role-change notification.
type RoleNotifyPayload struct {
	Email   string `json:"email"`
	OldRole string `json:"old_role"`
	NewRole string `json:"new_role"`
}

// NewRoleNotifyTask constructs an Asynq task.
func NewRoleNotifyTask(payload RoleNotifyPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRoleNotify, data), nil
}

// NewRoleDriftScanTask constructs a drift-scan task.
func NewRoleDriftScanTask() *asynq.Task {
	return asynq.NewTask(TaskRoleDriftScan, nil)
}

// NewTokenPruneTask constructs a token-prune task.
func NewTokenPruneTask() *asynq.Task {
	return asynq.NewTask(TaskTokenPrune, nil)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// NotifyRoleChange enqueues a role-change notification.
func (c *Client) NotifyRoleChange(ctx context.Context, email, oldRole, newRole string) error {
	task, err := NewRoleNotifyTask(RoleNotifyPayload{Email: email, OldRole: oldRole, NewRole: newRole})
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
