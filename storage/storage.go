package storage

import (
	"context"
	"time"

	"github.com/signrelay/signrelay/types"
)

// Store is the single source of truth for workflow state. Implementations
// must make CompleteRecipient and CompleteWorkflow single conditional
// writes: two racing submissions for the same step get exactly one success,
// and a recipient cannot complete while an earlier one is still pending.
type Store interface {
	// CreateWorkflow persists a new workflow record.
	CreateWorkflow(ctx context.Context, wf types.Workflow) error

	// WorkflowByToken resolves a workflow by its external token.
	WorkflowByToken(ctx context.Context, token string) (types.Workflow, error)

	// WorkflowByID retrieves a workflow by internal ID.
	WorkflowByID(ctx context.Context, id uint64) (types.Workflow, error)

	// CompleteWorkflow conditionally transitions active -> completed.
	// It reports true only for the single call that performed the
	// transition; later calls get false with no error.
	CompleteWorkflow(ctx context.Context, id uint64) (bool, error)

	// PurgeWorkflow removes a workflow and all dependent records. This is
	// the administrative escape hatch; nothing else deletes.
	PurgeWorkflow(ctx context.Context, id uint64) error

	// AddRecipients persists a workflow's recipient batch.
	AddRecipients(ctx context.Context, rcpts []types.Recipient) error

	// RecipientByToken resolves a recipient by its unique access token.
	RecipientByToken(ctx context.Context, token string) (types.Recipient, error)

	// RecipientsByWorkflow returns all recipients ordered by OrderIndex.
	RecipientsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Recipient, error)

	// UpdateRecipientFormData merges data into a pending recipient's form
	// data (last-write wins per key) without completing the step.
	UpdateRecipientFormData(ctx context.Context, recipientID uint64, data map[string]any) error

	// CompleteRecipient atomically merges data, sets status=completed and
	// records the submission time. It fails with
	// types.ErrAlreadySubmitted when the recipient is not pending and with
	// types.ErrOutOfTurn when an earlier recipient has not completed.
	CompleteRecipient(ctx context.Context, recipientID uint64, data map[string]any, at time.Time) error

	// NextPendingRecipient returns the pending recipient with the smallest
	// OrderIndex greater than afterOrder, or types.ErrNotFound.
	NextPendingRecipient(ctx context.Context, workflowID uint64, afterOrder int) (types.Recipient, error)

	// SetCompletedDocument records the flattened document's blob key.
	SetCompletedDocument(ctx context.Context, workflowID uint64, key string) error

	// SetAuditDocument records the audit certificate's blob key.
	SetAuditDocument(ctx context.Context, workflowID uint64, key string) error

	// AddAttachment persists an attachment record.
	AddAttachment(ctx context.Context, att types.Attachment) error

	// AttachmentsByWorkflow returns a workflow's attachments.
	AttachmentsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Attachment, error)

	// RecordNotification persists a new outbound-dispatch record.
	RecordNotification(ctx context.Context, n types.Notification) error

	// UpdateNotification finalizes a dispatch record as sent or failed.
	UpdateNotification(ctx context.Context, id uint64, status types.NotificationStatus, externalID, dispatchErr string) error

	// NotificationsByWorkflow returns a workflow's dispatch trail.
	NotificationsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Notification, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
