package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/signrelay/signrelay/types"
)

// Schema holds the table definitions for the Postgres store. Callers can
// run it through Migrate or feed it to their own migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
    id                 BIGINT PRIMARY KEY,
    token              TEXT NOT NULL UNIQUE,
    source_document    TEXT NOT NULL,
    status             TEXT NOT NULL,
    metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
    completed_document TEXT NOT NULL DEFAULT '',
    audit_document     TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL,
    updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recipients (
    id                BIGINT PRIMARY KEY,
    workflow_id       BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    order_index       INT NOT NULL,
    name              TEXT NOT NULL,
    email             TEXT NOT NULL,
    mobile            TEXT NOT NULL DEFAULT '',
    role              TEXT NOT NULL,
    access_token      TEXT NOT NULL UNIQUE,
    status            TEXT NOT NULL,
    form_data         JSONB NOT NULL DEFAULT '{}'::jsonb,
    submitted_at      TIMESTAMPTZ,
    deliver_completed BOOLEAN NOT NULL DEFAULT FALSE,
    deliver_audit     BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE (workflow_id, order_index)
);

CREATE INDEX IF NOT EXISTS idx_recipients_workflow ON recipients (workflow_id, order_index);

CREATE TABLE IF NOT EXISTS attachments (
    id           BIGINT PRIMARY KEY,
    workflow_id  BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    recipient_id BIGINT NOT NULL,
    name         TEXT NOT NULL,
    blob_key     TEXT NOT NULL,
    size         BIGINT NOT NULL,
    content_type TEXT NOT NULL,
    uploaded_by  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attachments_workflow ON attachments (workflow_id);

CREATE TABLE IF NOT EXISTS notifications (
    id             BIGINT PRIMARY KEY,
    workflow_id    BIGINT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    recipient_id   BIGINT NOT NULL,
    channel        TEXT NOT NULL,
    address        TEXT NOT NULL,
    subject        TEXT NOT NULL,
    status         TEXT NOT NULL,
    external_id    TEXT NOT NULL DEFAULT '',
    dispatch_error TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notifications_workflow ON notifications (workflow_id);
`

// PostgresStore implements Store on top of a pgx connection pool. The
// conditional state transitions are single UPDATE statements, so they stay
// atomic across any number of application instances.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed store. The pool stays owned
// by the caller.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf types.Workflow) error {
	metadata, err := marshalStringMap(wf.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, token, source_document, status, metadata, completed_document, audit_document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		int64(wf.ID), wf.Token, wf.SourceDocument, string(wf.Status), metadata,
		wf.CompletedDocument, wf.AuditDocument, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow %d: %w", wf.ID, err)
	}
	return nil
}

const workflowColumns = `id, token, source_document, status, metadata, completed_document, audit_document, created_at, updated_at`

func (s *PostgresStore) WorkflowByToken(ctx context.Context, token string) (types.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE token = $1`, token)
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Workflow{}, fmt.Errorf("workflow token %q: %w", token, types.ErrNotFound)
	}
	return wf, err
}

func (s *PostgresStore) WorkflowByID(ctx context.Context, id uint64) (types.Workflow, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, int64(id))
	wf, err := scanWorkflow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Workflow{}, fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
	}
	return wf, err
}

func (s *PostgresStore) CompleteWorkflow(ctx context.Context, id uint64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3`,
		int64(id), string(types.WorkflowCompleted), string(types.WorkflowActive),
	)
	if err != nil {
		return false, fmt.Errorf("complete workflow %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.WorkflowByID(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) PurgeWorkflow(ctx context.Context, id uint64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, int64(id))
	if err != nil {
		return fmt.Errorf("purge workflow %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddRecipients(ctx context.Context, rcpts []types.Recipient) error {
	batch := &pgx.Batch{}
	for _, r := range rcpts {
		formData, err := marshalAnyMap(r.FormData)
		if err != nil {
			return fmt.Errorf("encode form data: %w", err)
		}
		batch.Queue(`
			INSERT INTO recipients (id, workflow_id, order_index, name, email, mobile, role, access_token, status, form_data, submitted_at, deliver_completed, deliver_audit)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			int64(r.ID), int64(r.WorkflowID), r.OrderIndex, r.Name, r.Email, r.Mobile,
			string(r.Role), r.AccessToken, string(r.Status), formData, r.SubmittedAt,
			r.Delivery.CompletedDocument, r.Delivery.AuditCertificate,
		)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rcpts {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return nil
}

const recipientColumns = `id, workflow_id, order_index, name, email, mobile, role, access_token, status, form_data, submitted_at, deliver_completed, deliver_audit`

func (s *PostgresStore) RecipientByToken(ctx context.Context, token string) (types.Recipient, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE access_token = $1`, token)
	r, err := scanRecipient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Recipient{}, fmt.Errorf("recipient token %q: %w", token, types.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) RecipientsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE workflow_id = $1 ORDER BY order_index ASC`, int64(workflowID))
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	var out []types.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateRecipientFormData(ctx context.Context, recipientID uint64, data map[string]any) error {
	formData, err := marshalAnyMap(data)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipients SET form_data = COALESCE(form_data, '{}'::jsonb) || $2::jsonb
		WHERE id = $1 AND status = $3`,
		int64(recipientID), formData, string(types.RecipientPending),
	)
	if err != nil {
		return fmt.Errorf("update recipient %d form data: %w", recipientID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.classifyRecipientFailure(ctx, recipientID, false)
}

func (s *PostgresStore) CompleteRecipient(ctx context.Context, recipientID uint64, data map[string]any, at time.Time) error {
	formData, err := marshalAnyMap(data)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}
	// One conditional write: the row must still be pending and no earlier
	// step may be pending. Concurrent submitters race on this statement
	// and exactly one sees an affected row.
	tag, err := s.pool.Exec(ctx, `
		UPDATE recipients r SET
			form_data = COALESCE(r.form_data, '{}'::jsonb) || $2::jsonb,
			status = $4,
			submitted_at = $3
		WHERE r.id = $1
		  AND r.status = $5
		  AND NOT EXISTS (
			SELECT 1 FROM recipients p
			WHERE p.workflow_id = r.workflow_id
			  AND p.order_index < r.order_index
			  AND p.status = $5
		  )`,
		int64(recipientID), formData, at,
		string(types.RecipientCompleted), string(types.RecipientPending),
	)
	if err != nil {
		return fmt.Errorf("complete recipient %d: %w", recipientID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.classifyRecipientFailure(ctx, recipientID, true)
}

// classifyRecipientFailure turns a zero-rows conditional update into the
// matching sentinel. The read runs after the failed write, so the
// classification reflects the state that rejected it.
func (s *PostgresStore) classifyRecipientFailure(ctx context.Context, recipientID uint64, orderMatters bool) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM recipients WHERE id = $1`, int64(recipientID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("recipient %d: %w", recipientID, types.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("classify recipient %d: %w", recipientID, err)
	}
	if status != string(types.RecipientPending) {
		return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
	}
	if !orderMatters {
		return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
	}
	return fmt.Errorf("recipient %d: %w", recipientID, types.ErrOutOfTurn)
}

func (s *PostgresStore) NextPendingRecipient(ctx context.Context, workflowID uint64, afterOrder int) (types.Recipient, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recipientColumns+` FROM recipients
		WHERE workflow_id = $1 AND status = $2 AND order_index > $3
		ORDER BY order_index ASC LIMIT 1`,
		int64(workflowID), string(types.RecipientPending), afterOrder,
	)
	r, err := scanRecipient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Recipient{}, fmt.Errorf("no pending recipient after order %d: %w", afterOrder, types.ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) SetCompletedDocument(ctx context.Context, workflowID uint64, key string) error {
	return s.setDocumentKey(ctx, workflowID, "completed_document", key)
}

func (s *PostgresStore) SetAuditDocument(ctx context.Context, workflowID uint64, key string) error {
	return s.setDocumentKey(ctx, workflowID, "audit_document", key)
}

func (s *PostgresStore) setDocumentKey(ctx context.Context, workflowID uint64, column, key string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflows SET `+column+` = $2, updated_at = now() WHERE id = $1`,
		int64(workflowID), key,
	)
	if err != nil {
		return fmt.Errorf("set %s on workflow %d: %w", column, workflowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("workflow %d: %w", workflowID, types.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AddAttachment(ctx context.Context, att types.Attachment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO attachments (id, workflow_id, recipient_id, name, blob_key, size, content_type, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		int64(att.ID), int64(att.WorkflowID), int64(att.RecipientID),
		att.Name, att.Key, att.Size, att.ContentType, att.UploadedBy,
	)
	if err != nil {
		return fmt.Errorf("insert attachment %d: %w", att.ID, err)
	}
	return nil
}

func (s *PostgresStore) AttachmentsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, recipient_id, name, blob_key, size, content_type, uploaded_by
		FROM attachments WHERE workflow_id = $1 ORDER BY id ASC`, int64(workflowID))
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var out []types.Attachment
	for rows.Next() {
		var (
			a                types.Attachment
			id, wfID, rcptID int64
		)
		if err := rows.Scan(&id, &wfID, &rcptID, &a.Name, &a.Key, &a.Size, &a.ContentType, &a.UploadedBy); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		a.ID, a.WorkflowID, a.RecipientID = uint64(id), uint64(wfID), uint64(rcptID)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordNotification(ctx context.Context, n types.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, workflow_id, recipient_id, channel, address, subject, status, external_id, dispatch_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		int64(n.ID), int64(n.WorkflowID), int64(n.RecipientID), string(n.Channel),
		n.Address, n.Subject, string(n.Status), n.ExternalID, n.Error, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification %d: %w", n.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateNotification(ctx context.Context, id uint64, status types.NotificationStatus, externalID, dispatchErr string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE notifications SET status = $2, external_id = $3, dispatch_error = $4
		WHERE id = $1`,
		int64(id), string(status), externalID, dispatchErr,
	)
	if err != nil {
		return fmt.Errorf("update notification %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %d: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) NotificationsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, recipient_id, channel, address, subject, status, external_id, dispatch_error, created_at
		FROM notifications WHERE workflow_id = $1 ORDER BY id ASC`, int64(workflowID))
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []types.Notification
	for rows.Next() {
		var (
			n                notificationRow
			id, wfID, rcptID int64
		)
		if err := rows.Scan(&id, &wfID, &rcptID, &n.channel, &n.address, &n.subject, &n.status, &n.externalID, &n.dispatchError, &n.createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, types.Notification{
			ID:          uint64(id),
			WorkflowID:  uint64(wfID),
			RecipientID: uint64(rcptID),
			Channel:     types.Channel(n.channel),
			Address:     n.address,
			Subject:     n.subject,
			Status:      types.NotificationStatus(n.status),
			ExternalID:  n.externalID,
			Error:       n.dispatchError,
			CreatedAt:   n.createdAt,
		})
	}
	return out, rows.Err()
}

type notificationRow struct {
	channel, address, subject, status, externalID, dispatchError string
	createdAt                                                    time.Time
}

func scanWorkflow(row pgx.Row) (types.Workflow, error) {
	var (
		wf       types.Workflow
		id       int64
		status   string
		metadata []byte
	)
	err := row.Scan(&id, &wf.Token, &wf.SourceDocument, &status, &metadata,
		&wf.CompletedDocument, &wf.AuditDocument, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return types.Workflow{}, err
	}
	wf.ID = uint64(id)
	wf.Status = types.WorkflowStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &wf.Metadata); err != nil {
			return types.Workflow{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return wf, nil
}

func scanRecipient(row pgx.Row) (types.Recipient, error) {
	var (
		r            types.Recipient
		id, wfID     int64
		role, status string
		formData     []byte
	)
	err := row.Scan(&id, &wfID, &r.OrderIndex, &r.Name, &r.Email, &r.Mobile,
		&role, &r.AccessToken, &status, &formData, &r.SubmittedAt,
		&r.Delivery.CompletedDocument, &r.Delivery.AuditCertificate)
	if err != nil {
		return types.Recipient{}, err
	}
	r.ID, r.WorkflowID = uint64(id), uint64(wfID)
	r.Role = types.RecipientRole(role)
	r.Status = types.RecipientStatus(status)
	if len(formData) > 0 {
		if err := json.Unmarshal(formData, &r.FormData); err != nil {
			return types.Recipient{}, fmt.Errorf("decode form data: %w", err)
		}
	}
	return r, nil
}

func marshalAnyMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func marshalStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	return json.Marshal(m)
}
