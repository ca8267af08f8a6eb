package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signrelay/signrelay/document"
	"github.com/signrelay/signrelay/events"
	"github.com/signrelay/signrelay/fields"
	"github.com/signrelay/signrelay/notify"
	"github.com/signrelay/signrelay/queue"
	"github.com/signrelay/signrelay/types"
)

const (
	artifactCompletedDocument = "completed_document"
	artifactAuditCertificate  = "audit_certificate"
)

func completedDocumentKey(workflowID uint64) string {
	return fmt.Sprintf("workflows/%d/completed.pdf", workflowID)
}

func auditDocumentKey(workflowID uint64) string {
	return fmt.Sprintf("workflows/%d/audit.pdf", workflowID)
}

func attachmentKey(workflowID, attachmentID uint64, name string) string {
	return fmt.Sprintf("workflows/%d/attachments/%d-%s", workflowID, attachmentID, name)
}

// startCompletion runs the pipeline for a freshly completed workflow,
// inline or through the broker. Only the CompleteWorkflow winner gets
// here, so the pipeline runs at most once per completion.
func (e *Engine) startCompletion(ctx context.Context, workflowID uint64) {
	if e.broker != nil {
		job := queue.Job{
			WorkflowID: workflowID,
			Reason:     queue.ReasonCompletion,
			EnqueuedAt: time.Now(),
		}
		err := e.broker.Enqueue(ctx, job)
		if err == nil {
			return
		}
		e.logger.Error("enqueue completion job failed, running inline",
			"workflow_id", workflowID, "error", err)
	}
	if err := e.runCompletion(ctx, workflowID); err != nil {
		e.logger.Error("completion pipeline failed", "workflow_id", workflowID, "error", err)
	}
}

// ProcessJob runs the completion pipeline for one queued job.
func (e *Engine) ProcessJob(ctx context.Context, job queue.Job) error {
	return e.runCompletion(ctx, job.WorkflowID)
}

// Regenerate re-runs the completion pipeline for a completed workflow.
// This is the operator path for workflows whose documents failed to
// render; unlike the submit path it surfaces pipeline errors.
func (e *Engine) Regenerate(ctx context.Context, workflowToken string) error {
	wf, err := e.store.WorkflowByToken(ctx, workflowToken)
	if err != nil {
		return err
	}
	if wf.Status != types.WorkflowCompleted {
		return fmt.Errorf("workflow %q is still active: %w", workflowToken, types.ErrValidation)
	}
	return e.runCompletion(ctx, wf.ID)
}

// runCompletion produces the completed document, the audit certificate
// and the distribution dispatches. Stages are isolated: a failed stage is
// reported but never reverts the workflow's completed status or an
// artifact another stage already recorded.
func (e *Engine) runCompletion(ctx context.Context, workflowID uint64) error {
	wf, err := e.store.WorkflowByID(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %d: %w", workflowID, err)
	}
	recipients, err := e.store.RecipientsByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load recipients: %w", err)
	}
	attachments, err := e.store.AttachmentsByWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}

	completedKey, docErr := e.generateDocument(ctx, wf, recipients)
	if docErr == nil {
		if err := e.store.SetCompletedDocument(ctx, wf.ID, completedKey); err != nil {
			docErr = fmt.Errorf("record completed document: %v: %w", err, types.ErrDocumentGeneration)
		}
	}
	if docErr != nil {
		completedKey = ""
		e.logger.Error("completed document generation failed", "workflow_id", wf.ID, "error", docErr)
	} else {
		e.publishEvent(ctx, events.TypeDocumentGenerated, wf.ID, map[string]interface{}{
			"key": completedKey,
		})
	}

	auditKey, auditErr := e.generateAudit(ctx, wf, recipients, attachments)
	if auditErr == nil {
		if err := e.store.SetAuditDocument(ctx, wf.ID, auditKey); err != nil {
			auditErr = fmt.Errorf("record audit certificate: %v: %w", err, types.ErrAuditGeneration)
		}
	}
	if auditErr != nil {
		auditKey = ""
		e.logger.Error("audit certificate generation failed", "workflow_id", wf.ID, "error", auditErr)
	} else {
		e.publishEvent(ctx, events.TypeAuditGenerated, wf.ID, map[string]interface{}{
			"key": auditKey,
		})
	}

	e.distribute(ctx, wf, recipients, completedKey, auditKey)

	return errors.Join(docErr, auditErr)
}

// generateDocument merges the recipients' form data onto the source
// template and flattens the result into the blob store.
func (e *Engine) generateDocument(ctx context.Context, wf types.Workflow, recipients []types.Recipient) (string, error) {
	raw, err := e.blobs.Get(ctx, wf.SourceDocument)
	if err != nil {
		return "", fmt.Errorf("load source document %q: %v: %w", wf.SourceDocument, err, types.ErrDocumentGeneration)
	}
	tpl, err := document.ParseTemplate(raw)
	if err != nil {
		return "", fmt.Errorf("parse source document %q: %v: %w", wf.SourceDocument, err, types.ErrDocumentGeneration)
	}

	merged := fields.Merge(recipients)
	filled := e.matcher.Apply(tpl, merged)
	out, err := document.Flatten(filled)
	if err != nil {
		return "", fmt.Errorf("flatten document: %v: %w", err, types.ErrDocumentGeneration)
	}

	key := completedDocumentKey(wf.ID)
	if err := e.blobs.Put(ctx, key, out, "application/pdf"); err != nil {
		return "", fmt.Errorf("store completed document: %v: %w", err, types.ErrDocumentGeneration)
	}
	return key, nil
}

// generateAudit compiles the audit certificate into the blob store.
func (e *Engine) generateAudit(ctx context.Context, wf types.Workflow, recipients []types.Recipient, attachments []types.Attachment) (string, error) {
	out, err := e.auditor.Compile(wf, recipients, attachments)
	if err != nil {
		return "", fmt.Errorf("compile audit certificate: %v: %w", err, types.ErrAuditGeneration)
	}
	key := auditDocumentKey(wf.ID)
	if err := e.blobs.Put(ctx, key, out, "application/pdf"); err != nil {
		return "", fmt.Errorf("store audit certificate: %v: %w", err, types.ErrAuditGeneration)
	}
	return key, nil
}

// distribute emails document links to recipients who asked for them. Only
// artifacts that exist are offered; each dispatch is independent and a
// failure never touches another recipient's delivery.
func (e *Engine) distribute(ctx context.Context, wf types.Workflow, recipients []types.Recipient, completedKey, auditKey string) {
	for _, r := range recipients {
		if r.Email == "" {
			continue
		}
		if r.Delivery.CompletedDocument && completedKey != "" {
			e.deliver(ctx, wf, r, completedKey, artifactCompletedDocument)
		}
		if r.Delivery.AuditCertificate && auditKey != "" {
			e.deliver(ctx, wf, r, auditKey, artifactAuditCertificate)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, wf types.Workflow, r types.Recipient, key, artifact string) {
	url, err := e.blobs.URL(ctx, key, e.urlTTL)
	if err != nil {
		e.logger.Error("document link generation failed",
			"workflow_id", wf.ID, "key", key, "error", err)
		return
	}
	var subject, body string
	if artifact == artifactCompletedDocument {
		subject, body = e.messages.CompletedDocument(wf, r, url)
	} else {
		subject, body = e.messages.AuditCertificate(wf, r, url)
	}
	err = e.dispatcher.Dispatch(ctx, wf.ID, r.ID, notify.Message{
		Channel:       types.ChannelEmail,
		Address:       r.Email,
		Subject:       subject,
		Body:          body,
		CorrelationID: r.AccessToken,
	})
	if err != nil {
		e.logger.Warn("distribution dispatch failed",
			"workflow_id", wf.ID, "recipient_id", r.ID, "artifact", artifact, "error", err)
		e.publishEvent(ctx, events.TypeNotificationFailed, wf.ID, map[string]interface{}{
			"recipient_id": r.ID,
			"artifact":     artifact,
			"error":        err.Error(),
		})
		return
	}
	e.publishEvent(ctx, events.TypeDistributionSent, wf.ID, map[string]interface{}{
		"recipient_id": r.ID,
		"artifact":     artifact,
	})
}
