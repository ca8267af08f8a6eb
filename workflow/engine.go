// Package workflow orchestrates signing workflows: recipient sequencing,
// step submission, notification triggering and the completion pipeline
// that produces the flattened document and audit certificate.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"

	"github.com/signrelay/signrelay/audit"
	"github.com/signrelay/signrelay/blob"
	"github.com/signrelay/signrelay/events"
	"github.com/signrelay/signrelay/fields"
	"github.com/signrelay/signrelay/notify"
	"github.com/signrelay/signrelay/queue"
	"github.com/signrelay/signrelay/storage"
	"github.com/signrelay/signrelay/types"
)

var validate = validator.New()

// AuditCompiler renders the audit certificate for a workflow.
type AuditCompiler interface {
	Compile(wf types.Workflow, recipients []types.Recipient, attachments []types.Attachment) ([]byte, error)
}

// Engine drives workflows through their recipient sequence. All durable
// state lives in the Store; the engine holds only collaborators.
type Engine struct {
	store      storage.Store
	blobs      blob.Store
	generate   generator.Generator
	dispatcher *notify.Dispatcher
	matcher    *fields.Matcher
	auditor    AuditCompiler
	eventBus   *events.EventBus
	broker     queue.Broker
	messages   MessageBuilder
	logger     *slog.Logger
	urlTTL     time.Duration
}

// EngineOption defines functional options for configuring Engine.
type EngineOption func(*Engine)

// WithDispatcher sets the notification dispatcher. Without it the engine
// builds one with no gateways, so nothing is delivered.
func WithDispatcher(d *notify.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.dispatcher = d
	}
}

// WithMatcher sets the field matcher used by the completion pipeline.
func WithMatcher(m *fields.Matcher) EngineOption {
	return func(e *Engine) {
		e.matcher = m
	}
}

// WithAuditCompiler sets the audit certificate compiler.
func WithAuditCompiler(c AuditCompiler) EngineOption {
	return func(e *Engine) {
		e.auditor = c
	}
}

// WithBroker switches the completion pipeline to asynchronous execution:
// the terminal submission enqueues a job instead of rendering inline.
func WithBroker(b queue.Broker) EngineOption {
	return func(e *Engine) {
		e.broker = b
	}
}

// WithMessageBuilder overrides notification subject/body construction.
func WithMessageBuilder(b MessageBuilder) EngineOption {
	return func(e *Engine) {
		e.messages = b
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithDocumentURLTTL sets the expiry of distributed document links.
func WithDocumentURLTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.urlTTL = ttl
	}
}

// NewEngine creates an Engine with the given generator, store and blob
// store. The generator is required; nil stores fall back to the memory
// backends.
func NewEngine(generate generator.Generator, store storage.Store, blobs blob.Store, options ...EngineOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if blobs == nil {
		blobs = blob.NewMemoryStore()
	}

	e := &Engine{
		store:    store,
		blobs:    blobs,
		generate: generate,
		matcher:  fields.NewMatcher(),
		auditor:  audit.NewCompiler(),
		eventBus: events.NewEventBus(),
		messages: defaultMessageBuilder{},
		logger:   slog.Default(),
		urlTTL:   24 * time.Hour,
	}
	for _, option := range options {
		option(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = notify.NewDispatcher(store, generate)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Close stops the engine's event bus. In-flight events are drained.
func (e *Engine) Close() {
	e.eventBus.Stop()
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType string, workflowID uint64, data map[string]interface{}) {
	go e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		WorkflowID: workflowID,
		Data:       data,
	})
}

// InitiateRequest starts a workflow routing a source document through the
// given recipient sequence. Recipients sign in slice order.
type InitiateRequest struct {
	SourceDocument string             `json:"source_document" validate:"required"`
	Metadata       map[string]string  `json:"metadata"`
	Recipients     []RecipientRequest `json:"recipients" validate:"required,min=1,dive"`
}

// RecipientRequest declares one party in the sequence.
type RecipientRequest struct {
	Name     string              `json:"name" validate:"required"`
	Email    string              `json:"email" validate:"omitempty,email"`
	Mobile   string              `json:"mobile"`
	Role     types.RecipientRole `json:"role" validate:"omitempty,oneof=signer countersigner other"`
	Delivery types.DeliveryPrefs `json:"delivery"`
}

// RecipientToken pairs a created recipient with its access token.
type RecipientToken struct {
	Name        string `json:"name"`
	Email       string `json:"email,omitempty"`
	OrderIndex  int    `json:"order_index"`
	AccessToken string `json:"access_token"`
}

// InitiateResult identifies the created workflow and its recipients.
type InitiateResult struct {
	WorkflowToken string           `json:"workflow_token"`
	Recipients    []RecipientToken `json:"recipients"`
}

// Initiate creates a workflow with its recipient batch and notifies the
// first recipient. Notification failure does not fail the initiation.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("initiate request: %v: %w", err, types.ErrValidation)
	}

	workflowID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	now := time.Now()
	wf := types.Workflow{
		ID:             workflowID,
		Token:          uuid.NewString(),
		SourceDocument: req.SourceDocument,
		Status:         types.WorkflowActive,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	rcpts := make([]types.Recipient, len(req.Recipients))
	for i, rr := range req.Recipients {
		id, err := e.generate.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate ID: %w", err)
		}
		role := rr.Role
		if role == "" {
			role = types.RoleSigner
		}
		rcpts[i] = types.Recipient{
			ID:          id,
			WorkflowID:  workflowID,
			OrderIndex:  i,
			Name:        rr.Name,
			Email:       rr.Email,
			Mobile:      rr.Mobile,
			Role:        role,
			AccessToken: uuid.NewString(),
			Status:      types.RecipientPending,
			Delivery:    rr.Delivery,
		}
	}

	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	if err := e.store.AddRecipients(ctx, rcpts); err != nil {
		return nil, fmt.Errorf("add recipients: %w", err)
	}

	e.publishEvent(ctx, events.TypeWorkflowStarted, workflowID, map[string]interface{}{
		"token":      wf.Token,
		"recipients": len(rcpts),
	})
	e.notifyStepReady(ctx, wf, rcpts[0])

	result := &InitiateResult{WorkflowToken: wf.Token, Recipients: make([]RecipientToken, len(rcpts))}
	for i, r := range rcpts {
		result.Recipients[i] = RecipientToken{
			Name:        r.Name,
			Email:       r.Email,
			OrderIndex:  r.OrderIndex,
			AccessToken: r.AccessToken,
		}
	}
	return result, nil
}

// RecipientSummary describes the recipient a workflow advanced to.
type RecipientSummary struct {
	Name       string              `json:"name"`
	Email      string              `json:"email,omitempty"`
	OrderIndex int                 `json:"order_index"`
	Role       types.RecipientRole `json:"role"`
}

// SubmitResult reports the outcome of a step submission.
type SubmitResult struct {
	Accepted          bool              `json:"accepted"`
	WorkflowCompleted bool              `json:"workflow_completed"`
	Next              *RecipientSummary `json:"next,omitempty"`
}

// SubmitStep records a recipient's submission and advances the workflow.
// The recipient transition is a single conditional write: re-submission
// fails with types.ErrAlreadySubmitted, submission ahead of an earlier
// pending recipient with types.ErrOutOfTurn. When the last recipient
// submits, exactly one caller transitions the workflow to completed and
// runs (or enqueues) the completion pipeline; pipeline failures are
// logged, never surfaced to the submitter.
func (e *Engine) SubmitStep(ctx context.Context, token string, formData map[string]any) (*SubmitResult, error) {
	r, err := e.store.RecipientByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := e.store.CompleteRecipient(ctx, r.ID, formData, time.Now()); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, events.TypeRecipientCompleted, r.WorkflowID, map[string]interface{}{
		"recipient_id": r.ID,
		"order_index":  r.OrderIndex,
	})

	next, err := e.store.NextPendingRecipient(ctx, r.WorkflowID, r.OrderIndex)
	if err == nil {
		wf, wfErr := e.store.WorkflowByID(ctx, r.WorkflowID)
		if wfErr != nil {
			e.logger.Error("load workflow for step notification failed",
				"workflow_id", r.WorkflowID, "error", wfErr)
		} else {
			e.notifyStepReady(ctx, wf, next)
		}
		return &SubmitResult{
			Accepted: true,
			Next: &RecipientSummary{
				Name:       next.Name,
				Email:      next.Email,
				OrderIndex: next.OrderIndex,
				Role:       next.Role,
			},
		}, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("find next recipient: %w", err)
	}

	// Last step. Exactly one submission wins the active -> completed
	// transition and triggers the pipeline.
	won, err := e.store.CompleteWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("complete workflow: %w", err)
	}
	if won {
		e.publishEvent(ctx, events.TypeWorkflowCompleted, r.WorkflowID, map[string]interface{}{
			"last_order_index": r.OrderIndex,
		})
		e.startCompletion(ctx, r.WorkflowID)
	}
	return &SubmitResult{Accepted: true, WorkflowCompleted: true}, nil
}

// SaveProgress merges form data into a pending recipient's stored draft
// without completing the step.
func (e *Engine) SaveProgress(ctx context.Context, token string, formData map[string]any) error {
	if len(formData) == 0 {
		return fmt.Errorf("no form data to save: %w", types.ErrValidation)
	}
	r, err := e.store.RecipientByToken(ctx, token)
	if err != nil {
		return err
	}
	return e.store.UpdateRecipientFormData(ctx, r.ID, formData)
}

// Snapshot is the full observable state of a workflow.
type Snapshot struct {
	Workflow      types.Workflow       `json:"workflow"`
	Recipients    []types.Recipient    `json:"recipients"`
	Attachments   []types.Attachment   `json:"attachments,omitempty"`
	Notifications []types.Notification `json:"notifications,omitempty"`
}

// GetSnapshot returns a workflow's state, recipients in order, plus the
// attachment list and notification trail.
func (e *Engine) GetSnapshot(ctx context.Context, workflowToken string) (*Snapshot, error) {
	wf, err := e.store.WorkflowByToken(ctx, workflowToken)
	if err != nil {
		return nil, err
	}
	rcpts, err := e.store.RecipientsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	atts, err := e.store.AttachmentsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load attachments: %w", err)
	}
	trail, err := e.store.NotificationsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, fmt.Errorf("load notifications: %w", err)
	}
	return &Snapshot{Workflow: wf, Recipients: rcpts, Attachments: atts, Notifications: trail}, nil
}

// StepContext tells a recipient where they stand in the sequence.
type StepContext struct {
	WorkflowToken string                `json:"workflow_token"`
	Position      int                   `json:"position"` // 1-based
	Total         int                   `json:"total"`
	IsLast        bool                  `json:"is_last"`
	Status        types.RecipientStatus `json:"status"`
	Name          string                `json:"name"`
}

// RecipientContext resolves an access token into the recipient's position
// in its workflow.
func (e *Engine) RecipientContext(ctx context.Context, token string) (*StepContext, error) {
	r, err := e.store.RecipientByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.WorkflowByID(ctx, r.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	rcpts, err := e.store.RecipientsByWorkflow(ctx, r.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	position := 0
	for i, rr := range rcpts {
		if rr.ID == r.ID {
			position = i + 1
			break
		}
	}
	return &StepContext{
		WorkflowToken: wf.Token,
		Position:      position,
		Total:         len(rcpts),
		IsLast:        position == len(rcpts),
		Status:        r.Status,
		Name:          r.Name,
	}, nil
}

// AddAttachment stores an uploaded file and records it against the
// recipient's workflow. Attachments only surface in the audit manifest.
func (e *Engine) AddAttachment(ctx context.Context, token, name, contentType string, data []byte) (*types.Attachment, error) {
	if name == "" || len(data) == 0 {
		return nil, fmt.Errorf("attachment needs a name and content: %w", types.ErrValidation)
	}
	r, err := e.store.RecipientByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}
	att := types.Attachment{
		ID:          id,
		WorkflowID:  r.WorkflowID,
		RecipientID: r.ID,
		Name:        name,
		Key:         attachmentKey(r.WorkflowID, id, name),
		Size:        int64(len(data)),
		ContentType: contentType,
		UploadedBy:  r.Name,
	}
	if err := e.blobs.Put(ctx, att.Key, data, contentType); err != nil {
		return nil, fmt.Errorf("store attachment: %w", err)
	}
	if err := e.store.AddAttachment(ctx, att); err != nil {
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	return &att, nil
}

// notifyStepReady tells a recipient their step is ready, on every channel
// they can receive. Best-effort: failure is recorded and logged only.
func (e *Engine) notifyStepReady(ctx context.Context, wf types.Workflow, r types.Recipient) {
	subject, body := e.messages.StepReady(wf, r)
	if err := e.dispatcher.NotifyRecipient(ctx, r, subject, body); err != nil {
		e.logger.Warn("step-ready notification failed",
			"workflow_id", wf.ID, "recipient_id", r.ID, "error", err)
		e.publishEvent(ctx, events.TypeNotificationFailed, wf.ID, map[string]interface{}{
			"recipient_id": r.ID,
			"error":        err.Error(),
		})
	}
}
