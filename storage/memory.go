package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signrelay/signrelay/types"
)

// MemoryStore is an in-memory implementation of the Store interface.
// All conditional writes run under one mutex, so the check-and-set
// operations are atomic without any backend support.
type MemoryStore struct {
	mu              sync.RWMutex
	workflows       map[uint64]types.Workflow
	workflowTokens  map[string]uint64
	recipients      map[uint64]types.Recipient
	recipientTokens map[string]uint64
	attachments     map[uint64]types.Attachment
	notifications   map[uint64]types.Notification
}

// NewMemoryStore creates a new in-memory store instance.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:       make(map[uint64]types.Workflow),
		workflowTokens:  make(map[string]uint64),
		recipients:      make(map[uint64]types.Recipient),
		recipientTokens: make(map[string]uint64),
		attachments:     make(map[uint64]types.Attachment),
		notifications:   make(map[uint64]types.Notification),
	}
}

func (m *MemoryStore) CreateWorkflow(ctx context.Context, wf types.Workflow) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if _, ok := m.workflows[wf.ID]; ok {
			return fmt.Errorf("workflow %d already exists: %w", wf.ID, types.ErrValidation)
		}
		if _, ok := m.workflowTokens[wf.Token]; ok {
			return fmt.Errorf("workflow token %q already exists: %w", wf.Token, types.ErrValidation)
		}
		m.workflows[wf.ID] = cloneWorkflow(wf)
		m.workflowTokens[wf.Token] = wf.ID
		return nil
	})
}

func (m *MemoryStore) WorkflowByToken(ctx context.Context, token string) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		id, ok := m.workflowTokens[token]
		if !ok {
			return types.Workflow{}, fmt.Errorf("workflow token %q: %w", token, types.ErrNotFound)
		}
		return cloneWorkflow(m.workflows[id]), nil
	})
}

func (m *MemoryStore) WorkflowByID(ctx context.Context, id uint64) (types.Workflow, error) {
	return withContext(ctx, func() (types.Workflow, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		wf, ok := m.workflows[id]
		if !ok {
			return types.Workflow{}, fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
		}
		return cloneWorkflow(wf), nil
	})
}

func (m *MemoryStore) CompleteWorkflow(ctx context.Context, id uint64) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		wf, ok := m.workflows[id]
		if !ok {
			return false, fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
		}
		if wf.Status != types.WorkflowActive {
			return false, nil
		}
		wf.Status = types.WorkflowCompleted
		wf.UpdatedAt = time.Now()
		m.workflows[id] = wf
		return true, nil
	})
}

func (m *MemoryStore) PurgeWorkflow(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		wf, ok := m.workflows[id]
		if !ok {
			return fmt.Errorf("workflow %d: %w", id, types.ErrNotFound)
		}
		delete(m.workflows, id)
		delete(m.workflowTokens, wf.Token)
		for rid, r := range m.recipients {
			if r.WorkflowID == id {
				delete(m.recipients, rid)
				delete(m.recipientTokens, r.AccessToken)
			}
		}
		for aid, a := range m.attachments {
			if a.WorkflowID == id {
				delete(m.attachments, aid)
			}
		}
		for nid, n := range m.notifications {
			if n.WorkflowID == id {
				delete(m.notifications, nid)
			}
		}
		return nil
	})
}

func (m *MemoryStore) AddRecipients(ctx context.Context, rcpts []types.Recipient) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, r := range rcpts {
			if _, ok := m.recipientTokens[r.AccessToken]; ok {
				return fmt.Errorf("recipient token already exists: %w", types.ErrValidation)
			}
		}
		for _, r := range rcpts {
			m.recipients[r.ID] = cloneRecipient(r)
			m.recipientTokens[r.AccessToken] = r.ID
		}
		return nil
	})
}

func (m *MemoryStore) RecipientByToken(ctx context.Context, token string) (types.Recipient, error) {
	return withContext(ctx, func() (types.Recipient, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		id, ok := m.recipientTokens[token]
		if !ok {
			return types.Recipient{}, fmt.Errorf("recipient token %q: %w", token, types.ErrNotFound)
		}
		return cloneRecipient(m.recipients[id]), nil
	})
}

func (m *MemoryStore) RecipientsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Recipient, error) {
	return withContext(ctx, func() ([]types.Recipient, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		var out []types.Recipient
		for _, r := range m.recipients {
			if r.WorkflowID == workflowID {
				out = append(out, cloneRecipient(r))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
		return out, nil
	})
}

func (m *MemoryStore) UpdateRecipientFormData(ctx context.Context, recipientID uint64, data map[string]any) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		r, ok := m.recipients[recipientID]
		if !ok {
			return fmt.Errorf("recipient %d: %w", recipientID, types.ErrNotFound)
		}
		if r.Status != types.RecipientPending {
			return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
		}
		r.FormData = types.MergeFormData(r.FormData, data)
		m.recipients[recipientID] = r
		return nil
	})
}

func (m *MemoryStore) CompleteRecipient(ctx context.Context, recipientID uint64, data map[string]any, at time.Time) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		r, ok := m.recipients[recipientID]
		if !ok {
			return fmt.Errorf("recipient %d: %w", recipientID, types.ErrNotFound)
		}
		if r.Status != types.RecipientPending {
			return fmt.Errorf("recipient %d: %w", recipientID, types.ErrAlreadySubmitted)
		}
		for _, other := range m.recipients {
			if other.WorkflowID == r.WorkflowID &&
				other.OrderIndex < r.OrderIndex &&
				other.Status == types.RecipientPending {
				return fmt.Errorf("recipient %d waits on order %d: %w", recipientID, other.OrderIndex, types.ErrOutOfTurn)
			}
		}
		r.FormData = types.MergeFormData(r.FormData, data)
		r.Status = types.RecipientCompleted
		submitted := at
		r.SubmittedAt = &submitted
		m.recipients[recipientID] = r
		return nil
	})
}

func (m *MemoryStore) NextPendingRecipient(ctx context.Context, workflowID uint64, afterOrder int) (types.Recipient, error) {
	return withContext(ctx, func() (types.Recipient, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		var next types.Recipient
		found := false
		for _, r := range m.recipients {
			if r.WorkflowID != workflowID || r.Status != types.RecipientPending || r.OrderIndex <= afterOrder {
				continue
			}
			if !found || r.OrderIndex < next.OrderIndex {
				next = r
				found = true
			}
		}
		if !found {
			return types.Recipient{}, fmt.Errorf("no pending recipient after order %d: %w", afterOrder, types.ErrNotFound)
		}
		return cloneRecipient(next), nil
	})
}

func (m *MemoryStore) SetCompletedDocument(ctx context.Context, workflowID uint64, key string) error {
	return m.setDocumentKey(ctx, workflowID, key, false)
}

func (m *MemoryStore) SetAuditDocument(ctx context.Context, workflowID uint64, key string) error {
	return m.setDocumentKey(ctx, workflowID, key, true)
}

func (m *MemoryStore) setDocumentKey(ctx context.Context, workflowID uint64, key string, audit bool) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		wf, ok := m.workflows[workflowID]
		if !ok {
			return fmt.Errorf("workflow %d: %w", workflowID, types.ErrNotFound)
		}
		if audit {
			wf.AuditDocument = key
		} else {
			wf.CompletedDocument = key
		}
		wf.UpdatedAt = time.Now()
		m.workflows[workflowID] = wf
		return nil
	})
}

func (m *MemoryStore) AddAttachment(ctx context.Context, att types.Attachment) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if _, ok := m.workflows[att.WorkflowID]; !ok {
			return fmt.Errorf("workflow %d: %w", att.WorkflowID, types.ErrNotFound)
		}
		m.attachments[att.ID] = att
		return nil
	})
}

func (m *MemoryStore) AttachmentsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Attachment, error) {
	return withContext(ctx, func() ([]types.Attachment, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		var out []types.Attachment
		for _, a := range m.attachments {
			if a.WorkflowID == workflowID {
				out = append(out, a)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func (m *MemoryStore) RecordNotification(ctx context.Context, n types.Notification) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		m.notifications[n.ID] = n
		return nil
	})
}

func (m *MemoryStore) UpdateNotification(ctx context.Context, id uint64, status types.NotificationStatus, externalID, dispatchErr string) error {
	return withContextError(ctx, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		n, ok := m.notifications[id]
		if !ok {
			return fmt.Errorf("notification %d: %w", id, types.ErrNotFound)
		}
		n.Status = status
		n.ExternalID = externalID
		n.Error = dispatchErr
		m.notifications[id] = n
		return nil
	})
}

func (m *MemoryStore) NotificationsByWorkflow(ctx context.Context, workflowID uint64) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		var out []types.Notification
		for _, n := range m.notifications {
			if n.WorkflowID == workflowID {
				out = append(out, n)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func cloneWorkflow(wf types.Workflow) types.Workflow {
	if wf.Metadata != nil {
		md := make(map[string]string, len(wf.Metadata))
		for k, v := range wf.Metadata {
			md[k] = v
		}
		wf.Metadata = md
	}
	return wf
}

func cloneRecipient(r types.Recipient) types.Recipient {
	if r.FormData != nil {
		data := make(map[string]any, len(r.FormData))
		for k, v := range r.FormData {
			data[k] = v
		}
		r.FormData = data
	}
	if r.SubmittedAt != nil {
		at := *r.SubmittedAt
		r.SubmittedAt = &at
	}
	return r
}
