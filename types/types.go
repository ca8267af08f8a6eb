package types

import "time"

// WorkflowStatus is the lifecycle state of a signing workflow.
type WorkflowStatus string

const (
	// WorkflowActive means at least one recipient has not submitted yet.
	WorkflowActive WorkflowStatus = "active"
	// WorkflowCompleted is terminal: every recipient has submitted.
	WorkflowCompleted WorkflowStatus = "completed"
)

// RecipientStatus is the per-recipient substate within a workflow.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientCompleted RecipientStatus = "completed"
)

// RecipientRole classifies a recipient's part in the sequence.
type RecipientRole string

const (
	RoleSigner        RecipientRole = "signer"
	RoleCountersigner RecipientRole = "countersigner"
	RoleOther         RecipientRole = "other"
)

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationStatus tracks a single outbound dispatch attempt.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Workflow is one instance of a document routed through an ordered list of
// recipients. SourceDocument, CompletedDocument and AuditDocument are blob
// store keys; CompletedDocument and AuditDocument stay empty until the
// completion pipeline has produced them.
type Workflow struct {
	ID                uint64            `json:"id"`
	Token             string            `json:"token"`
	SourceDocument    string            `json:"source_document"`
	Status            WorkflowStatus    `json:"status"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CompletedDocument string            `json:"completed_document,omitempty"`
	AuditDocument     string            `json:"audit_document,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DeliveryPrefs controls which final artifacts a recipient receives once
// the workflow completes.
type DeliveryPrefs struct {
	CompletedDocument bool `json:"completed_document"`
	AuditCertificate  bool `json:"audit_certificate"`
}

// Recipient is one party in a workflow's sequence. OrderIndex is 0-based
// and unique per workflow; recipients submit strictly in OrderIndex order.
// AccessToken is the only identifier ever exposed to the party itself.
type Recipient struct {
	ID          uint64          `json:"id"`
	WorkflowID  uint64          `json:"workflow_id"`
	OrderIndex  int             `json:"order_index"`
	Name        string          `json:"name"`
	Email       string          `json:"email,omitempty"`
	Mobile      string          `json:"mobile,omitempty"`
	Role        RecipientRole   `json:"role"`
	AccessToken string          `json:"-"`
	Status      RecipientStatus `json:"status"`
	FormData    map[string]any  `json:"form_data,omitempty"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	Delivery    DeliveryPrefs   `json:"delivery"`
}

// Attachment is a side artifact uploaded during a workflow. It never drives
// the state machine; only the audit certificate consumes it. RecipientID is
// zero for workflow-level uploads.
type Attachment struct {
	ID          uint64 `json:"id"`
	WorkflowID  uint64 `json:"workflow_id"`
	RecipientID uint64 `json:"recipient_id,omitempty"`
	Name        string `json:"name"`
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	UploadedBy  string `json:"uploaded_by"`
}

// Notification is the observational record of one outbound dispatch:
// written once as pending, updated once to sent or failed. It is never read
// back into control flow.
type Notification struct {
	ID          uint64             `json:"id"`
	WorkflowID  uint64             `json:"workflow_id"`
	RecipientID uint64             `json:"recipient_id,omitempty"`
	Channel     Channel            `json:"channel"`
	Address     string             `json:"address"`
	Subject     string             `json:"subject,omitempty"`
	Status      NotificationStatus `json:"status"`
	ExternalID  string             `json:"external_id,omitempty"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}
