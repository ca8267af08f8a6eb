package workflow

import (
	"fmt"

	"github.com/signrelay/signrelay/types"
)

// MessageBuilder renders notification subjects and bodies. Template
// rendering lives outside the core; implementations return plain strings.
type MessageBuilder interface {
	// StepReady announces to a recipient that their step is ready.
	StepReady(wf types.Workflow, r types.Recipient) (subject, body string)

	// CompletedDocument offers a recipient the completed document link.
	CompletedDocument(wf types.Workflow, r types.Recipient, url string) (subject, body string)

	// AuditCertificate offers a recipient the audit certificate link.
	AuditCertificate(wf types.Workflow, r types.Recipient, url string) (subject, body string)
}

type defaultMessageBuilder struct{}

func (defaultMessageBuilder) StepReady(_ types.Workflow, r types.Recipient) (string, string) {
	subject := "Your signature is requested"
	body := fmt.Sprintf("Hello %s, a document is waiting for you. Use access code %s to open your step.",
		r.Name, r.AccessToken)
	return subject, body
}

func (defaultMessageBuilder) CompletedDocument(_ types.Workflow, r types.Recipient, url string) (string, string) {
	subject := "Your document is complete"
	body := fmt.Sprintf("Hello %s, all parties have finished. Download the completed document: %s",
		r.Name, url)
	return subject, body
}

func (defaultMessageBuilder) AuditCertificate(_ types.Workflow, r types.Recipient, url string) (string, string) {
	subject := "Audit certificate available"
	body := fmt.Sprintf("Hello %s, the audit certificate for your document is ready: %s",
		r.Name, url)
	return subject, body
}
