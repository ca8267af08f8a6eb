package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signrelay/signrelay/events"
	"github.com/signrelay/signrelay/notify"
	"github.com/signrelay/signrelay/queue"
	"github.com/signrelay/signrelay/types"
)

type failingAuditor struct{}

func (failingAuditor) Compile(types.Workflow, []types.Recipient, []types.Attachment) ([]byte, error) {
	return nil, errors.New("renderer out of memory")
}

func TestAuditFailureKeepsCompletedDocument(t *testing.T) {
	env := newTestEnv(t, WithAuditCompiler(failingAuditor{}))
	res := env.initiate(t, 1)
	ctx := context.Background()

	// The submitter never sees pipeline errors.
	out, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, map[string]any{"full_name": "Ada"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.WorkflowCompleted {
		t.Fatal("expected workflow completion")
	}

	wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if wf.Status != types.WorkflowCompleted {
		t.Errorf("workflow status %q", wf.Status)
	}
	if wf.CompletedDocument == "" {
		t.Error("completed document ref lost to audit failure")
	}
	if wf.AuditDocument != "" {
		t.Errorf("audit ref recorded despite failure: %q", wf.AuditDocument)
	}
}

func TestDocumentFailureStillRendersAudit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.blobs.Put(ctx, "templates/broken.json", []byte("not a template"), "application/json"); err != nil {
		t.Fatalf("seed broken template: %v", err)
	}

	res, err := env.engine.Initiate(ctx, InitiateRequest{
		SourceDocument: "templates/broken.json",
		Recipients:     []RecipientRequest{{Name: "Ada", Email: "ada@example.com"}},
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if wf.Status != types.WorkflowCompleted {
		t.Errorf("workflow status %q", wf.Status)
	}
	if wf.CompletedDocument != "" {
		t.Errorf("completed document ref recorded despite failure: %q", wf.CompletedDocument)
	}
	if wf.AuditDocument == "" {
		t.Error("audit certificate should render independently of the document")
	}
}

func TestDistributionHonorsPreferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.engine.Initiate(ctx, InitiateRequest{
		SourceDocument: templateKey,
		Recipients: []RecipientRequest{
			{Name: "Ada", Email: "ada@example.com",
				Delivery: types.DeliveryPrefs{CompletedDocument: true, AuditCertificate: true}},
			{Name: "Bob", Email: "bob@example.com"},
			{Name: "Cleo", Email: "cleo@example.com",
				Delivery: types.DeliveryPrefs{CompletedDocument: true}},
		},
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	for _, r := range res.Recipients {
		if _, err := env.engine.SubmitStep(ctx, r.AccessToken, nil); err != nil {
			t.Fatalf("submit for %s: %v", r.Name, err)
		}
	}

	invites := 0
	byAddress := make(map[string][]notify.Message)
	for _, msg := range env.gateway.messages() {
		if msg.Subject == "Your signature is requested" {
			invites++
			continue
		}
		byAddress[msg.Address] = append(byAddress[msg.Address], msg)
	}
	if invites != 3 {
		t.Errorf("expected 3 step invites, got %d", invites)
	}
	if got := len(byAddress["ada@example.com"]); got != 2 {
		t.Errorf("ada should receive document and certificate, got %d messages", got)
	}
	if got := len(byAddress["bob@example.com"]); got != 0 {
		t.Errorf("bob opted out but received %d messages", got)
	}
	if got := len(byAddress["cleo@example.com"]); got != 1 {
		t.Errorf("cleo should receive the document only, got %d messages", got)
	}
	for _, msg := range byAddress["ada@example.com"] {
		if !strings.Contains(msg.Body, "memory://workflows/") {
			t.Errorf("distribution body missing artifact link: %q", msg.Body)
		}
	}
}

func TestRegenerateGuards(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 1)
	ctx := context.Background()

	if err := env.engine.Regenerate(ctx, res.WorkflowToken); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for active workflow, got %v", err)
	}
	if err := env.engine.Regenerate(ctx, "no-such-workflow"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegenerateRestoresDocuments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.blobs.Put(ctx, "templates/flaky.json", []byte("garbage"), "application/json"); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	res, err := env.engine.Initiate(ctx, InitiateRequest{
		SourceDocument: "templates/flaky.json",
		Recipients:     []RecipientRequest{{Name: "Ada", Email: "ada@example.com"}},
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if wf.CompletedDocument != "" {
		t.Fatal("expected first render to fail")
	}

	// Repair the template and rerun the pipeline on demand.
	if err := env.blobs.Put(ctx, "templates/flaky.json", []byte(templateJSON), "application/json"); err != nil {
		t.Fatalf("repair template: %v", err)
	}
	if err := env.engine.Regenerate(ctx, res.WorkflowToken); err != nil {
		t.Fatalf("Regenerate failed: %v", err)
	}

	wf, err = env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("reload workflow: %v", err)
	}
	if wf.CompletedDocument == "" || wf.AuditDocument == "" {
		t.Fatalf("document refs not restored: %+v", wf)
	}
	if _, err := env.blobs.Get(ctx, wf.CompletedDocument); err != nil {
		t.Errorf("regenerated document missing: %v", err)
	}
}

func TestAsyncCompletionWorker(t *testing.T) {
	broker := queue.NewMemoryBroker(4)
	env := newTestEnv(t, WithBroker(broker))
	res := env.initiate(t, 1)
	ctx := context.Background()

	out, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, map[string]any{"full_name": "Ada"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.WorkflowCompleted {
		t.Fatal("expected workflow completion")
	}

	// With a broker installed the pipeline runs on a worker, not inline.
	wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if wf.CompletedDocument != "" {
		t.Fatal("pipeline ran inline despite broker")
	}

	worker := NewWorker(env.engine, broker)
	worker.Start(ctx)
	defer worker.Stop()

	waitFor(t, 2*time.Second, func() bool {
		wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
		return err == nil && wf.CompletedDocument != "" && wf.AuditDocument != ""
	})
}

func TestCompletionEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := events.EventHandlerFunc(func(_ context.Context, ev events.Event) error {
		mu.Lock()
		seen[ev.Type]++
		mu.Unlock()
		return nil
	})
	for _, typ := range []string{
		events.TypeWorkflowStarted,
		events.TypeRecipientCompleted,
		events.TypeWorkflowCompleted,
		events.TypeDocumentGenerated,
		events.TypeAuditGenerated,
		events.TypeDistributionSent,
	} {
		env.engine.SubscribeEvent(typ, handler)
	}

	res, err := env.engine.Initiate(ctx, InitiateRequest{
		SourceDocument: templateKey,
		Recipients: []RecipientRequest{{
			Name:     "Ada",
			Email:    "ada@example.com",
			Delivery: types.DeliveryPrefs{CompletedDocument: true},
		}},
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if _, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[events.TypeWorkflowStarted] == 1 &&
			seen[events.TypeRecipientCompleted] == 1 &&
			seen[events.TypeWorkflowCompleted] == 1 &&
			seen[events.TypeDocumentGenerated] == 1 &&
			seen[events.TypeAuditGenerated] == 1 &&
			seen[events.TypeDistributionSent] == 1
	})
}
