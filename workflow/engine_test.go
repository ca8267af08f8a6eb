package workflow

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/signrelay/signrelay/blob"
	"github.com/signrelay/signrelay/notify"
	"github.com/signrelay/signrelay/storage"
	"github.com/signrelay/signrelay/types"
)

const templateKey = "templates/nda.json"

const templateJSON = `{
	"title": "Mutual NDA",
	"pages": [{"number": 1, "width": 612, "height": 792}],
	"fields": [
		{"name": "full_name", "type": "text", "page": 1, "rect": {"x": 72, "y": 680, "w": 180, "h": 18}},
		{"name": "agree", "type": "checkbox", "page": 1, "rect": {"x": 72, "y": 640, "w": 12, "h": 12}},
		{"name": "kbup", "type": "text", "page": 1, "rect": {"x": 72, "y": 610, "w": 120, "h": 18}},
		{"name": "signature_1", "type": "signature", "page": 1, "rect": {"x": 72, "y": 540, "w": 160, "h": 48}}
	]
}`

type fakeGateway struct {
	mu    sync.Mutex
	calls []notify.Message
}

func (g *fakeGateway) Dispatch(_ context.Context, msg notify.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, msg)
	return fmt.Sprintf("ext-%d", len(g.calls)), nil
}

func (g *fakeGateway) messages() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.calls...)
}

type testEnv struct {
	engine  *Engine
	store   *storage.MemoryStore
	blobs   blob.Store
	gateway *fakeGateway
}

func newTestEnv(t *testing.T, options ...EngineOption) *testEnv {
	t.Helper()
	return newTestEnvWithBlobs(t, blob.NewMemoryStore(), options...)
}

func newTestEnvWithBlobs(t *testing.T, blobs blob.Store, options ...EngineOption) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	gateway := &fakeGateway{}
	snowflake := generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	dispatcher := notify.NewDispatcher(store, snowflake,
		notify.WithGateway(types.ChannelEmail, gateway))

	if err := blobs.Put(context.Background(), templateKey, []byte(templateJSON), "application/json"); err != nil {
		t.Fatalf("seed template: %v", err)
	}

	options = append([]EngineOption{WithDispatcher(dispatcher)}, options...)
	engine, err := NewEngine(snowflake, store, blobs, options...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	t.Cleanup(engine.Close)
	return &testEnv{engine: engine, store: store, blobs: blobs, gateway: gateway}
}

// initiate starts a workflow with n emailed recipients and no delivery
// preferences.
func (env *testEnv) initiate(t *testing.T, n int) *InitiateResult {
	t.Helper()
	req := InitiateRequest{SourceDocument: templateKey, Recipients: make([]RecipientRequest, n)}
	for i := range req.Recipients {
		req.Recipients[i] = RecipientRequest{
			Name:  fmt.Sprintf("Recipient %d", i),
			Email: fmt.Sprintf("r%d@example.com", i),
		}
	}
	res, err := env.engine.Initiate(context.Background(), req)
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	return res
}

func pngURI(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 16))
	for x := 0; x < 40; x++ {
		img.Set(x, 8, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestInitiateCreatesSequence(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 3)

	if res.WorkflowToken == "" {
		t.Fatal("expected a workflow token")
	}
	if len(res.Recipients) != 3 {
		t.Fatalf("expected 3 recipient tokens, got %d", len(res.Recipients))
	}
	tokens := make(map[string]bool)
	for i, r := range res.Recipients {
		if r.OrderIndex != i {
			t.Errorf("recipient %d has order index %d", i, r.OrderIndex)
		}
		if r.AccessToken == "" || tokens[r.AccessToken] {
			t.Errorf("recipient %d has missing or duplicate access token", i)
		}
		tokens[r.AccessToken] = true
	}

	snap, err := env.engine.GetSnapshot(context.Background(), res.WorkflowToken)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Workflow.Status != types.WorkflowActive {
		t.Errorf("expected active workflow, got %q", snap.Workflow.Status)
	}
	for i, r := range snap.Recipients {
		if r.Status != types.RecipientPending {
			t.Errorf("recipient %d not pending: %q", i, r.Status)
		}
		if r.OrderIndex != i {
			t.Errorf("recipient %d stored with order index %d", i, r.OrderIndex)
		}
		if r.Role != types.RoleSigner {
			t.Errorf("recipient %d role not defaulted: %q", i, r.Role)
		}
	}

	// Only the first recipient is invited at initiation.
	msgs := env.gateway.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(msgs))
	}
	if msgs[0].Address != "r0@example.com" {
		t.Errorf("invite went to %q", msgs[0].Address)
	}
}

func TestInitiateValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		req  InitiateRequest
	}{
		{"missing source document", InitiateRequest{
			Recipients: []RecipientRequest{{Name: "Ada"}},
		}},
		{"no recipients", InitiateRequest{SourceDocument: templateKey}},
		{"unnamed recipient", InitiateRequest{
			SourceDocument: templateKey,
			Recipients:     []RecipientRequest{{Email: "ada@example.com"}},
		}},
		{"bad email", InitiateRequest{
			SourceDocument: templateKey,
			Recipients:     []RecipientRequest{{Name: "Ada", Email: "not-an-address"}},
		}},
		{"bad role", InitiateRequest{
			SourceDocument: templateKey,
			Recipients:     []RecipientRequest{{Name: "Ada", Role: "approver"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.engine.Initiate(context.Background(), tt.req); !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSubmitAdvancesSequence(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 3)
	ctx := context.Background()

	out, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, map[string]any{"full_name": "Ada Lovelace"})
	if err != nil {
		t.Fatalf("submit first step: %v", err)
	}
	if !out.Accepted || out.WorkflowCompleted {
		t.Fatalf("unexpected result after first step: %+v", out)
	}
	if out.Next == nil || out.Next.OrderIndex != 1 {
		t.Fatalf("expected advancement to order 1, got %+v", out.Next)
	}
	if msgs := env.gateway.messages(); len(msgs) != 2 || msgs[1].Address != "r1@example.com" {
		t.Fatalf("expected step-ready notification to r1, got %d messages", len(msgs))
	}

	out, err = env.engine.SubmitStep(ctx, res.Recipients[1].AccessToken, map[string]any{"agree": "yes"})
	if err != nil {
		t.Fatalf("submit second step: %v", err)
	}
	if out.Next == nil || out.Next.OrderIndex != 2 {
		t.Fatalf("expected advancement to order 2, got %+v", out.Next)
	}

	out, err = env.engine.SubmitStep(ctx, res.Recipients[2].AccessToken, map[string]any{"signature_1": pngURI(t)})
	if err != nil {
		t.Fatalf("submit final step: %v", err)
	}
	if !out.WorkflowCompleted || out.Next != nil {
		t.Fatalf("expected workflow completion, got %+v", out)
	}

	// No fourth invite after the last step.
	if msgs := env.gateway.messages(); len(msgs) != 3 {
		t.Fatalf("expected 3 step-ready notifications, got %d", len(msgs))
	}

	snap, err := env.engine.GetSnapshot(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if snap.Workflow.Status != types.WorkflowCompleted {
		t.Errorf("workflow status %q", snap.Workflow.Status)
	}
	if snap.Workflow.CompletedDocument == "" || snap.Workflow.AuditDocument == "" {
		t.Fatalf("document refs missing: %+v", snap.Workflow)
	}
	for _, key := range []string{snap.Workflow.CompletedDocument, snap.Workflow.AuditDocument} {
		data, err := env.blobs.Get(ctx, key)
		if err != nil {
			t.Fatalf("artifact %q missing: %v", key, err)
		}
		if !bytes.HasPrefix(data, []byte("%PDF-")) {
			t.Errorf("artifact %q is not a PDF", key)
		}
	}
	for _, r := range snap.Recipients {
		if r.Status != types.RecipientCompleted || r.SubmittedAt == nil {
			t.Errorf("recipient %d not completed: %+v", r.OrderIndex, r)
		}
	}
}

func TestSubmitUnknownToken(t *testing.T) {
	env := newTestEnv(t)
	env.initiate(t, 1)

	if _, err := env.engine.SubmitStep(context.Background(), "no-such-token", nil); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitTwiceRejected(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 2)
	ctx := context.Background()
	token := res.Recipients[0].AccessToken

	if _, err := env.engine.SubmitStep(ctx, token, map[string]any{"full_name": "first"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := env.engine.SubmitStep(ctx, token, map[string]any{"full_name": "second"}); !errors.Is(err, types.ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}

	// The rejected submission must not touch stored form data.
	r, err := env.store.RecipientByToken(ctx, token)
	if err != nil {
		t.Fatalf("load recipient: %v", err)
	}
	if got := r.FormData["full_name"]; got != "first" {
		t.Errorf("form data mutated by rejected submission: %v", got)
	}
}

func TestSubmitOutOfTurn(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 3)
	ctx := context.Background()

	if _, err := env.engine.SubmitStep(ctx, res.Recipients[1].AccessToken, nil); !errors.Is(err, types.ErrOutOfTurn) {
		t.Fatalf("expected ErrOutOfTurn, got %v", err)
	}

	r, err := env.store.RecipientByToken(ctx, res.Recipients[1].AccessToken)
	if err != nil {
		t.Fatalf("load recipient: %v", err)
	}
	if r.Status != types.RecipientPending {
		t.Errorf("out-of-turn recipient transitioned to %q", r.Status)
	}
}

func TestSaveProgress(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 1)
	ctx := context.Background()
	token := res.Recipients[0].AccessToken

	if err := env.engine.SaveProgress(ctx, token, map[string]any{"full_name": "Ada"}); err != nil {
		t.Fatalf("SaveProgress failed: %v", err)
	}
	if err := env.engine.SaveProgress(ctx, token, nil); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for empty save, got %v", err)
	}

	// Draft merges into the final submission.
	if _, err := env.engine.SubmitStep(ctx, token, map[string]any{"agree": true}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r, err := env.store.RecipientByToken(ctx, token)
	if err != nil {
		t.Fatalf("load recipient: %v", err)
	}
	if r.FormData["full_name"] != "Ada" || r.FormData["agree"] != true {
		t.Errorf("merged form data incomplete: %v", r.FormData)
	}

	if err := env.engine.SaveProgress(ctx, token, map[string]any{"late": true}); !errors.Is(err, types.ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted after completion, got %v", err)
	}
}

func TestRecipientContext(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 3)
	ctx := context.Background()

	for i, r := range res.Recipients {
		sc, err := env.engine.RecipientContext(ctx, r.AccessToken)
		if err != nil {
			t.Fatalf("RecipientContext failed: %v", err)
		}
		if sc.Position != i+1 || sc.Total != 3 {
			t.Errorf("recipient %d: position %d of %d", i, sc.Position, sc.Total)
		}
		if sc.IsLast != (i == 2) {
			t.Errorf("recipient %d: IsLast=%v", i, sc.IsLast)
		}
		if sc.WorkflowToken != res.WorkflowToken {
			t.Errorf("recipient %d: workflow token %q", i, sc.WorkflowToken)
		}
	}

	if _, err := env.engine.RecipientContext(ctx, "no-such-token"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddAttachment(t *testing.T) {
	env := newTestEnv(t)
	res := env.initiate(t, 1)
	ctx := context.Background()
	token := res.Recipients[0].AccessToken

	att, err := env.engine.AddAttachment(ctx, token, "passport.jpg", "image/jpeg", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if att.Size != int64(len("jpeg-bytes")) || att.UploadedBy != "Recipient 0" {
		t.Errorf("unexpected attachment record: %+v", att)
	}

	data, err := env.blobs.Get(ctx, att.Key)
	if err != nil || string(data) != "jpeg-bytes" {
		t.Errorf("attachment content not stored: %v", err)
	}

	snap, err := env.engine.GetSnapshot(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("GetSnapshot failed: %v", err)
	}
	if len(snap.Attachments) != 1 || snap.Attachments[0].ID != att.ID {
		t.Errorf("attachment missing from snapshot: %+v", snap.Attachments)
	}

	if _, err := env.engine.AddAttachment(ctx, token, "", "text/plain", []byte("x")); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected ErrValidation for unnamed attachment, got %v", err)
	}
}

type countingBlob struct {
	blob.Store
	mu   sync.Mutex
	puts map[string]int
}

func (c *countingBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	c.mu.Lock()
	c.puts[key]++
	c.mu.Unlock()
	return c.Store.Put(ctx, key, data, contentType)
}

func (c *countingBlob) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.puts[key]
}

func TestTerminalSubmissionRunsPipelineOnce(t *testing.T) {
	counting := &countingBlob{Store: blob.NewMemoryStore(), puts: make(map[string]int)}
	env := newTestEnvWithBlobs(t, counting)
	res := env.initiate(t, 2)
	ctx := context.Background()

	if _, err := env.engine.SubmitStep(ctx, res.Recipients[0].AccessToken, nil); err != nil {
		t.Fatalf("submit first step: %v", err)
	}

	// Race the terminal submission from many goroutines: exactly one may
	// win, and the pipeline must render exactly one document.
	var wins int32
	var wg sync.WaitGroup
	token := res.Recipients[1].AccessToken
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.SubmitStep(ctx, token, map[string]any{"signature_1": "typed"})
			if err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, types.ErrAlreadySubmitted) {
				t.Errorf("unexpected submit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly 1 winning submission, got %d", wins)
	}
	wf, err := env.store.WorkflowByToken(ctx, res.WorkflowToken)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if wf.Status != types.WorkflowCompleted {
		t.Errorf("workflow status %q", wf.Status)
	}
	if got := counting.count(completedDocumentKey(wf.ID)); got != 1 {
		t.Errorf("completed document rendered %d times", got)
	}
	if got := counting.count(auditDocumentKey(wf.ID)); got != 1 {
		t.Errorf("audit certificate rendered %d times", got)
	}
}
