package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/signrelay/signrelay/storage"
	"github.com/signrelay/signrelay/types"
)

type fakeGateway struct {
	mu    sync.Mutex
	calls []Message
	err   error
}

func (g *fakeGateway) Dispatch(_ context.Context, msg Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, msg)
	if g.err != nil {
		return "", g.err
	}
	return fmt.Sprintf("ext-%d", len(g.calls)), nil
}

func (g *fakeGateway) sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.calls...)
}

func newDispatcher(t *testing.T, options ...DispatcherOption) (*Dispatcher, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	snowflake := generator.NewSnowflake(time.Now().Add(-time.Second), 1)
	return NewDispatcher(store, snowflake, options...), store
}

func TestDispatchRecordsSent(t *testing.T) {
	gw := &fakeGateway{}
	d, store := newDispatcher(t, WithGateway(types.ChannelEmail, gw))

	err := d.Dispatch(context.Background(), 1, 10, Message{
		Channel: types.ChannelEmail,
		Address: "ada@example.com",
		Subject: "Your turn to sign",
		Body:    "Open your signing link.",
	})
	require.NoError(t, err)
	require.Len(t, gw.sent(), 1)

	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, types.NotificationSent, trail[0].Status)
	assert.Equal(t, "ext-1", trail[0].ExternalID)
	assert.Equal(t, types.ChannelEmail, trail[0].Channel)
	assert.Equal(t, "ada@example.com", trail[0].Address)
	assert.Equal(t, uint64(10), trail[0].RecipientID)
	assert.Empty(t, trail[0].Error)
}

func TestDispatchRecordsFailure(t *testing.T) {
	gw := &fakeGateway{err: errors.New("smtp 554")}
	d, store := newDispatcher(t, WithGateway(types.ChannelEmail, gw))

	err := d.Dispatch(context.Background(), 1, 10, Message{
		Channel: types.ChannelEmail,
		Address: "ada@example.com",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotificationDispatch)

	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, types.NotificationFailed, trail[0].Status)
	assert.Contains(t, trail[0].Error, "smtp 554")
	assert.Empty(t, trail[0].ExternalID)
}

func TestDispatchUnroutableChannel(t *testing.T) {
	d, store := newDispatcher(t)

	err := d.Dispatch(context.Background(), 1, 10, Message{Channel: types.ChannelSMS, Address: "+447700900123"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotificationDispatch)

	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestNotifyRecipientFansOut(t *testing.T) {
	email := &fakeGateway{}
	sms := &fakeGateway{}
	d, store := newDispatcher(t,
		WithGateway(types.ChannelEmail, email),
		WithGateway(types.ChannelSMS, sms),
	)

	r := types.Recipient{
		ID: 10, WorkflowID: 1,
		Email: "ada@example.com", Mobile: "+447700900123",
		AccessToken: "rcpt-token",
	}
	require.NoError(t, d.NotifyRecipient(context.Background(), r, "Your turn", "Open your link."))

	require.Len(t, email.sent(), 1)
	require.Len(t, sms.sent(), 1)
	assert.Equal(t, "rcpt-token", email.sent()[0].CorrelationID)
	assert.Equal(t, "Your turn", email.sent()[0].Subject)
	assert.Empty(t, sms.sent()[0].Subject)

	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, trail, 2)
}

func TestNotifyRecipientSkipsUnconfiguredChannel(t *testing.T) {
	email := &fakeGateway{}
	d, store := newDispatcher(t, WithGateway(types.ChannelEmail, email))

	r := types.Recipient{ID: 10, WorkflowID: 1, Mobile: "+447700900123"}
	require.NoError(t, d.NotifyRecipient(context.Background(), r, "Your turn", "body"))

	assert.Empty(t, email.sent())
	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, trail)
}

func TestNotifyRecipientIsolatesChannelFailures(t *testing.T) {
	email := &fakeGateway{err: errors.New("smtp down")}
	sms := &fakeGateway{}
	d, store := newDispatcher(t,
		WithGateway(types.ChannelEmail, email),
		WithGateway(types.ChannelSMS, sms),
	)

	r := types.Recipient{ID: 10, WorkflowID: 1, Email: "ada@example.com", Mobile: "+447700900123"}
	err := d.NotifyRecipient(context.Background(), r, "Your turn", "body")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotificationDispatch)

	// The SMS leg still went through.
	require.Len(t, sms.sent(), 1)
	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.NotificationFailed, trail[0].Status)
	assert.Equal(t, types.NotificationSent, trail[1].Status)
}

func TestDispatchRateLimited(t *testing.T) {
	gw := &fakeGateway{}
	d, store := newDispatcher(t,
		WithGateway(types.ChannelEmail, gw),
		WithRateLimit(rate.Every(time.Hour), 1),
	)

	msg := Message{Channel: types.ChannelEmail, Address: "ada@example.com"}
	require.NoError(t, d.Dispatch(context.Background(), 1, 10, msg))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, 1, 10, msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotificationDispatch)

	// One delivered, one throttled into a failed record.
	require.Len(t, gw.sent(), 1)
	trail, err := store.NotificationsByWorkflow(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, types.NotificationSent, trail[0].Status)
	assert.Equal(t, types.NotificationFailed, trail[1].Status)
}
