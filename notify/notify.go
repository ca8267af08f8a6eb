// Package notify dispatches outbound email and SMS through pluggable
// gateways. Every attempt leaves a notification record; delivery is
// best-effort and never blocks a workflow transition.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"golang.org/x/time/rate"

	"github.com/signrelay/signrelay/storage"
	"github.com/signrelay/signrelay/types"
)

// Message is one outbound dispatch handed to a Gateway.
type Message struct {
	Channel       types.Channel
	Address       string
	Subject       string
	Body          string
	CorrelationID string
}

// Gateway delivers messages on one channel. Dispatch returns the
// provider's id for the accepted message; how delivery happens is the
// gateway's business.
type Gateway interface {
	Dispatch(ctx context.Context, msg Message) (externalID string, err error)
}

// Dispatcher routes messages to channel gateways and records every
// attempt in the store.
type Dispatcher struct {
	store    storage.Store
	generate generator.Generator
	gateways map[types.Channel]Gateway
	limiter  *rate.Limiter
}

// DispatcherOption defines functional options for configuring Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithGateway registers the gateway for a channel.
func WithGateway(channel types.Channel, gw Gateway) DispatcherOption {
	return func(d *Dispatcher) {
		d.gateways[channel] = gw
	}
}

// WithRateLimit throttles outbound dispatches across all channels.
func WithRateLimit(limit rate.Limit, burst int) DispatcherOption {
	return func(d *Dispatcher) {
		d.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewDispatcher creates a Dispatcher recording attempts in store with ids
// from generate. Without WithRateLimit dispatches are not throttled.
func NewDispatcher(store storage.Store, generate generator.Generator, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		generate: generate,
		gateways: make(map[types.Channel]Gateway),
		limiter:  rate.NewLimiter(rate.Inf, 0),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// Dispatch sends one message through its channel gateway. The attempt is
// recorded before the send and finalized as sent or failed after it. The
// returned error reports an unroutable or failed dispatch; callers decide
// whether that matters.
func (d *Dispatcher) Dispatch(ctx context.Context, workflowID, recipientID uint64, msg Message) error {
	gw, ok := d.gateways[msg.Channel]
	if !ok {
		return fmt.Errorf("no gateway for channel %q: %w", msg.Channel, types.ErrNotificationDispatch)
	}

	id, err := d.generate.NextID()
	if err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	record := types.Notification{
		ID:          id,
		WorkflowID:  workflowID,
		RecipientID: recipientID,
		Channel:     msg.Channel,
		Address:     msg.Address,
		Subject:     msg.Subject,
		Status:      types.NotificationPending,
		CreatedAt:   time.Now(),
	}
	if err := d.store.RecordNotification(ctx, record); err != nil {
		return fmt.Errorf("record notification: %w", err)
	}

	if err := d.limiter.Wait(ctx); err != nil {
		d.finalize(ctx, id, types.NotificationFailed, "", err)
		return fmt.Errorf("dispatch %s to %s: %v: %w", msg.Channel, msg.Address, err, types.ErrNotificationDispatch)
	}
	externalID, err := gw.Dispatch(ctx, msg)
	if err != nil {
		d.finalize(ctx, id, types.NotificationFailed, "", err)
		return fmt.Errorf("dispatch %s to %s: %v: %w", msg.Channel, msg.Address, err, types.ErrNotificationDispatch)
	}
	d.finalize(ctx, id, types.NotificationSent, externalID, nil)
	return nil
}

// NotifyRecipient dispatches on every channel the recipient can receive:
// email when an address is present, SMS when a mobile number is present.
// Channels without a registered gateway are skipped. Channel failures are
// isolated from each other; the returned error joins them.
func (d *Dispatcher) NotifyRecipient(ctx context.Context, r types.Recipient, subject, body string) error {
	var errs []error
	if r.Email != "" {
		if _, ok := d.gateways[types.ChannelEmail]; ok {
			err := d.Dispatch(ctx, r.WorkflowID, r.ID, Message{
				Channel:       types.ChannelEmail,
				Address:       r.Email,
				Subject:       subject,
				Body:          body,
				CorrelationID: r.AccessToken,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	if r.Mobile != "" {
		if _, ok := d.gateways[types.ChannelSMS]; ok {
			err := d.Dispatch(ctx, r.WorkflowID, r.ID, Message{
				Channel:       types.ChannelSMS,
				Address:       r.Mobile,
				Body:          body,
				CorrelationID: r.AccessToken,
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) finalize(ctx context.Context, id uint64, status types.NotificationStatus, externalID string, dispatchErr error) {
	reason := ""
	if dispatchErr != nil {
		reason = dispatchErr.Error()
	}
	if err := d.store.UpdateNotification(ctx, id, status, externalID, reason); err != nil {
		slog.Error("finalize notification record failed", "notification_id", id, "error", err)
	}
}
