// Package delivery implements the lifecycle of outbound message records.
//
//	created -> sending -> sent -> delivery_failed
//	              \-> sending_failed -> created
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// ErrInvalidTransition is returned when a message is not in a state the
// requested transition starts from.
var ErrInvalidTransition = errors.New("invalid delivery status transition")

var transitions = map[model.DeliveryStatus][]model.DeliveryStatus{
	model.DeliveryCreated:       {model.DeliverySending},
	model.DeliverySending:       {model.DeliverySent, model.DeliverySendingFailed},
	model.DeliverySent:          {model.DeliveryFailed},
	model.DeliverySendingFailed: {model.DeliveryCreated},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to model.DeliveryStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusStore is the persistence the machine needs. Both the store and a
// transaction-bound store.Queries satisfy it.
type StatusStore interface {
	UpdateDeliveryStatus(ctx context.Context, id int64, from, to model.DeliveryStatus, sentAt *time.Time) error
}

// Apply moves m to status to, writing through st with a compare-and-set on
// the current status. m is updated in place on success.
func Apply(ctx context.Context, st StatusStore, m *model.Message, to model.DeliveryStatus, now time.Time) error {
	from := m.DeliveryStatus
	if !CanTransition(from, to) {
		return fmt.Errorf("message %d %s -> %s: %w", m.ID, from, to, ErrInvalidTransition)
	}

	var sentAt *time.Time
	if to == model.DeliverySent {
		sentAt = &now
	}
	if err := st.UpdateDeliveryStatus(ctx, m.ID, from, to, sentAt); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return fmt.Errorf("message %d changed concurrently: %w", m.ID, ErrInvalidTransition)
		}
		return err
	}

	m.DeliveryStatus = to
	switch to {
	case model.DeliverySent:
		m.SentOrReceivedAt = sentAt
	case model.DeliveryCreated:
		m.SentOrReceivedAt = nil
	}
	metrics.Transition(string(from), string(to))
	return nil
}

// PostSendHook runs after a message of a template was confirmed sent.
type PostSendHook func(ctx context.Context, m *model.Message) error

// Trigger enqueues a job that sends the account's pending outbound messages.
type Trigger interface {
	EnqueueOutbound(ctx context.Context, accountID string) error
}

// Machine drives delivery transitions for the outbound pipeline.
type Machine struct {
	store   StatusStore
	trigger Trigger
	hooks   map[string][]PostSendHook
	log     zerolog.Logger
	now     func() time.Time
}

// NewMachine creates a Machine. trigger may be nil when retries should not
// re-enqueue delivery.
func NewMachine(st StatusStore, trigger Trigger, log zerolog.Logger) *Machine {
	return &Machine{
		store:   st,
		trigger: trigger,
		hooks:   make(map[string][]PostSendHook),
		log:     log.With().Str("component", "delivery").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnSent registers a hook for messages rendered from templateID. An empty
// templateID matches every message.
func (d *Machine) OnSent(templateID string, hook PostSendHook) {
	d.hooks[templateID] = append(d.hooks[templateID], hook)
}

// Dispatch marks m as handed to the delivery mechanism.
func (d *Machine) Dispatch(ctx context.Context, m *model.Message) error {
	return d.apply(ctx, m, model.DeliverySending)
}

// Sent records that the delivery mechanism accepted m and runs the post-send
// hooks. Hook failures are logged and do not undo the transition.
func (d *Machine) Sent(ctx context.Context, m *model.Message) error {
	if err := d.apply(ctx, m, model.DeliverySent); err != nil {
		return err
	}
	hooks := append(append([]PostSendHook(nil), d.hooks[""]...), d.hooks[m.TemplateID]...)
	for _, h := range hooks {
		if err := h(ctx, m); err != nil {
			d.log.Warn().Err(err).Int64("message", m.ID).Str("template", m.TemplateID).Msg("post-send hook failed")
		}
	}
	return nil
}

// Failed records a transport or protocol error reported for m.
func (d *Machine) Failed(ctx context.Context, m *model.Message, cause error) error {
	if err := d.apply(ctx, m, model.DeliverySendingFailed); err != nil {
		return err
	}
	d.log.Warn().Err(cause).Int64("message", m.ID).Msg("sending failed")
	return nil
}

// Bind returns a copy of d that writes through st, typically a
// transaction-bound store.Queries. Hooks and trigger are shared.
func (d *Machine) Bind(st StatusStore) *Machine {
	c := *d
	c.store = st
	return &c
}

// Bounce records a confirmed bounce for a message believed sent. A message
// already marked failed by an earlier notification is left alone.
func (d *Machine) Bounce(ctx context.Context, m *model.Message) error {
	if m.DeliveryStatus == model.DeliveryFailed {
		return nil
	}
	return d.apply(ctx, m, model.DeliveryFailed)
}

// Retry puts a failed message back in the queue and enqueues delivery.
func (d *Machine) Retry(ctx context.Context, m *model.Message) error {
	if err := d.apply(ctx, m, model.DeliveryCreated); err != nil {
		return err
	}
	if d.trigger == nil {
		return nil
	}
	if err := d.trigger.EnqueueOutbound(ctx, m.AccountID); err != nil {
		return fmt.Errorf("enqueueing delivery for %s: %w", m.AccountID, err)
	}
	return nil
}

func (d *Machine) apply(ctx context.Context, m *model.Message, to model.DeliveryStatus) error {
	from := m.DeliveryStatus
	if err := Apply(ctx, d.store, m, to, d.now()); err != nil {
		return err
	}
	d.log.Debug().Int64("message", m.ID).Str("from", string(from)).Str("to", string(to)).Msg("delivery status changed")
	return nil
}
