// Package queue carries sync jobs between the realtime listener, the
// scheduler and the outbound delivery pipeline.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the work a job asks for.
type Kind string

const (
	// KindFetch asks for a fetch pass over the account's mailbox.
	KindFetch Kind = "fetch"
	// KindBackfill asks for the identifiers of the listed messages.
	KindBackfill Kind = "backfill"
	// KindOutbound asks the delivery pipeline to send pending messages.
	KindOutbound Kind = "outbound"
)

// Job is one unit of queued work for an account.
type Job struct {
	// ID is unique per request. Publishing the same job again reuses it.
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	AccountID   string    `json:"account_id"`
	MessageIDs  []int64   `json:"message_ids,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Handler processes a job. A returned error asks for redelivery where the
// transport supports it.
type Handler func(ctx context.Context, job Job) error

// Queue publishes and consumes jobs.
type Queue interface {
	Publish(ctx context.Context, job Job) error
	// Consume delivers jobs of the given kinds to h until ctx is done,
	// running up to workers handlers per kind at once.
	Consume(ctx context.Context, kinds []Kind, workers int, h Handler) error
	Close() error
}

// Trigger adapts a Queue to the enqueue calls made by the sync engine.
type Trigger struct {
	Q   Queue
	Now func() time.Time
}

func (t Trigger) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

func (t Trigger) job(kind Kind, accountID string, ids []int64) Job {
	return Job{ID: uuid.NewString(), Kind: kind, AccountID: accountID, MessageIDs: ids, RequestedAt: t.now()}
}

// EnqueueFetch requests a fetch pass for the account.
func (t Trigger) EnqueueFetch(ctx context.Context, accountID string) error {
	return t.Q.Publish(ctx, t.job(KindFetch, accountID, nil))
}

// EnqueueOutbound requests delivery of the account's pending messages.
func (t Trigger) EnqueueOutbound(ctx context.Context, accountID string) error {
	return t.Q.Publish(ctx, t.job(KindOutbound, accountID, nil))
}

// EnqueueBackfill requests identifier backfill for the given messages.
func (t Trigger) EnqueueBackfill(ctx context.Context, accountID string, ids []int64) error {
	return t.Q.Publish(ctx, t.job(KindBackfill, accountID, ids))
}

// Subject returns the subject a job is published on.
func Subject(prefix string, job Job) string {
	return prefix + "." + job.AccountID + "." + string(job.Kind)
}

// dedupWindow is how long the broker remembers a job id. A job published
// again within it, such as a retried publish, is queued once.
const dedupWindow = 2 * time.Minute

// DedupID returns the message id used by the broker to drop a repeated
// publish of the same job. Separate requests never share an id, so a
// request made after an earlier job was consumed is always queued.
func DedupID(job Job) string {
	return fmt.Sprintf("%s-%s-%s", job.Kind, job.AccountID, job.ID)
}

func encode(job Job) ([]byte, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding %s job: %w", job.Kind, err)
	}
	return b, nil
}

func decode(data []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, fmt.Errorf("decoding job: %w", err)
	}
	return job, nil
}
