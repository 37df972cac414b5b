package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// JetStream is a Queue backed by a NATS JetStream stream.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream string
	prefix string
	log    zerolog.Logger
}

// NewJetStream connects to url and makes sure the stream exists. Subjects
// are "<prefix>.<account>.<kind>" where prefix is the lower-cased stream
// name.
func NewJetStream(ctx context.Context, url, stream string, log zerolog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("getting JetStream context: %w", err)
	}

	q := &JetStream{
		nc:     nc,
		js:     js,
		stream: stream,
		prefix: strings.ToLower(stream),
		log:    log.With().Str("component", "queue").Logger(),
	}
	if err := q.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return q, nil
}

func (q *JetStream) ensureStream(ctx context.Context) error {
	if info, err := q.js.StreamInfo(q.stream, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:       q.stream,
		Subjects:   []string{q.prefix + ".*.*"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: dedupWindow,
		MaxAge:     24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("creating stream %s: %w", q.stream, err)
	}
	return nil
}

// Publish sends job with a broker-side dedup id. A job without an id gets
// a fresh one.
func (q *JetStream) Publish(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	data, err := encode(job)
	if err != nil {
		return err
	}
	subject := Subject(q.prefix, job)
	ack, err := q.js.Publish(subject, data, nats.MsgId(DedupID(job)), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publishing %s: %w", subject, err)
	}
	if ack.Duplicate {
		q.log.Debug().Str("subject", subject).Msg("duplicate job dropped")
	}
	return nil
}

// Consume joins one durable queue group per kind with workers
// subscriptions each, so several processes share the work. Jobs whose
// handler fails are negatively acknowledged for redelivery.
func (q *JetStream) Consume(ctx context.Context, kinds []Kind, workers int, h Handler) error {
	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			if err := s.Unsubscribe(); err != nil {
				q.log.Warn().Err(err).Str("subject", s.Subject).Msg("unsubscribing")
			}
		}
	}()

	handle := func(m *nats.Msg) {
		job, err := decode(m.Data)
		if err != nil {
			q.log.Error().Err(err).Str("subject", m.Subject).Msg("dropping undecodable job")
			_ = m.Term()
			return
		}
		if err := h(ctx, job); err != nil {
			q.log.Warn().Err(err).Str("subject", m.Subject).Msg("job failed")
			_ = m.Nak()
			return
		}
		_ = m.Ack()
	}

	for _, kind := range kinds {
		subject := q.prefix + ".*." + string(kind)
		group := "mailsync-" + string(kind)
		for range max(workers, 1) {
			sub, err := q.js.QueueSubscribe(subject, group, handle,
				nats.Durable(group), nats.ManualAck(), nats.AckWait(30*time.Minute))
			if err != nil {
				return fmt.Errorf("subscribing to %s: %w", subject, err)
			}
			subs = append(subs, sub)
		}
	}

	<-ctx.Done()
	return nil
}

// Close drains the connection.
func (q *JetStream) Close() error {
	if q.nc == nil {
		return nil
	}
	return q.nc.Drain()
}
