package idle

import (
	"context"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/metrics"
)

// handler receives unsolicited responses on the client's read loop. It
// never blocks there: new-mail events only set a pending flag that forward
// turns into a queued fetch.
type handler struct {
	pending chan struct{}
	log     zerolog.Logger
}

func newHandler(log zerolog.Logger) *handler {
	return &handler{pending: make(chan struct{}, 1), log: log}
}

func (h *handler) unilateral() *imapclient.UnilateralDataHandler {
	return &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages == nil {
				return
			}
			metrics.IdleEvent("exists")
			h.log.Debug().Uint32("messages", *data.NumMessages).Msg("new mail")
			h.wake()
		},
		Expunge: func(seqNum uint32) {
			metrics.IdleEvent("expunge")
			h.log.Debug().Uint32("seq", seqNum).Msg("message removed on server")
		},
	}
}

func (h *handler) wake() {
	select {
	case h.pending <- struct{}{}:
	default:
	}
}

// forward queues one fetch per burst of events until ctx is done.
func (h *handler) forward(ctx context.Context, accountID string, trigger Enqueuer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.pending:
			if err := trigger.EnqueueFetch(ctx, accountID); err != nil && ctx.Err() == nil {
				h.log.Warn().Err(err).Msg("queueing fetch")
			}
		}
	}
}
