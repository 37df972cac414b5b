package classify

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/content"
	"github.com/nhle/mailsync/internal/delivery"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/notify"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// Fetched is one message as pulled from the server.
type Fetched struct {
	ProtocolID uint32
	ThreadID   string
	Labels     []string
	Raw        []byte

	// Parsed caches the result of Parse when the caller already ran it.
	Parsed *ParsedMessage
}

// Outcome is the result of importing one message.
type Outcome int

const (
	// Created means a new message record was stored.
	Created Outcome = iota + 1
	// Known means the header id was already stored for the account.
	Known
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Known:
		return "skipped"
	}
	return "failed"
}

// Importer stores fetched messages for an account.
type Importer struct {
	store       store.Store
	files       *content.Store
	notify      notify.Sink
	deliveries  *delivery.Machine
	labelPrefix string
	log         zerolog.Logger
}

// NewImporter creates an Importer. labelPrefix is the parent label of
// campaign labels, e.g. "myriad" for "myriad/<slug>".
func NewImporter(s store.Store, files *content.Store, sink notify.Sink, labelPrefix string, log zerolog.Logger) *Importer {
	return &Importer{
		store:       s,
		files:       files,
		notify:      sink,
		deliveries:  delivery.NewMachine(s, nil, log),
		labelPrefix: labelPrefix,
		log:         log.With().Str("component", "importer").Logger(),
	}
}

// Import classifies f and stores it with its attachments and raw bytes in a
// single transaction. A message whose header id is already stored is not
// imported again; its UID and thread id are filled in when the stored copy
// lacks them.
//
// Any failure rolls back the message, removes attachment files written so
// far and raises an unexpected-state notification.
func (im *Importer) Import(ctx context.Context, acct *model.Account, f Fetched) (Outcome, *model.Message, error) {
	p := f.Parsed
	if p == nil {
		var err error
		if p, err = Parse(f.Raw); err != nil {
			return 0, nil, im.fail(ctx, acct, nil, err)
		}
	}

	known, err := im.store.FindByHeaderID(ctx, acct.ID, p.HeaderMessageID)
	if err != nil {
		return 0, nil, fmt.Errorf("looking up <%s>: %w", p.HeaderMessageID, err)
	}
	if known != nil {
		im.fillIdentifiers(ctx, known, f)
		metrics.Imported("skipped")
		return Known, known, nil
	}

	cat := Classify(p, acct)
	log := im.log.With().
		Str("account", acct.ID).
		Str("header_id", logging.MaskMessageID(p.HeaderMessageID)).
		Str("category", string(cat)).
		Logger()

	var written []string
	var msg *model.Message
	err = im.store.WithTx(ctx, func(q *store.Queries) error {
		var err error
		msg, err = im.importTx(ctx, q, acct, f, p, cat, &written)
		return err
	})
	if err != nil {
		for _, path := range written {
			if rerr := im.files.Remove(path); rerr != nil {
				log.Error().Err(rerr).Str("path", path).Msg("removing attachment after failed import")
			}
		}
		if source.IsIntegrityError(err) {
			// Another pass stored the same header id first.
			metrics.Imported("skipped")
			return Known, nil, nil
		}
		return 0, nil, im.fail(ctx, acct, p, err)
	}

	metrics.Imported("created")
	log.Debug().Int64("id", msg.ID).Int("attachments", len(written)).Msg("message imported")
	return Created, msg, nil
}

func (im *Importer) importTx(ctx context.Context, q *store.Queries, acct *model.Account, f Fetched, p *ParsedMessage, cat model.Category, written *[]string) (*model.Message, error) {
	parent, err := ResolveParent(ctx, q, acct.ID, p, cat)
	if err != nil {
		return nil, err
	}

	campaign, err := ResolveCampaign(ctx, q, acct.ID, im.labelPrefix, parent, f.Labels)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, &source.ClassificationError{
			Reason:          source.ReasonUnresolvableCampaign,
			HeaderMessageID: p.HeaderMessageID,
			Detail:          "no parent and no campaign label",
		}
	}

	contactID, err := ResolveContact(ctx, q, acct.ID, p, cat, parent, campaign)
	if err != nil {
		return nil, err
	}

	m := &model.Message{
		AccountID:         acct.ID,
		HeaderMessageID:   p.HeaderMessageID,
		InReplyToHeaderID: p.InReplyTo,
		ReferenceChain:    p.References,
		ThreadID:          f.ThreadID,
		Category:          cat,
		DeliveryStatus:    model.DeliveryNone,
		CampaignID:        campaign.ID,
		ContactID:         contactID,
		From:              p.FromAddress(),
		To:                Recipients(p.To),
		Cc:                Recipients(p.Cc),
		Subject:           p.Subject,
		BodyText:          p.Text,
		BodyHTML:          p.HTML,
	}
	if f.ProtocolID != 0 {
		uid := f.ProtocolID
		m.ProtocolID = &uid
	}
	if !p.Date.IsZero() {
		at := p.Date.UTC()
		m.SentOrReceivedAt = &at
	}
	if cat == model.CategoryOutboundRemoteCopy {
		m.DeliveryStatus = model.DeliverySent
	}
	if parent != nil {
		m.ParentID = &parent.ID
		if cat == model.CategoryBounce {
			m.InReplyToHeaderID = parent.HeaderMessageID
		}
	}

	if err := q.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	key := content.Key{AccountID: acct.ID, CampaignSlug: campaign.Slug, ContactID: contactID}
	for _, a := range p.Attachments {
		path, n, err := im.files.Put(key, a.Filename, bytes.NewReader(a.Data))
		if err != nil {
			return nil, err
		}
		*written = append(*written, path)
		if err := q.CreateAttachment(ctx, &model.Attachment{
			MessageID:   m.ID,
			FileName:    a.Filename,
			FilePath:    path,
			ContentType: a.ContentType,
			Size:        n,
		}); err != nil {
			return nil, err
		}
	}

	if err := q.SaveRawMail(ctx, m.ID, f.Raw); err != nil {
		return nil, err
	}

	if cat == model.CategoryBounce && p.Report.Failed {
		err := im.deliveries.Bind(q).Bounce(ctx, parent)
		if errors.Is(err, delivery.ErrInvalidTransition) {
			return nil, &source.ClassificationError{
				Reason:          source.ReasonInvalidTransition,
				HeaderMessageID: p.HeaderMessageID,
				Detail:          err.Error(),
			}
		}
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}



// fillIdentifiers stores the UID and thread id of a known message that was
// created before the server reported them.
func (im *Importer) fillIdentifiers(ctx context.Context, known *model.Message, f Fetched) {
	if !known.MissingIdentifiers() || f.ProtocolID == 0 || f.ThreadID == "" {
		return
	}
	if err := im.store.UpdateIdentifiers(ctx, known.ID, f.ProtocolID, f.ThreadID); err != nil {
		im.log.Warn().Err(err).Int64("id", known.ID).Msg("filling identifiers")
		return
	}
	uid := f.ProtocolID
	known.ProtocolID = &uid
	known.ThreadID = f.ThreadID
	im.log.Debug().Int64("id", known.ID).Uint32("uid", uid).Msg("identifiers filled from fetch")
}

// fail reports a failed import to the notification sink and returns the
// error with the counterpart address filled in.
func (im *Importer) fail(ctx context.Context, acct *model.Account, p *ParsedMessage, err error) error {
	metrics.Imported("failed")

	var headerID, addr string
	if p != nil {
		headerID = p.HeaderMessageID
		addr, _ = counterpart(p, Classify(p, acct))
	}
	im.notify.UnexpectedState(ctx, acct.ID,
		fmt.Sprintf("Couldn't process an email addressed at %s: %v", addr, err), headerID, addr)

	var ce *source.ClassificationError
	if errors.As(err, &ce) {
		if ce.Address == "" {
			ce.Address = addr
		}
		return ce
	}
	return fmt.Errorf("importing <%s>: %w", headerID, err)
}
