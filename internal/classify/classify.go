package classify

import (
	"context"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/store"
)

// Classify decides the category of a message fetched for acct. Mail sent by
// the account from another client wins over everything else, then delivery
// status notifications, and anything left is an inbound reply.
func Classify(p *ParsedMessage, acct *model.Account) model.Category {
	switch {
	case acct.Owns(p.FromAddress()):
		return model.CategoryOutboundRemoteCopy
	case p.Report != nil:
		return model.CategoryBounce
	default:
		return model.CategoryInbound
	}
}

// ResolveParent finds the conversation parent of p among the account's
// stored messages. A bounce must resolve to the message it reports on.
// Otherwise In-Reply-To is tried first, then the most recently created
// message named in References. A nil parent means p starts a thread.
func ResolveParent(ctx context.Context, q *store.Queries, accountID string, p *ParsedMessage, cat model.Category) (*model.Message, error) {
	if cat == model.CategoryBounce {
		target := p.Report.OriginalMessageID
		if target == "" {
			return nil, &source.ClassificationError{
				Reason:          source.ReasonUnresolvableBounceTarget,
				HeaderMessageID: p.HeaderMessageID,
				Detail:          "no original Message-ID in notification",
			}
		}
		parent, err := q.FindByHeaderID(ctx, accountID, target)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, &source.ClassificationError{
				Reason:          source.ReasonUnresolvableBounceTarget,
				HeaderMessageID: p.HeaderMessageID,
				Detail:          fmt.Sprintf("unknown original message <%s>", target),
			}
		}
		return parent, nil
	}

	if p.InReplyTo != "" {
		parent, err := q.FindByHeaderID(ctx, accountID, p.InReplyTo)
		if err != nil || parent != nil {
			return parent, err
		}
	}
	if len(p.References) == 0 {
		return nil, nil
	}
	return q.FindHighestKnown(ctx, accountID, p.References)
}

// ResolveCampaign returns the parent's campaign, or the campaign named by the
// first label of the form <prefix>/<slug> that exists for the account.
func ResolveCampaign(ctx context.Context, q *store.Queries, accountID, prefix string, parent *model.Message, labels []string) (*model.Campaign, error) {
	if parent != nil {
		return q.GetCampaign(ctx, parent.CampaignID)
	}
	for _, label := range labels {
		slug, ok := model.CampaignSlugFromLabel(prefix, label)
		if !ok {
			continue
		}
		c, err := q.FindCampaignBySlug(ctx, accountID, slug)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, nil
}

// counterpart returns the address on the side of the conversation that is
// not the account.
func counterpart(p *ParsedMessage, cat model.Category) (addr, name string) {
	if cat.Incoming() {
		if p.From != nil {
			return p.FromAddress(), p.From.Name
		}
		return "", ""
	}
	if len(p.To) > 0 {
		return p.FirstTo(), p.To[0].Name
	}
	return "", ""
}

// ResolveContact inherits the parent's contact or finds-or-creates one for
// the counterpart address and attaches it to the campaign.
func ResolveContact(ctx context.Context, q *store.Queries, accountID string, p *ParsedMessage, cat model.Category, parent *model.Message, campaign *model.Campaign) (string, error) {
	if parent != nil {
		return parent.ContactID, nil
	}
	addr, name := counterpart(p, cat)
	if addr == "" {
		side := "recipient"
		if cat.Incoming() {
			side = "sender"
		}
		return "", malformed(p.HeaderMessageID, "no %s address", side)
	}
	c, err := q.FindOrCreateContact(ctx, accountID, addr, name)
	if err != nil {
		return "", err
	}
	if err := q.AttachContact(ctx, campaign.ID, c.ID); err != nil {
		return "", err
	}
	return c.ID, nil
}
