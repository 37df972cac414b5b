package classify

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/nhle/mailsync/internal/model"
)

// DeliveryReport is the machine-readable content of a delivery status
// notification.
type DeliveryReport struct {
	// OriginalMessageID is the Message-ID of the message the report is
	// about. Empty when it could not be found.
	OriginalMessageID string

	// Failed is true when at least one recipient has Action: failed, or when
	// the notification carried no delivery-status part at all.
	Failed bool

	// Actions holds the Action field of each recipient block.
	Actions []string
}

var (
	bodyMessageID = regexp.MustCompile(`(?i)Message-ID:\s*<([^>\s]+)>`)
	bounceSubject = regexp.MustCompile(`(?i)(undeliver|delivery status notification|failure notice|returned mail|delivery failure|mail delivery failed)`)
)

// reportReader collects DSN evidence while the parts of a message are read.
type reportReader struct {
	multipartReport bool

	status     bool
	actions    []string
	original   string
	searchText strings.Builder
}

func newReportReader(h mail.Header) *reportReader {
	ct, params, _ := h.ContentType()
	return &reportReader{
		multipartReport: ct == "multipart/report" && strings.EqualFold(params["report-type"], "delivery-status"),
	}
}

func (r *reportReader) part(contentType string, body []byte) {
	switch contentType {
	case "message/delivery-status", "message/global-delivery-status":
		r.status = true
		r.actions = append(r.actions, recipientActions(body)...)
	case "message/rfc822", "text/rfc822-headers", "message/global", "message/global-headers":
		if r.original == "" {
			r.original = embeddedMessageID(body)
		}
		r.searchText.Write(body)
		r.searchText.WriteByte('\n')
	default:
		if strings.HasPrefix(contentType, "text/") {
			r.searchText.Write(body)
			r.searchText.WriteByte('\n')
		}
	}
}

// report returns the DeliveryReport for p, or nil when p does not look like
// a delivery status notification.
func (r *reportReader) report(p *ParsedMessage) *DeliveryReport {
	if !r.multipartReport && !r.status && !looksLikeBounce(p) {
		return nil
	}

	rep := &DeliveryReport{OriginalMessageID: r.original, Actions: r.actions}
	if rep.OriginalMessageID == "" {
		if m := bodyMessageID.FindStringSubmatch(r.searchText.String()); m != nil {
			rep.OriginalMessageID = m[1]
		}
	}
	if rep.OriginalMessageID == p.HeaderMessageID {
		rep.OriginalMessageID = ""
	}

	if !r.status {
		rep.Failed = true
	}
	for _, a := range r.actions {
		if strings.EqualFold(a, "failed") {
			rep.Failed = true
		}
	}
	return rep
}

// looksLikeBounce catches notifications from mail daemons that do not use
// multipart/report.
func looksLikeBounce(p *ParsedMessage) bool {
	from := p.FromAddress()
	local, _, _ := strings.Cut(from, "@")
	if local != "mailer-daemon" && local != "postmaster" {
		return false
	}
	return bounceSubject.MatchString(p.Subject)
}

// recipientActions reads the header blocks of a delivery-status body and
// returns the Action of every per-recipient block.
func recipientActions(body []byte) []string {
	br := bufio.NewReader(bytes.NewReader(body))
	var actions []string
	for {
		// A block cut short by the end of the body comes back with an error.
		h, err := textproto.ReadHeader(br)
		if a := strings.TrimSpace(h.Get("Action")); a != "" {
			actions = append(actions, strings.ToLower(a))
		}
		if err != nil {
			return actions
		}
		if _, err := br.Peek(1); err != nil {
			return actions
		}
	}
}

// embeddedMessageID reads the header of an attached original message.
func embeddedMessageID(body []byte) string {
	th, _ := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if th.Len() == 0 {
		return ""
	}
	h := mail.Header{Header: message.Header{Header: th}}
	id, err := h.MessageID()
	if err != nil {
		return ""
	}
	return model.NormalizeMessageID(id)
}
