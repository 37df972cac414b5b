// Package classify turns fetched raw messages into stored Message records:
// it parses MIME, decides the message category, resolves the conversation
// parent and imports everything in one transaction.
package classify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source"
)

// Attachment is a decoded attachment part.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// ParsedMessage holds the fields of a raw message the importer needs.
type ParsedMessage struct {
	HeaderMessageID string
	InReplyTo       string
	References      []string

	From *mail.Address
	To   []*mail.Address
	Cc   []*mail.Address

	Subject string
	Date    time.Time

	Text        string
	HTML        string
	Attachments []Attachment

	// Report is set when the message is a delivery status notification.
	Report *DeliveryReport
}

// FromAddress returns the sender address or "".
func (p *ParsedMessage) FromAddress() string {
	if p.From == nil {
		return ""
	}
	return strings.ToLower(p.From.Address)
}

// FirstTo returns the first recipient address or "".
func (p *ParsedMessage) FirstTo() string {
	if len(p.To) == 0 {
		return ""
	}
	return strings.ToLower(p.To[0].Address)
}

// Parse decodes raw RFC 5322 bytes. A message without a Message-ID fails
// with a malformedMessage ClassificationError.
func Parse(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, malformed("", "reading message: %v", err)
	}
	defer mr.Close()

	h := mr.Header
	p := &ParsedMessage{}

	id, err := h.MessageID()
	if err != nil || id == "" {
		return nil, malformed("", "missing Message-ID header")
	}
	p.HeaderMessageID = model.NormalizeMessageID(id)

	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		p.InReplyTo = ids[0]
	}
	if ids, err := h.MsgIDList("References"); err == nil {
		p.References = ids
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		p.From = from[0]
	}
	p.To, _ = h.AddressList("To")
	p.Cc, _ = h.AddressList("Cc")
	p.Subject, _ = h.Subject()
	p.Date, _ = h.Date()

	dsn := newReportReader(h)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, malformed(p.HeaderMessageID, "reading part: %v", err)
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, malformed(p.HeaderMessageID, "reading %s part: %v", ct, err)
			}
			switch {
			case ct == "text/plain" && p.Text == "":
				p.Text = string(body)
			case ct == "text/html" && p.HTML == "":
				p.HTML = string(body)
			}
			dsn.part(ct, body)

		case *mail.AttachmentHeader:
			ct, _, _ := ph.ContentType()
			name, _ := ph.Filename()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, malformed(p.HeaderMessageID, "reading attachment %q: %v", name, err)
			}
			if name == "" {
				name = "attachment"
			}
			p.Attachments = append(p.Attachments, Attachment{Filename: name, ContentType: ct, Data: body})
			dsn.part(ct, body)
		}
	}

	p.Report = dsn.report(p)
	return p, nil
}

// Recipients joins a list of addresses for storage.
func Recipients(list []*mail.Address) string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return strings.Join(out, ", ")
}

func malformed(headerID, format string, args ...any) error {
	return &source.ClassificationError{
		Reason:          source.ReasonMalformedMessage,
		HeaderMessageID: headerID,
		Detail:          fmt.Sprintf(format, args...),
	}
}
