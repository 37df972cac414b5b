package model

import (
	"strings"
	"time"
)

// Category identifies how a message relates to the owning account.
type Category string

const (
	// CategoryOutboundLocal is a message composed and sent by this system.
	CategoryOutboundLocal Category = "outbound_local"

	// CategoryOutboundRemoteCopy is a message the account sent from another
	// client that was discovered through the remote mailbox.
	CategoryOutboundRemoteCopy Category = "outbound_remote_copy"

	// CategoryInbound is a reply or other message received by the account.
	CategoryInbound Category = "inbound"

	// CategoryBounce is a delivery status notification about an earlier
	// outbound message.
	CategoryBounce Category = "bounce_notification"
)

// Incoming reports whether messages of this category were received rather
// than sent by the account.
func (c Category) Incoming() bool {
	return c == CategoryInbound || c == CategoryBounce
}

// DeliveryStatus is the lifecycle state of a message's outbound delivery.
type DeliveryStatus string

const (
	// DeliveryNone is used for fetched messages that never pass through the
	// outbound delivery pipeline.
	DeliveryNone          DeliveryStatus = "none"
	DeliveryCreated       DeliveryStatus = "created"
	DeliverySending       DeliveryStatus = "sending"
	DeliverySent          DeliveryStatus = "sent"
	DeliverySendingFailed DeliveryStatus = "sending_failed"
	DeliveryFailed        DeliveryStatus = "delivery_failed"
)

// Message is the durable record of a single email known to an account.
type Message struct {
	// ID is the store-assigned sequence number. Larger IDs were created later.
	ID int64 `json:"id"`

	AccountID string `json:"account_id"`

	// HeaderMessageID is the RFC 5322 Message-ID without angle brackets.
	// It is unique per account and never changes.
	HeaderMessageID string `json:"header_message_id"`

	// InReplyToHeaderID is the In-Reply-To header id, if any.
	InReplyToHeaderID string `json:"in_reply_to_header_id,omitempty"`

	// ReferenceChain holds the References header ids, oldest first.
	ReferenceChain []string `json:"reference_chain,omitempty"`

	// ParentID points at the resolved conversation parent.
	ParentID *int64 `json:"parent_id,omitempty"`

	// ProtocolID is the mailbox-scoped UID on the remote server.
	ProtocolID *uint32 `json:"protocol_id,omitempty"`

	// ThreadID is the server-assigned conversation id.
	ThreadID string `json:"thread_id,omitempty"`

	Category       Category       `json:"category"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`

	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`

	// TemplateID names the template an outbound message was rendered from.
	TemplateID string `json:"template_id,omitempty"`

	From     string `json:"from"`
	To       string `json:"to"`
	Cc       string `json:"cc,omitempty"`
	Subject  string `json:"subject"`
	BodyText string `json:"body_text"`
	BodyHTML string `json:"body_html"`

	SentOrReceivedAt *time.Time `json:"sent_or_received_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MissingIdentifiers reports whether the protocol id or thread id has not
// been learned from the server yet.
func (m *Message) MissingIdentifiers() bool {
	return m.ProtocolID == nil || m.ThreadID == ""
}

// Attachment holds metadata about a stored attachment file.
type Attachment struct {
	ID          string    `json:"id" db:"id"`
	MessageID   int64     `json:"message_id" db:"message_id"`
	FileName    string    `json:"file_name" db:"file_name"`
	FilePath    string    `json:"file_path" db:"file_path"`
	ContentType string    `json:"content_type" db:"content_type"`
	Size        int64     `json:"size" db:"size"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// NormalizeMessageID strips surrounding whitespace and angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}
