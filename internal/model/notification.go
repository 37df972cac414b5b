package model

import "time"

// NotificationKind identifies the operator-facing condition being reported.
type NotificationKind string

const (
	NotifyInvalidCredentials NotificationKind = "invalid_credentials"
	NotifyUnexpectedState    NotificationKind = "unexpected_state"
	NotifyFetchingException  NotificationKind = "fetching_exception"
	NotifyFetchInProgress    NotificationKind = "fetch_in_progress"
)

// Notification is an alert recorded for an account.
type Notification struct {
	// ID is the unique identifier for this notification.
	ID string `json:"id" db:"id"`

	AccountID string           `json:"account_id" db:"account_id"`
	Kind      NotificationKind `json:"kind" db:"kind"`

	// Detail is the human-readable description of the condition.
	Detail string `json:"detail" db:"detail"`

	// HeaderMessageID references the message the notification concerns.
	HeaderMessageID string `json:"header_message_id,omitempty" db:"header_message_id"`

	// Address is the originating or intended address, if relevant.
	Address string `json:"address,omitempty" db:"address"`

	// Resolved is set once the condition has cleared.
	Resolved bool `json:"resolved" db:"resolved"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
