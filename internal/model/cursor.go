package model

import "time"

// MailboxCursor is the persisted sync position for one mailbox of an account.
type MailboxCursor struct {
	AccountID string `json:"account_id"`
	Mailbox   string `json:"mailbox"`

	// ValidityToken is the server UIDVALIDITY the markers refer to.
	ValidityToken uint32 `json:"validity_token"`

	// NextMarker is the lowest UID that has not been seen yet.
	NextMarker uint32 `json:"next_marker"`

	SeenCount    int `json:"seen_count"`
	IndexedCount int `json:"indexed_count"`
	BadCount     int `json:"bad_count"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewMailboxCursor returns an empty cursor. Its zero validity token never
// matches a server value, so the first pass is a full rescan.
func NewMailboxCursor(accountID, mailbox string) *MailboxCursor {
	return &MailboxCursor{AccountID: accountID, Mailbox: mailbox}
}

// Advance moves NextMarker forward to next. Smaller values are ignored.
func (c *MailboxCursor) Advance(next uint32) {
	if next > c.NextMarker {
		c.NextMarker = next
	}
}

// Reset discards the markers and adopts a new validity token.
func (c *MailboxCursor) Reset(validity uint32) {
	c.ValidityToken = validity
	c.NextMarker = 0
}

// ScanMode is the kind of search a sync pass performs on a mailbox.
type ScanMode int

const (
	// ScanSkip means the mailbox has no new messages.
	ScanSkip ScanMode = iota
	// ScanIncremental searches only the UID range [From, To).
	ScanIncremental
	// ScanFull searches every non-deleted message.
	ScanFull
)

func (m ScanMode) String() string {
	switch m {
	case ScanSkip:
		return "skip"
	case ScanIncremental:
		return "incremental"
	case ScanFull:
		return "full"
	default:
		return "unknown"
	}
}

// ScanPlan describes what a pass has to search in a mailbox.
type ScanPlan struct {
	Mode ScanMode
	From uint32
	To   uint32
}

// Plan compares the cursor against the server's current validity token and
// next UID.
func (c *MailboxCursor) Plan(serverValidity, serverNext uint32) ScanPlan {
	if c.ValidityToken != serverValidity {
		return ScanPlan{Mode: ScanFull, To: serverNext}
	}
	if c.NextMarker >= serverNext {
		return ScanPlan{Mode: ScanSkip, From: c.NextMarker, To: serverNext}
	}
	from := c.NextMarker
	if from == 0 {
		from = 1
	}
	return ScanPlan{Mode: ScanIncremental, From: from, To: serverNext}
}
