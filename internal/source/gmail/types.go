package gmail

import "time"

// Search attributes understood by the server in addition to RFC 3501 keys.
const (
	AttrThreadID      = "X-GM-THRID"
	AttrLabels        = "X-GM-LABELS"
	AttrRaw           = "X-GM-RAW"
	AttrGmailMsgID    = "X-GM-MSGID"
	AttrInReplyTo     = "HEADER In-Reply-To"
	rawMessageIDQuery = "rfc822msgid:"
)

// Folder attributes.
const (
	// FolderAllMail marks the canonical all-messages folder in XLIST
	// responses. SPECIAL-USE servers report FolderAll instead.
	FolderAllMail = `\AllMail`
	FolderAll     = `\All`
	FolderDrafts  = `\Drafts`
)

// DefaultAllMail is the all-messages folder name of English-locale
// mailboxes.
const DefaultAllMail = "[Gmail]/All Mail"

// DraftsLabel is the system label carried by unsent drafts.
const DraftsLabel = `\Draft`

// Folder describes one mailbox returned by a listing command.
type Folder struct {
	Name  string
	Attrs []string
}

// HasAttr reports whether the folder carries attr.
func (f Folder) HasAttr(attr string) bool {
	for _, a := range f.Attrs {
		if a == attr {
			return true
		}
	}
	return false
}

// MailboxState holds the counters of a selected or queried mailbox.
type MailboxState struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	UIDNext     uint32
}

// RemoteMessage is one message as fetched from the server. It is consumed
// immediately by the importer and never stored as-is.
type RemoteMessage struct {
	UID        uint32
	ThreadID   string
	GmailMsgID string
	Labels     []string
	Flags      []string
	Raw        []byte

	// Date is the Date header, set only by FetchDates.
	Date time.Time
}
