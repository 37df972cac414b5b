// Package gmail wraps a standard IMAP client with the vendor extensions the
// sync engine depends on: thread and label search attributes, the XLIST
// folder listing, label storage and typed extraction of the extended fetch
// items.
package gmail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-sasl"
	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/source"
)

// Credentials authenticate one IMAP session. AccessToken selects
// OAUTHBEARER, otherwise Password is used with LOGIN.
type Credentials struct {
	Username    string
	AccessToken string
	Password    string
}

// Options configures Dial.
type Options struct {
	Addr    string
	Timeout time.Duration
	// TLSConfig overrides the default TLS settings when set.
	TLSConfig *tls.Config

	// Debug, when set, receives the raw protocol exchange.
	Debug io.Writer

	Logger zerolog.Logger
}

// Client is a connected, authenticated IMAP session. It is owned by one
// task for its whole lifetime and is not safe for concurrent use.
type Client struct {
	c   *client.Client
	log zerolog.Logger
}

// Dial connects to the server over TLS and authenticates.
func Dial(ctx context.Context, opts Options, creds Credentials) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.Timeout}
	c, err := client.DialWithDialerTLS(dialer, opts.Addr, opts.TLSConfig)
	if err != nil {
		return nil, source.NewProtocolError(source.KindTransient, "dial", err)
	}
	c.Timeout = opts.Timeout
	if opts.Debug != nil {
		c.SetDebug(opts.Debug)
	}

	if creds.AccessToken != "" {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
		}))
	} else {
		err = c.Login(creds.Username, creds.Password)
	}
	if err != nil {
		_ = c.Logout()
		return nil, classifyLogin(creds.Username, err)
	}

	return &Client{
		c:   c,
		log: opts.Logger.With().Str("component", "imap").Logger(),
	}, nil
}

// Close logs out and releases the connection.
func (c *Client) Close() error {
	if c == nil || c.c == nil {
		return nil
	}
	err := c.c.Logout()
	if errors.Is(err, client.ErrAlreadyLoggedOut) {
		return nil
	}
	return err
}

// ListFolders lists folders matching pattern with their attributes. XLIST is
// used when the server advertises it, LIST otherwise.
func (c *Client) ListFolders(ctx context.Context, pattern string) ([]Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if ok, _ := c.c.Support("XLIST"); ok {
		h := &xlistHandler{}
		cmd := &rawCommand{name: "XLIST", args: []interface{}{"", pattern}}
		if err := c.execute(cmd, h); err != nil {
			return nil, classifyIMAPError("xlist", err)
		}
		return h.folders, nil
	}

	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- c.c.List("", pattern, ch)
	}()
	var folders []Folder
	for m := range ch {
		if m != nil {
			folders = append(folders, Folder{Name: m.Name, Attrs: m.Attributes})
		}
	}
	if err := <-done; err != nil {
		return nil, classifyIMAPError("list", err)
	}
	return folders, nil
}

// FindFolder returns the first folder carrying any of attrs.
func (c *Client) FindFolder(ctx context.Context, attrs ...string) (string, error) {
	folders, err := c.ListFolders(ctx, "*")
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		for _, a := range attrs {
			if f.HasAttr(a) {
				return f.Name, nil
			}
		}
	}
	return "", source.NewProtocolError(source.KindNotFound, "find folder",
		fmt.Errorf("no folder with attributes %s", strings.Join(attrs, ",")))
}

// AllMailFolder returns the name of the canonical all-messages folder.
func (c *Client) AllMailFolder(ctx context.Context) (string, error) {
	return c.FindFolder(ctx, FolderAllMail, FolderAll)
}

// SelectFolder opens a folder. Read-only selection uses EXAMINE.
func (c *Client) SelectFolder(ctx context.Context, name string, readOnly bool) (*MailboxState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, err := c.c.Select(name, readOnly)
	if err != nil {
		return nil, classifyIMAPError("select "+name, err)
	}
	return &MailboxState{
		Name:        name,
		Messages:    st.Messages,
		UIDValidity: st.UidValidity,
		UIDNext:     st.UidNext,
	}, nil
}

// Status queries counters of a folder without selecting it.
func (c *Client) Status(ctx context.Context, name string) (*MailboxState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := []imap.StatusItem{imap.StatusMessages, imap.StatusUidNext, imap.StatusUidValidity}
	st, err := c.c.Status(name, items)
	if err != nil {
		return nil, classifyIMAPError("status "+name, err)
	}
	return &MailboxState{
		Name:        name,
		Messages:    st.Messages,
		UIDValidity: st.UidValidity,
		UIDNext:     st.UidNext,
	}, nil
}

// CreateFolder creates a folder. Labels are folders on this server.
func (c *Client) CreateFolder(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.c.Create(name); err != nil {
		return classifyIMAPError("create "+name, err)
	}
	return nil
}

// EnsureLabel creates label, and its parent labels, when STATUS reports it
// missing.
func (c *Client) EnsureLabel(ctx context.Context, label string) error {
	_, err := c.Status(ctx, label)
	if err == nil {
		return nil
	}
	if !source.IsNotFound(err) {
		return err
	}
	if i := strings.LastIndex(label, "/"); i > 0 {
		if err := c.EnsureLabel(ctx, label[:i]); err != nil {
			return err
		}
	}
	c.log.Debug().Str("label", label).Msg("creating label")
	return c.CreateFolder(ctx, label)
}

// Search runs a UID SEARCH with a prebuilt expression in the selected
// folder. An empty expression matches nothing and is not sent.
func (c *Client) Search(ctx context.Context, expr string) ([]uint32, error) {
	if expr == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var args []interface{}
	if !isASCII(expr) {
		args = append(args, imap.RawString("CHARSET"), imap.RawString("UTF-8"))
	}
	args = append(args, imap.RawString(expr))

	res := &responses.Search{}
	cmd := &commands.Uid{Cmd: &rawCommand{name: "SEARCH", args: args}}
	if err := c.execute(cmd, res); err != nil {
		return nil, classifyIMAPError("search", err)
	}
	return res.Ids, nil
}

// SearchAll runs each query under scope and returns the sorted union of the
// matching UIDs.
func (c *Client) SearchAll(ctx context.Context, scope string, queries []string) ([]uint32, error) {
	seen := make(map[uint32]struct{})
	for _, q := range queries {
		ids, err := c.Search(ctx, Scoped(scope, q))
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	uids := make([]uint32, 0, len(seen))
	for id := range seen {
		uids = append(uids, id)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// SearchMessageID returns the UIDs of messages with the given RFC 5322
// Message-ID in the selected folder.
func (c *Client) SearchMessageID(ctx context.Context, headerID string) ([]uint32, error) {
	return c.Search(ctx, MessageIDQuery(headerID))
}

// FetchMessages fetches full messages with their vendor metadata. Callers
// bound len(uids) per round-trip.
func (c *Client) FetchMessages(ctx context.Context, uids []uint32) ([]RemoteMessage, error) {
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchFlags,
		imap.FetchItem(AttrGmailMsgID),
		imap.FetchItem(AttrThreadID),
		imap.FetchItem(AttrLabels),
		section.FetchItem(),
	}
	return c.fetch(ctx, uids, items, func(msg *imap.Message) (RemoteMessage, error) {
		return toRemoteMessage(msg, section)
	})
}

// FetchIdentifiers fetches only the UID and vendor identifiers.
func (c *Client) FetchIdentifiers(ctx context.Context, uids []uint32) ([]RemoteMessage, error) {
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchItem(AttrGmailMsgID),
		imap.FetchItem(AttrThreadID),
	}
	return c.fetch(ctx, uids, items, func(msg *imap.Message) (RemoteMessage, error) {
		return toRemoteMessage(msg, nil)
	})
}

// FetchDates fetches the UID and Date header of each message, enough to
// order a batch before its bodies are pulled.
func (c *Client) FetchDates(ctx context.Context, uids []uint32) ([]RemoteMessage, error) {
	items := []imap.FetchItem{imap.FetchUid, imap.FetchEnvelope}
	return c.fetch(ctx, uids, items, func(msg *imap.Message) (RemoteMessage, error) {
		rm := RemoteMessage{UID: msg.Uid}
		if msg.Envelope != nil {
			rm.Date = msg.Envelope.Date
		}
		return rm, nil
	})
}

func (c *Client) fetch(ctx context.Context, uids []uint32, items []imap.FetchItem, extract func(*imap.Message) (RemoteMessage, error)) ([]RemoteMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	seq := new(imap.SeqSet)
	seq.AddNum(uids...)

	msgs := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- c.c.UidFetch(seq, items, msgs)
	}()

	var out []RemoteMessage
	var extractErr error
	for msg := range msgs {
		if msg == nil || extractErr != nil {
			continue
		}
		rm, err := extract(msg)
		if err != nil {
			extractErr = err
			continue
		}
		out = append(out, rm)
	}
	if err := <-done; err != nil {
		return nil, classifyIMAPError("fetch", err)
	}
	if extractErr != nil {
		return nil, extractErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func toRemoteMessage(msg *imap.Message, section *imap.BodySectionName) (RemoteMessage, error) {
	rm := RemoteMessage{UID: msg.Uid, Flags: msg.Flags}

	var err error
	if rm.ThreadID, err = numericItem(msg, imap.FetchItem(AttrThreadID)); err != nil {
		return rm, err
	}
	if rm.GmailMsgID, err = numericItem(msg, imap.FetchItem(AttrGmailMsgID)); err != nil {
		return rm, err
	}
	if section == nil {
		return rm, nil
	}

	if rm.Labels, err = labelsItem(msg); err != nil {
		return rm, err
	}
	lit := msg.GetBody(section)
	if lit == nil {
		return rm, fmt.Errorf("fetch response for UID %d has no body", msg.Uid)
	}
	if rm.Raw, err = io.ReadAll(lit); err != nil {
		return rm, fmt.Errorf("reading body of UID %d: %w", msg.Uid, err)
	}
	return rm, nil
}

// SetLabels adds labels to the messages with the given UIDs in the selected
// folder.
func (c *Client) SetLabels(ctx context.Context, uids []uint32, labels []string) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seq := new(imap.SeqSet)
	seq.AddNum(uids...)
	list := make([]interface{}, 0, len(labels))
	for _, l := range labels {
		enc, err := EncodeLabel(l)
		if err != nil {
			return fmt.Errorf("encoding label %q: %w", l, err)
		}
		list = append(list, enc)
	}

	cmd := &commands.Uid{Cmd: &rawCommand{
		name: "STORE",
		args: []interface{}{imap.RawString(seq.String()), imap.RawString("+" + AttrLabels), list},
	}}
	if err := c.execute(cmd, discard{}); err != nil {
		return classifyIMAPError("store labels", err)
	}
	return nil
}

func (c *Client) execute(cmd imap.Commander, h responses.Handler) error {
	status, err := c.c.Execute(cmd, h)
	if err != nil {
		return err
	}
	return status.Err()
}

// classifyIMAPError maps a library error onto the protocol error taxonomy.
func classifyIMAPError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *source.ProtocolError
	if errors.As(err, &pe) {
		return err
	}

	var code imap.StatusRespCode
	var statusErr *imap.ErrStatusResp
	if errors.As(err, &statusErr) && statusErr.Resp != nil {
		code = statusErr.Resp.Code
	}

	msg := err.Error()
	switch {
	case code == "AUTHENTICATIONFAILED",
		strings.Contains(msg, "AUTHENTICATIONFAILED"),
		strings.Contains(msg, "Invalid credentials"):
		return source.NewProtocolError(source.KindAuth, op, err)
	case code == "NONEXISTENT", code == imap.CodeTryCreate,
		strings.Contains(msg, "NONEXISTENT"),
		strings.Contains(msg, "Unknown Mailbox"):
		return source.NewProtocolError(source.KindNotFound, op, err)
	default:
		return source.NewProtocolError(source.KindTransient, op, err)
	}
}

// classifyLogin reports rejected credentials only for a NO reply to LOGIN
// or AUTHENTICATE. A dropped connection or timeout stays transient.
func classifyLogin(username string, err error) error {
	var statusErr *imap.ErrStatusResp
	if errors.As(err, &statusErr) && statusErr.Resp != nil && statusErr.Resp.Type == imap.StatusRespNo {
		return source.AuthError("authenticate", fmt.Errorf("authentication failed for %s: %w", username, err))
	}
	return classifyIMAPError("authenticate", err)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
