package sync

import (
	"bytes"
	"context"
	"fmt"
	netmail "net/mail"
	"sort"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// remote is one message on the fake server. Keys are the search terms it
// matches, e.g. "X-GM-THRID 111".
type remote struct {
	gmail.RemoteMessage
	HeaderID string
	Keys     []string
	Date     time.Time
}

// fakeServer is an in-memory mailbox shared by every connection opened
// through its Connect method.
type fakeServer struct {
	mu gosync.Mutex

	validity uint32
	next     uint32
	msgs     map[uint32]*remote

	connectErr error
	fetchErr   error
	labelErr   error
	// indexAfter hides message ids from SearchMessageID until this many
	// connections were opened.
	indexAfter int

	connects int
	closes   int
	selected []bool
	searches [][]string
	scopes   []string
	fetched  []uint32
	// fetchCalls holds the number of UIDs of each FetchMessages call.
	fetchCalls []int
	ensured    []string
	labelled map[uint32][]string
}

func newFakeServer(validity, next uint32) *fakeServer {
	return &fakeServer{
		validity: validity,
		next:     next,
		msgs:     make(map[uint32]*remote),
		labelled: make(map[uint32][]string),
	}
}

func (s *fakeServer) add(uid uint32, thread, headerID string, raw []byte, labels []string, keys ...string) {
	keys = append(keys, gmail.AttrThreadID+" "+thread)
	for _, l := range labels {
		keys = append(keys, gmail.AttrLabels+" "+gmail.Quote(l))
	}
	var date time.Time
	if m, err := netmail.ReadMessage(bytes.NewReader(raw)); err == nil {
		date, _ = m.Header.Date()
	}
	s.msgs[uid] = &remote{
		RemoteMessage: gmail.RemoteMessage{UID: uid, ThreadID: thread, Labels: labels, Raw: raw},
		Date:          date,
		HeaderID:      headerID,
		Keys:          keys,
	}
}

func (s *fakeServer) Connect(context.Context, *model.Account) (Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return nil, s.connectErr
	}
	s.connects++
	return &fakeConn{s: s}, nil
}

type fakeConn struct {
	s *fakeServer
}

func (c *fakeConn) AllMailFolder(context.Context) (string, error) {
	return "[Gmail]/All Mail", nil
}

func (c *fakeConn) SelectFolder(_ context.Context, name string, readOnly bool) (*gmail.MailboxState, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.selected = append(c.s.selected, readOnly)
	return &gmail.MailboxState{
		Name:        name,
		Messages:    uint32(len(c.s.msgs)),
		UIDValidity: c.s.validity,
		UIDNext:     c.s.next,
	}, nil
}

func (c *fakeConn) SearchAll(_ context.Context, scope string, queries []string) ([]uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.scopes = append(c.s.scopes, scope)
	c.s.searches = append(c.s.searches, queries)

	seen := make(map[uint32]bool)
	for _, q := range queries {
		for uid, m := range c.s.msgs {
			if inScope(scope, uid) && matches(q, m) {
				seen[uid] = true
			}
		}
	}
	out := make([]uint32, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func inScope(scope string, uid uint32) bool {
	if scope == fullScope {
		return true
	}
	bounds := strings.TrimPrefix(scope, "UID ")
	lo, hi, ok := strings.Cut(bounds, ":")
	from, _ := strconv.ParseUint(lo, 10, 32)
	to := from
	if ok {
		to, _ = strconv.ParseUint(hi, 10, 32)
	}
	return uint64(uid) >= from && uint64(uid) <= to
}

func matches(query string, m *remote) bool {
	positive, negative, _ := strings.Cut(query, " NOT ")
	if before, _, ok := strings.Cut(negative, " SINCE "); ok {
		negative = before
	}
	for _, l := range m.Labels {
		if negative != "" && strings.Contains(negative, gmail.AttrLabels+" "+gmail.Quote(l)) {
			return false
		}
	}
	for _, k := range m.Keys {
		if containsTerm(positive, k) {
			return true
		}
	}
	return false
}

// containsTerm matches k as a whole term so "X-GM-THRID 11" does not
// match "X-GM-THRID 111".
func containsTerm(q, k string) bool {
	for rest := q; ; {
		i := strings.Index(rest, k)
		if i < 0 {
			return false
		}
		end := i + len(k)
		if end == len(rest) || rest[end] == ' ' {
			return true
		}
		rest = rest[end:]
	}
}

func (c *fakeConn) SearchMessageID(_ context.Context, headerID string) ([]uint32, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.connects <= c.s.indexAfter {
		return nil, nil
	}
	var out []uint32
	for uid, m := range c.s.msgs {
		if m.HeaderID == headerID {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (c *fakeConn) FetchMessages(_ context.Context, uids []uint32) ([]gmail.RemoteMessage, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.fetchErr != nil {
		return nil, c.s.fetchErr
	}
	out := make([]gmail.RemoteMessage, 0, len(uids))
	for _, uid := range uids {
		m, ok := c.s.msgs[uid]
		if !ok {
			return nil, fmt.Errorf("no UID %d", uid)
		}
		c.s.fetched = append(c.s.fetched, uid)
		out = append(out, m.RemoteMessage)
	}
	c.s.fetchCalls = append(c.s.fetchCalls, len(uids))
	return out, nil
}

func (c *fakeConn) FetchDates(_ context.Context, uids []uint32) ([]gmail.RemoteMessage, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.fetchErr != nil {
		return nil, c.s.fetchErr
	}
	var out []gmail.RemoteMessage
	for _, uid := range uids {
		if m, ok := c.s.msgs[uid]; ok {
			out = append(out, gmail.RemoteMessage{UID: uid, Date: m.Date})
		}
	}
	return out, nil
}

func (c *fakeConn) FetchIdentifiers(_ context.Context, uids []uint32) ([]gmail.RemoteMessage, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []gmail.RemoteMessage
	for _, uid := range uids {
		if m, ok := c.s.msgs[uid]; ok {
			out = append(out, gmail.RemoteMessage{UID: uid, ThreadID: m.ThreadID})
		}
	}
	return out, nil
}

func (c *fakeConn) EnsureLabel(_ context.Context, label string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.s.labelErr != nil {
		return c.s.labelErr
	}
	c.s.ensured = append(c.s.ensured, label)
	return nil
}

func (c *fakeConn) SetLabels(_ context.Context, uids []uint32, labels []string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, uid := range uids {
		c.s.labelled[uid] = append(c.s.labelled[uid], labels...)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.closes++
	return nil
}

// mail builds a raw RFC 5322 message.
func mail(headerID, from, to string, at time.Time, extra string) []byte {
	h := fmt.Sprintf("From: %s\nTo: %s\nSubject: Re: Hello\nDate: %s\nMessage-ID: <%s>\n%s",
		from, to, at.Format(time.RFC1123Z), headerID, extra)
	return []byte(strings.ReplaceAll(h+"\nHello there\n", "\n", "\r\n"))
}
