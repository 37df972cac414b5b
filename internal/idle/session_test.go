package idle

import (
	"errors"
	"io"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
	"github.com/nhle/mailsync/internal/testutil"
)

func dialTest(t *testing.T, reply testutil.IMAPReply) error {
	t.Helper()
	srv := testutil.NewIMAPServer(t, reply)
	s, err := dialIMAP(srv.Addr, srv.TLS, nil, gmail.Credentials{Username: "alice@example.com", Password: "secret"}, newHandler(zerolog.Nop()).unilateral())
	if s != nil {
		_ = s.Close()
	}
	return err
}

func TestDialConnectionDroppedDuringLoginIsTransient(t *testing.T) {
	err := dialTest(t, testutil.DropOnLogin)
	require.Error(t, err)
	assert.True(t, source.IsTransient(err))
	assert.False(t, source.IsAuthError(err))
}

func TestDialRejectedLoginIsAuthError(t *testing.T) {
	err := dialTest(t, testutil.RejectLogin)
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
}

func TestClassifyLogin(t *testing.T) {
	no := &imap.Error{Type: imap.StatusResponseTypeNo, Text: "Web login required"}
	assert.True(t, source.IsAuthError(classifyLogin("alice", no)))

	bad := &imap.Error{Type: imap.StatusResponseTypeBad, Text: "Unknown command"}
	assert.True(t, source.IsTransient(classifyLogin("alice", bad)))

	assert.True(t, source.IsTransient(classifyLogin("alice", io.ErrUnexpectedEOF)))
	assert.True(t, source.IsTransient(classifyLogin("alice", errors.New("connection reset by peer"))))
}
