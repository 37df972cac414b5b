package gmail

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/testutil"
)

func dialTest(t *testing.T, reply testutil.IMAPReply) error {
	t.Helper()
	srv := testutil.NewIMAPServer(t, reply)
	c, err := Dial(context.Background(), Options{
		Addr:      srv.Addr,
		Timeout:   2 * time.Second,
		TLSConfig: srv.TLS,
		Logger:    zerolog.Nop(),
	}, Credentials{Username: "alice@example.com", Password: "secret"})
	if c != nil {
		_ = c.Close()
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
	no := &imap.ErrStatusResp{Resp: &imap.StatusResp{Type: imap.StatusRespNo, Info: "[ALERT] Please log in via your web browser"}}
	assert.True(t, source.IsAuthError(classifyLogin("alice", no)))

	bad := &imap.ErrStatusResp{Resp: &imap.StatusResp{Type: imap.StatusRespBad, Info: "Unknown command"}}
	assert.True(t, source.IsTransient(classifyLogin("alice", bad)))

	assert.True(t, source.IsTransient(classifyLogin("alice", io.ErrUnexpectedEOF)))
	assert.True(t, source.IsTransient(classifyLogin("alice", errors.New("i/o timeout"))))
}
