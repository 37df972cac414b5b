package gmail

import (
	"bytes"
	"errors"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/source"
)

func TestToRemoteMessage(t *testing.T) {
	msg := imap.NewMessage(42, nil)
	msg.Uid = 1042
	msg.Flags = []string{imap.SeenFlag}
	msg.Items[imap.FetchItem(AttrThreadID)] = "1790000000000000001"
	msg.Items[imap.FetchItem(AttrGmailMsgID)] = "1790000000000000002"
	msg.Items[imap.FetchItem(AttrLabels)] = []interface{}{`\Inbox`, "myriad/launch", "&AMk-t&AOk-"}

	section := &imap.BodySectionName{}
	msg.Body[section] = bytes.NewBufferString("Subject: hi\r\n\r\nbody")

	rm, err := toRemoteMessage(msg, section)
	require.NoError(t, err)
	assert.Equal(t, uint32(1042), rm.UID)
	assert.Equal(t, "1790000000000000001", rm.ThreadID)
	assert.Equal(t, "1790000000000000002", rm.GmailMsgID)
	assert.Equal(t, []string{`\Inbox`, "myriad/launch", "Été"}, rm.Labels)
	assert.Equal(t, "Subject: hi\r\n\r\nbody", string(rm.Raw))
}

func TestToRemoteMessageRejectsUnexpectedTypes(t *testing.T) {
	msg := imap.NewMessage(1, nil)
	msg.Uid = 5
	msg.Items[imap.FetchItem(AttrThreadID)] = []interface{}{"1"}
	msg.Items[imap.FetchItem(AttrGmailMsgID)] = "2"

	_, err := toRemoteMessage(msg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected X-GM-THRID type")

	msg.Items[imap.FetchItem(AttrThreadID)] = "not-a-number"
	_, err = toRemoteMessage(msg, nil)
	require.Error(t, err)

	delete(msg.Items, imap.FetchItem(AttrThreadID))
	_, err = toRemoteMessage(msg, nil)
	require.Error(t, err)
}

func TestLabelCodecRoundTrip(t *testing.T) {
	enc, err := EncodeLabel("myriad/Café")
	require.NoError(t, err)
	assert.Equal(t, "myriad/Caf&AOk-", enc)

	dec, err := DecodeLabel(enc)
	require.NoError(t, err)
	assert.Equal(t, "myriad/Café", dec)
}

func TestClassifyIMAPError(t *testing.T) {
	auth := classifyIMAPError("select", &imap.ErrStatusResp{Resp: &imap.StatusResp{
		Type: imap.StatusRespNo,
		Code: "AUTHENTICATIONFAILED",
		Info: "Invalid credentials (Failure)",
	}})
	assert.True(t, source.IsAuthError(auth))

	missing := classifyIMAPError("status", errors.New("Unknown Mailbox: myriad/x (Failure)"))
	assert.True(t, source.IsNotFound(missing))

	transient := classifyIMAPError("fetch", errors.New("connection reset by peer"))
	assert.True(t, source.IsTransient(transient))

	assert.NoError(t, classifyIMAPError("noop", nil))
}
