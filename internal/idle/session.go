package idle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/nhle/mailsync/internal/source"
	"github.com/nhle/mailsync/internal/source/gmail"
)

// session is one connection held in IDLE.
type session interface {
	SelectAllMail(ctx context.Context) (string, error)
	// Idle holds one IDLE command for at most d, or until ctx is done.
	Idle(ctx context.Context, d time.Duration) error
	Close() error
}

type imapSession struct {
	c *imapclient.Client
}

// dialIMAP opens a TLS connection whose unsolicited responses go to h.
func dialIMAP(addr string, tlsConfig *tls.Config, debug io.Writer, creds gmail.Credentials, h *imapclient.UnilateralDataHandler) (*imapSession, error) {
	c, err := imapclient.DialTLS(addr, &imapclient.Options{
		TLSConfig:             tlsConfig,
		DebugWriter:           debug,
		UnilateralDataHandler: h,
	})
	if err != nil {
		return nil, source.NewProtocolError(source.KindTransient, "dial", err)
	}

	if creds.AccessToken != "" {
		err = c.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: creds.Username,
			Token:    creds.AccessToken,
		}))
	} else {
		err = c.Login(creds.Username, creds.Password).Wait()
	}
	if err != nil {
		_ = c.Close()
		return nil, classifyLogin(creds.Username, err)
	}
	return &imapSession{c: c}, nil
}

func (s *imapSession) SelectAllMail(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	list, err := s.c.List("", "*", &imap.ListOptions{ReturnSpecialUse: true}).Collect()
	if err != nil {
		return "", classify("list", err)
	}
	// Fall back to the English name when no folder carries \All.
	name := gmail.DefaultAllMail
	for _, mb := range list {
		if hasAttr(mb.Attrs, imap.MailboxAttrAll) {
			name = mb.Mailbox
			break
		}
	}
	if _, err := s.c.Select(name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return "", classify("select "+name, err)
	}
	return name, nil
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if strings.EqualFold(string(a), string(want)) {
			return true
		}
	}
	return false
}

func (s *imapSession) Idle(ctx context.Context, d time.Duration) error {
	cmd, err := s.c.Idle()
	if err != nil {
		return classify("idle", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		// The server ended IDLE on its own, usually by closing the
		// connection.
		if err == nil {
			err = errors.New("server ended IDLE")
		}
		return classify("idle", err)
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := cmd.Close(); err != nil {
		return classify("idle done", err)
	}
	if err := <-done; err != nil {
		return classify("idle", err)
	}
	return nil
}

func (s *imapSession) Close() error {
	if err := s.c.Logout().Wait(); err != nil {
		_ = s.c.Close()
		return err
	}
	return s.c.Close()
}

// classifyLogin reports rejected credentials only for a NO reply. A
// dropped connection or timeout stays transient.
func classifyLogin(username string, err error) error {
	var ie *imap.Error
	if errors.As(err, &ie) && ie.Type == imap.StatusResponseTypeNo {
		return source.AuthError("authenticate", fmt.Errorf("authentication failed for %s: %w", username, err))
	}
	return classify("authenticate", err)
}

// classify maps a client error onto the protocol error taxonomy.
func classify(op string, err error) error {
	var ie *imap.Error
	if errors.As(err, &ie) && ie.Code == imap.ResponseCodeAuthenticationFailed {
		return source.AuthError(op, err)
	}
	if strings.Contains(err.Error(), "Invalid credentials") {
		return source.AuthError(op, err)
	}
	return source.NewProtocolError(source.KindTransient, op, err)
}
