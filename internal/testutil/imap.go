package testutil

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// IMAPReply answers one tagged command line. Returning false closes the
// connection without a reply.
type IMAPReply func(tag, command string) (string, bool)

// IMAPServer is a scripted IMAP endpoint over TLS. It greets every
// connection and answers each command line with Reply.
type IMAPServer struct {
	Addr string
	// TLS trusts the server certificate.
	TLS *tls.Config

	ln net.Listener
}

// NewIMAPServer starts a server on a loopback port. It is closed when the
// test ends.
func NewIMAPServer(t *testing.T, reply IMAPReply) *IMAPServer {
	t.Helper()
	// httptest ships a certificate valid for 127.0.0.1.
	hs := httptest.NewUnstartedServer(http.NotFoundHandler())
	hs.StartTLS()
	certs := hs.TLS.Certificates
	clientTLS := hs.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	hs.Close()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: certs})
	require.NoError(t, err)
	s := &IMAPServer{Addr: ln.Addr().String(), TLS: clientTLS, ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go s.serve(reply)
	return s
}

func (s *IMAPServer) serve(reply IMAPReply) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go handleIMAP(conn, reply)
	}
}

func handleIMAP(conn net.Conn, reply IMAPReply) {
	defer conn.Close()
	if _, err := conn.Write([]byte("* OK [CAPABILITY IMAP4rev1 AUTH=OAUTHBEARER] ready\r\n")); err != nil {
		return
	}
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		tag, command, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")
		out, ok := reply(tag, command)
		if !ok {
			return
		}
		if _, err := conn.Write([]byte(out)); err != nil {
			return
		}
	}
}

// DropOnLogin closes the connection when LOGIN or AUTHENTICATE arrives.
func DropOnLogin(tag, command string) (string, bool) {
	if isLogin(command) {
		return "", false
	}
	return tag + " OK done\r\n", true
}

// RejectLogin refuses LOGIN and AUTHENTICATE the way Gmail does.
func RejectLogin(tag, command string) (string, bool) {
	if isLogin(command) {
		return tag + " NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)\r\n", true
	}
	if strings.HasPrefix(strings.ToUpper(command), "LOGOUT") {
		return "* BYE logging out\r\n" + tag + " OK done\r\n", true
	}
	return tag + " OK done\r\n", true
}

func isLogin(command string) bool {
	c := strings.ToUpper(command)
	return strings.HasPrefix(c, "LOGIN") || strings.HasPrefix(c, "AUTHENTICATE")
}
