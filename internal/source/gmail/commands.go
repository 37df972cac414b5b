package gmail

import (
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/responses"
)

// rawCommand sends a command the base client has no helper for.
type rawCommand struct {
	name string
	args []interface{}
}

func (c *rawCommand) Command() *imap.Command {
	return &imap.Command{Name: c.name, Arguments: c.args}
}

// xlistHandler collects untagged XLIST responses. Names are decoded from
// modified UTF-7 by MailboxInfo.Parse.
type xlistHandler struct {
	folders []Folder
}

func (h *xlistHandler) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "XLIST" {
		return responses.ErrUnhandled
	}
	info := &imap.MailboxInfo{}
	if err := info.Parse(fields); err != nil {
		return err
	}
	h.folders = append(h.folders, Folder{Name: info.Name, Attrs: info.Attributes})
	return nil
}

// discard ignores untagged responses such as the FETCH echoes of STORE.
type discard struct{}

func (discard) Handle(imap.Resp) error { return responses.ErrUnhandled }
