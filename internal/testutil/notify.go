package testutil

import (
	"context"
	"sync"

	"github.com/nhle/mailsync/internal/model"
)

// Notifications is an in-memory notify.Sink that records every call.
type Notifications struct {
	mu  sync.Mutex
	All []model.Notification
}

func (n *Notifications) record(accountID string, kind model.NotificationKind, detail, headerID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.All = append(n.All, model.Notification{
		AccountID:       accountID,
		Kind:            kind,
		Detail:          detail,
		HeaderMessageID: headerID,
		Address:         address,
	})
}

func (n *Notifications) InvalidCredentials(_ context.Context, accountID, detail string) {
	n.record(accountID, model.NotifyInvalidCredentials, detail, "", "")
}

func (n *Notifications) CredentialsValid(context.Context, string) {}

func (n *Notifications) UnexpectedState(_ context.Context, accountID, detail, headerID, address string) {
	n.record(accountID, model.NotifyUnexpectedState, detail, headerID, address)
}

func (n *Notifications) FetchingException(_ context.Context, accountID, detail string) {
	n.record(accountID, model.NotifyFetchingException, detail, "", "")
}

func (n *Notifications) FetchInProgress(_ context.Context, accountID string) {
	n.record(accountID, model.NotifyFetchInProgress, "", "", "")
}

func (n *Notifications) FetchResolved(context.Context, string) {}

// Kinds returns the recorded kinds in call order.
func (n *Notifications) Kinds() []model.NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.NotificationKind, 0, len(n.All))
	for _, x := range n.All {
		out = append(out, x.Kind)
	}
	return out
}

// Count returns how many notifications of kind were recorded.
func (n *Notifications) Count(kind model.NotificationKind) int {
	c := 0
	for _, k := range n.Kinds() {
		if k == kind {
			c++
		}
	}
	return c
}
