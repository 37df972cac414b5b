// Package source defines the error taxonomy shared by the protocol adapter,
// the importer and the sync workers.
package source

import (
	"errors"
	"fmt"
	"strings"
)

// ProtocolKind distinguishes protocol failures that need different handling.
type ProtocolKind string

const (
	// KindTransient covers network and server errors that a later pass may
	// not hit again.
	KindTransient ProtocolKind = "transient"

	// KindAuth means the server rejected the credentials.
	KindAuth ProtocolKind = "auth"

	// KindNotFound means the mailbox or label does not exist.
	KindNotFound ProtocolKind = "notFound"
)

// ProtocolError is returned by every remote mailbox operation.
type ProtocolError struct {
	Kind ProtocolKind
	Op   string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("imap %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps err as a ProtocolError of the given kind.
func NewProtocolError(kind ProtocolKind, op string, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Op: op, Err: err}
}

// AuthError indicates that authentication has failed or expired for an
// account.
func AuthError(op string, err error) *ProtocolError {
	return NewProtocolError(KindAuth, op, err)
}

// IsAuthError reports whether err (or any error in its chain) is a
// ProtocolError of kind auth.
func IsAuthError(err error) bool {
	return protocolKind(err) == KindAuth
}

// IsNotFound reports whether err is a ProtocolError of kind notFound.
func IsNotFound(err error) bool {
	return protocolKind(err) == KindNotFound
}

// IsTransient reports whether err is a transient ProtocolError.
func IsTransient(err error) bool {
	return protocolKind(err) == KindTransient
}

func protocolKind(err error) ProtocolKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// ClassificationReason explains why a single message could not be imported.
type ClassificationReason string

const (
	ReasonUnresolvableCampaign     ClassificationReason = "unresolvableCampaign"
	ReasonUnresolvableBounceTarget ClassificationReason = "unresolvableBounceTarget"
	ReasonMalformedMessage         ClassificationReason = "malformedMessage"
	ReasonInvalidTransition        ClassificationReason = "invalidTransition"
)

// ClassificationError fails the import of one message. The pass that hit it
// continues with the next message.
type ClassificationError struct {
	Reason          ClassificationReason
	HeaderMessageID string
	Address         string
	Detail          string
}

func (e *ClassificationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Reason))
	if e.HeaderMessageID != "" {
		fmt.Fprintf(&b, " <%s>", e.HeaderMessageID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// IsClassificationError reports whether err carries a ClassificationError.
func IsClassificationError(err error) bool {
	var ce *ClassificationError
	return errors.As(err, &ce)
}

// IntegrityError reports a duplicate header message id for an account.
type IntegrityError struct {
	AccountID       string
	HeaderMessageID string
	Err             error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("duplicate header id <%s> for account %s", e.HeaderMessageID, e.AccountID)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// IsIntegrityError reports whether err carries an IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// RetryExhaustedError is the terminal failure of a bounded retry loop.
type RetryExhaustedError struct {
	Attempts   int
	MessageIDs []string
	Err        error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts (%d unresolved): %v", e.Attempts, len(e.MessageIDs), e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
