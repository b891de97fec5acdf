// Package errs defines the error taxonomy shared by ingestion and settlement.
//
// Every error that crosses a package boundary and has a defined client-facing
// meaning is an *Error carrying a Kind. Callers branch on the Kind via KindOf
// rather than on message text.
package errs

import (
	"errors"
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// Kind classifies an error for callers and for the HTTP status it maps to.
type Kind string

const (
	Kind_Malformed             Kind = "Malformed"
	Kind_InvalidSignature      Kind = "InvalidSignature"
	Kind_Expired               Kind = "Expired"
	Kind_Unauthorized          Kind = "Unauthorized"
	Kind_NotFound              Kind = "NotFound"
	Kind_Duplicate             Kind = "Duplicate"
	Kind_RateLimited           Kind = "RateLimited"
	Kind_CampaignInactive      Kind = "CampaignInactive"
	Kind_InsufficientAccrual   Kind = "InsufficientAccrual"
	Kind_TreasuryInsufficient  Kind = "TreasuryInsufficient"
	Kind_OnChainCallFailed     Kind = "OnChainCallFailed"
	Kind_ReconciliationPending Kind = "ReconciliationPending"
	Kind_Internal              Kind = "Internal"
)

// Recoverable reports whether a caller may retry the same logical operation later.
func (k Kind) Recoverable() bool {
	switch k {
	case Kind_TreasuryInsufficient, Kind_OnChainCallFailed, Kind_ReconciliationPending:
		return true
	}
	return false
}

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	// EventId references the original event for Duplicate rejections.
	EventId string
	// TxHash references the submitted transaction for settlement errors.
	TxHash string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New returns an Error of kind with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying cause, keeping the stack from pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, cause: pkgErrors.WithStack(cause)}
}

// DuplicateOf is the Duplicate rejection for a replay of eventId.
func DuplicateOf(eventId string) *Error {
	return &Error{Kind: Kind_Duplicate, Message: "duplicate event detected", EventId: eventId}
}

// PendingTx reports a submitted transaction whose outcome is not known yet.
func PendingTx(txHash string, message string) *Error {
	return &Error{Kind: Kind_ReconciliationPending, Message: message, TxHash: txHash}
}

// KindOf returns the Kind of the first *Error in err's chain, or Kind_Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Kind_Internal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
