// Package pikaerr centralizes the error taxonomy: a small
// set of Kinds the core classifies internal errors into, plus the mapping
// from Kind to a user-facing sentence. Logs use the wrapped error (which
// may carry sensitive detail); only Message() is ever shown to a user.
package pikaerr

import "fmt"

// Kind is one of the taxonomy buckets an internal error classifies into.
type Kind int

const (
	KindIdentity Kind = iota
	KindMLS
	KindRelay
	KindTransport
	KindFrameCrypto
	KindSigner
	KindStorage
	KindUnknown
)

// Error wraps an underlying cause with a Kind and an optional signer-style
// remediation hint, and renders a safe user-facing sentence via Message().
type Error struct {
	Kind   Kind
	Cause  error
	// Hint overrides the default per-Kind sentence, e.g. a signer bridge's
	// own error_message, or "pending commit" remediation text.
	Hint string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Message returns the sentence shown to the user, never the raw Go error
// text or type name.
func (e *Error) Message() string {
	if e.Hint != "" {
		return e.Hint
	}
	switch e.Kind {
	case KindIdentity:
		return "We couldn't sign you in. Check your key and try again."
	case KindMLS:
		return "Something went wrong with this conversation's encryption. Please try again."
	case KindRelay:
		return "Couldn't reach the network. We'll keep retrying."
	case KindTransport:
		return "The call connection was lost."
	case KindFrameCrypto:
		return "A call frame couldn't be verified and was dropped."
	case KindSigner:
		return "Your signer didn't approve this action."
	case KindStorage:
		return "Couldn't save some local data, but you can keep going."
	default:
		return "Something went wrong."
	}
}

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindMLS:
		return "mls"
	case KindRelay:
		return "relay"
	case KindTransport:
		return "transport"
	case KindFrameCrypto:
		return "frame_crypto"
	case KindSigner:
		return "signer"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Wrap annotates err with kind, or returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err}
}

// WithHint annotates err with kind and a specific user-facing sentence
// (e.g. a signer's own error_message, or "a commit is still pending").
func WithHint(kind Kind, err error, hint string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: err, Hint: hint}
}
