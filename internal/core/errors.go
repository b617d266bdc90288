package core

import (
	"errors"
	"fmt"
)

// Sentinel errors of the processing pipeline. DecryptionFailed and
// MalformedMime are fatal to the message being processed; the rest are
// recovered locally (per keyword or per subscriber).
var (
	ErrDecryptionFailed    = errors.New("message could not be decrypted")
	ErrUnauthorizedCommand = errors.New("keyword is admin-only")
	ErrUnknownCommand      = errors.New("unknown keyword")
	ErrCommandFailed       = errors.New("keyword handler failed")
	ErrNoUsableKey         = errors.New("no usable key for recipient")
	ErrMalformedMime       = errors.New("malformed mime input")
	ErrUnknownList         = errors.New("no such list")
)

// VerificationError indicates a structurally broken signature, as
// opposed to a well-formed signature that simply does not verify.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed signature: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed signature: %s", e.Reason)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// TransportError wraps a delivery failure for one recipient.
type TransportError struct {
	Recipient string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.Recipient, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
