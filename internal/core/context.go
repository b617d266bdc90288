package core

import (
	"github.com/mikey/pgp-list-relay/internal/message"
)

// ProcessingContext carries the state of one pipeline run. It is
// created at pipeline entry, passed explicitly to every dispatcher and
// handler call, and discarded at pipeline exit; nothing here is ever
// ambient or persisted.
type ProcessingContext struct {
	List  *List
	Class AddressClass

	// Original is the pre-decryption message, retained read-only for
	// provenance and signature binding.
	Original *message.Entity
	// Message is the current working message.
	Message *message.Entity

	Outcome VerificationOutcome
	// Signer is the subscriber bound to a valid signature, if any.
	Signer *Subscriber

	ProtectedSubject bool
	OuterSubject     string

	// Commands extracted from the leading plaintext, in order of
	// appearance.
	Commands []Command

	pseudoheaders []string
	audit         []string
}

// AddAuditPseudoheader appends a display line shown only on
// admin-directed copies (delivery audit trail).
func (p *ProcessingContext) AddAuditPseudoheader(key, value string) {
	p.audit = append(p.audit, message.FormatPseudoheader(key, value))
}

// AuditPseudoheaders returns the audit-only display lines.
func (p *ProcessingContext) AuditPseudoheaders() []string {
	return append([]string(nil), p.audit...)
}

// AddPseudoheader appends one display line to the visible metadata
// block. Append-only during a run.
func (p *ProcessingContext) AddPseudoheader(key, value string) {
	p.pseudoheaders = append(p.pseudoheaders, message.FormatPseudoheader(key, value))
}

// Pseudoheaders returns the accumulated display lines in order.
func (p *ProcessingContext) Pseudoheaders() []string {
	return append([]string(nil), p.pseudoheaders...)
}

// FromAdmin reports whether the message is validly signed by a list
// admin. Absent or unverified signers always fail closed.
func (p *ProcessingContext) FromAdmin() bool {
	return p.Outcome.Signed && p.Outcome.Valid && p.Signer != nil && p.Signer.Admin
}

// SenderAddress returns the best reply address: the verified signer if
// present, else the From header.
func (p *ProcessingContext) SenderAddress() string {
	if p.Signer != nil {
		return p.Signer.Email
	}
	return ExtractAddress(p.Original.Header.Get("From"))
}
