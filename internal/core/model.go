package core

import (
	"net/mail"
	"regexp"
	"strings"
)

// ExtractAddress pulls the bare address out of a From/To header value.
func ExtractAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "<>"))
	}
	return addr.Address
}

// List represents an encrypted mailing list identity. The core treats a
// List as an immutable configuration snapshot for the duration of one
// pipeline run; persistence belongs to the store adapters.
type List struct {
	Email       string
	Fingerprint string

	ReceiveEncryptedOnly     bool
	ReceiveSignedOnly        bool
	ReceiveAuthenticatedOnly bool
	ReceiveAdminOnly         bool
	SendEncryptedOnly        bool

	KeepMsgid              bool
	IncludeListHeaders     bool
	IncludeOpenPGPHeader   bool
	IncludeAutocryptHeader bool
	// OpenPGP header preference, e.g. "signencrypt". "none" suppresses
	// the preference clause.
	OpenPGPHeaderPreference string

	SubjectPrefix    string
	SubjectPrefixIn  string
	SubjectPrefixOut string
	PublicFooter     string
	InternalFooter   string

	// Header names copied into the visible pseudoheader block, plus the
	// virtual fields "sig" and "enc".
	HeadersToMeta []string

	KeywordsAdminOnly   []string
	KeywordsAdminNotify []string

	BouncesDropOnHeaders map[string]string
	BouncesDropAll       bool
	BouncesNotifyAdmins  bool
}

func (l *List) RequestAddress() string { return subaddress(l.Email, "request") }
func (l *List) SendkeyAddress() string { return subaddress(l.Email, "sendkey") }
func (l *List) OwnerAddress() string   { return subaddress(l.Email, "owner") }
func (l *List) BounceAddress() string  { return subaddress(l.Email, "bounce") }

func subaddress(email, suffix string) string {
	return strings.Replace(email, "@", "-"+suffix+"@", 1)
}

// AdminOnlyKeyword reports whether keyword may only be issued by a
// verified list admin.
func (l *List) AdminOnlyKeyword(keyword string) bool {
	for _, k := range l.KeywordsAdminOnly {
		if k == keyword {
			return true
		}
	}
	return false
}

// AdminNotifyKeyword reports whether responses to keyword must be
// relayed to all admins for audit.
func (l *List) AdminNotifyKeyword(keyword string) bool {
	for _, k := range l.KeywordsAdminNotify {
		if k == keyword {
			return true
		}
	}
	return false
}

// Subscriber is a single enrolled address of a list.
type Subscriber struct {
	Email           string
	Fingerprint     string
	Admin           bool
	DeliveryEnabled bool
}

// Key is the core's view of an OpenPGP key held by the keystore.
type Key struct {
	Fingerprint        string
	PrimaryFingerprint string
	Emails             []string
	Expired            bool
	Revoked            bool
	CanEncrypt         bool
}

// ImportStatus describes the outcome for one key of an import.
type ImportStatus struct {
	Fingerprint string
	Action      string // "imported", "unchanged", "updated"
}

// ImportReport is the result of importing key material.
type ImportReport struct {
	Imports []ImportStatus
}

// AddressClass tells which role address of a list an inbound message
// was sent to.
type AddressClass int

const (
	ClassPost AddressClass = iota
	ClassRequest
	ClassSendkey
	ClassOwner
	ClassBounce
)

var subaddressRe = regexp.MustCompile(`-(request|sendkey|owner|bounce)@`)

// ClassifyRecipient splits a recipient address into the list's main
// address and the address class it was directed at.
func ClassifyRecipient(recipient string) (listEmail string, class AddressClass) {
	m := subaddressRe.FindStringSubmatch(recipient)
	if m == nil {
		return recipient, ClassPost
	}
	listEmail = subaddressRe.ReplaceAllString(recipient, "@")
	switch m[1] {
	case "request":
		class = ClassRequest
	case "sendkey":
		class = ClassSendkey
	case "owner":
		class = ClassOwner
	case "bounce":
		class = ClassBounce
	}
	return listEmail, class
}

// Command is one extracted keyword line: the normalized keyword and its
// tokenized arguments, in order of appearance.
type Command struct {
	Keyword   string
	Arguments []string
}

// CommandResult is the outcome of running one keyword handler.
type CommandResult struct {
	Keyword   string
	Arguments []string
	Output    string
	// NotifyAdmins marks output that must additionally be relayed to
	// the list admins, regardless of who issued the command.
	NotifyAdmins bool
}

// VerificationOutcome reports what Unwrap learned about the message's
// signature and encryption layers.
type VerificationOutcome struct {
	WasEncrypted bool
	Signed       bool
	// Valid is meaningful only when Signed is true. An invalid
	// signature is a normal outcome, not an error.
	Valid bool
	// Fingerprint of the signing (sub)key, and the primary-key
	// fingerprint it resolves to. Subscriptions are bound to primary
	// fingerprints.
	Fingerprint        string
	PrimaryFingerprint string
}
