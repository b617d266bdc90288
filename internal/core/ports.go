package core

import (
	"context"
)

// Signature is the engine-level result of verifying one signature
// layer.
type Signature struct {
	Fingerprint        string
	PrimaryFingerprint string
	Valid              bool
}

// KeyStore gives access to the per-list keyring. Implementations must
// serialize mutations (Import, Delete) per list against concurrent
// readers, and must not hold that lock during network I/O.
type KeyStore interface {
	// Lookup finds keys by fingerprint, email address or free-text
	// identifier. A fingerprint of a sub-key resolves to the owning
	// key, reported with its primary fingerprint.
	Lookup(ctx context.Context, list *List, identifier string) ([]Key, error)

	// Import adds armored or binary key material to the list keyring.
	Import(ctx context.Context, list *List, material []byte) (ImportReport, error)

	// Delete removes the key with the given primary fingerprint.
	Delete(ctx context.Context, list *List, fingerprint string) (bool, error)

	// Export serializes a public key, armored or binary.
	Export(ctx context.Context, list *List, fingerprint string, armored bool) ([]byte, error)

	// UsabilityIssue returns a human-readable reason the key cannot be
	// encrypted to, or "" if the key is usable.
	UsabilityIssue(key Key) string
}

// Engine performs the OpenPGP primitives over raw payloads. The MIME
// layering around these calls is the envelope's job, not the engine's.
type Engine interface {
	// Decrypt decrypts ciphertext with the list's secret key. If the
	// ciphertext carried a combined signature, it is verified and
	// returned. Returns ErrDecryptionFailed (wrapped) when no matching
	// secret or session key is available.
	Decrypt(ctx context.Context, list *List, ciphertext []byte) ([]byte, *Signature, error)

	// VerifyDetached verifies an armored detached signature over
	// signed. A malformed signature yields *VerificationError; a
	// merely invalid one yields a Signature with Valid=false.
	VerifyDetached(ctx context.Context, list *List, signed, signature []byte) (*Signature, error)

	// VerifyInline verifies a clearsigned text and returns the
	// embedded plaintext.
	VerifyInline(ctx context.Context, list *List, text []byte) ([]byte, *Signature, error)

	// EncryptSign encrypts plaintext to the recipient keys and signs
	// with the list's key, producing an armored message.
	EncryptSign(ctx context.Context, list *List, plaintext []byte, recipients []Key) ([]byte, error)

	// SignDetached produces an armored detached signature by the
	// list's key.
	SignDetached(ctx context.Context, list *List, data []byte) ([]byte, error)
}

// Transport hands a fully composed message to the outside world for
// delivery. Implementations must respect ctx for timeout/cancellation.
type Transport interface {
	Deliver(ctx context.Context, from, to string, raw []byte) error
}

// ListStore resolves list configuration. Read-only for the core.
type ListStore interface {
	// GetByEmail returns the list for its main address, or
	// ErrUnknownList.
	GetByEmail(ctx context.Context, email string) (*List, error)
}

// SubscriberStore manages list memberships.
type SubscriberStore interface {
	Subscribers(ctx context.Context, listEmail string) ([]Subscriber, error)
	Get(ctx context.Context, listEmail, email string) (*Subscriber, error)
	ByFingerprint(ctx context.Context, listEmail, fingerprint string) (*Subscriber, error)
	Add(ctx context.Context, listEmail string, sub Subscriber) error
	Remove(ctx context.Context, listEmail, email string) (bool, error)
	SetFingerprint(ctx context.Context, listEmail, email, fingerprint string) error
}

// KeyFetcher retrieves key material from an external keyserver.
type KeyFetcher interface {
	Fetch(ctx context.Context, identifier string) ([]byte, error)
}
