// Package crypto layers PGP/MIME (RFC 3156) handling over the engine
// and keystore ports: unwrap (decrypt+verify) of inbound messages and
// wrap (sign/encrypt) of outbound ones.
package crypto

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/message"
)

const (
	pgpMessageMarker = "-----BEGIN PGP MESSAGE-----"
	pgpSignedMarker  = "-----BEGIN PGP SIGNED MESSAGE-----"
)

// Policy tells Wrap what to do with an outbound message.
type Policy struct {
	Sign       bool
	Encrypt    bool
	Recipients []core.Key
	// OuterSubject replaces the visible subject on the encrypted
	// artifact when the real subject travels in a protected-headers
	// part.
	OuterSubject string
}

// Unwrapped is the result of unwrapping one inbound message.
type Unwrapped struct {
	Entity  *message.Entity
	Outcome core.VerificationOutcome
	// ProtectedSubject is true when the real subject was hoisted from
	// a protected-headers part; OuterSubject then keeps the original
	// (possibly misleading) outer value for re-use on encrypted
	// copies.
	ProtectedSubject bool
	OuterSubject     string
}

// Envelope performs unwrap/wrap over a message tree, delegating the
// cryptographic primitives to the engine.
type Envelope struct {
	engine core.Engine
	keys   core.KeyStore
	subs   core.SubscriberStore
	logger *zap.Logger
}

// NewEnvelope creates an envelope service.
func NewEnvelope(engine core.Engine, keys core.KeyStore, subs core.SubscriberStore, logger *zap.Logger) *Envelope {
	return &Envelope{
		engine: engine,
		keys:   keys,
		subs:   subs,
		logger: logger,
	}
}

// Unwrap decrypts and verifies an inbound message. The passed entity
// is never modified; the returned entity is a new tree. A missing
// secret key yields core.ErrDecryptionFailed (wrapped); a malformed
// signature yields *core.VerificationError; an invalid signature is a
// normal outcome.
func (v *Envelope) Unwrap(ctx context.Context, list *core.List, orig *message.Entity) (*Unwrapped, error) {
	res := &Unwrapped{}

	work := orig.DeepCopy()
	switch {
	case isEncryptedMIME(orig):
		ciphertext := orig.Parts[1].Body
		inner, sig, err := v.decryptToEntity(ctx, list, orig, ciphertext)
		if err != nil {
			return nil, err
		}
		res.Outcome.WasEncrypted = true
		v.noteSignature(ctx, list, &res.Outcome, sig)
		// A signed structure nested inside the ciphertext
		// ("encapsulated" pgp/mime) gets its own verification pass.
		if !res.Outcome.Signed {
			inner, err = v.verifySignedLayer(ctx, list, inner, &res.Outcome)
			if err != nil {
				return nil, err
			}
		}
		work = inner

	case isInlineEncrypted(orig):
		part := orig.FirstPlaintextPart()
		inner, sig, err := v.decryptToEntity(ctx, list, orig, []byte(part.DecodedText()))
		if err != nil {
			return nil, err
		}
		res.Outcome.WasEncrypted = true
		v.noteSignature(ctx, list, &res.Outcome, sig)
		if !res.Outcome.Signed {
			inner, err = v.verifySignedLayer(ctx, list, inner, &res.Outcome)
			if err != nil {
				return nil, err
			}
		}
		work = inner

	default:
		inner, err := v.verifySignedLayer(ctx, list, work, &res.Outcome)
		if err != nil {
			return nil, err
		}
		work = inner
	}

	hoistProtectedSubject(orig, work, res)
	res.Entity = work
	return res, nil
}

// decryptToEntity decrypts ciphertext and rebuilds a full entity from
// the plaintext, re-attaching the outer envelope headers.
func (v *Envelope) decryptToEntity(ctx context.Context, list *core.List, outer *message.Entity, ciphertext []byte) (*message.Entity, *core.Signature, error) {
	plain, sig, err := v.engine.Decrypt(ctx, list, ciphertext)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrapping message for %s: %w", list.Email, err)
	}
	inner, perr := message.Parse(plain)
	if perr != nil || (inner.Header.Get("Content-Type") == "" && len(inner.Header.Fields()) == 0) {
		// Plaintext without MIME structure: treat as a text body.
		inner = message.NewText(string(plain))
	}
	return adoptEnvelope(outer, inner), sig, nil
}

// verifySignedLayer verifies a multipart/signed or clearsigned layer
// of e, recording the outcome and returning the signed content with
// the envelope headers preserved.
func (v *Envelope) verifySignedLayer(ctx context.Context, list *core.List, e *message.Entity, outcome *core.VerificationOutcome) (*message.Entity, error) {
	switch {
	case isSignedMIME(e):
		content, sigPart := e.Parts[0], e.Parts[1]
		// The signature covers the transmitted octets of the content
		// part; a re-serialization would hash differently.
		signed := content.Raw
		if signed == nil {
			signed = content.Bytes()
		}
		sig, err := v.engine.VerifyDetached(ctx, list, signed, sigPart.Body)
		if err != nil {
			return nil, err
		}
		v.noteSignature(ctx, list, outcome, sig)
		return adoptEnvelope(e, content.DeepCopy()), nil

	case isInlineSigned(e):
		part := e.FirstPlaintextPart()
		plain, sig, err := v.engine.VerifyInline(ctx, list, []byte(part.DecodedText()))
		if err != nil {
			return nil, err
		}
		v.noteSignature(ctx, list, outcome, sig)
		out := e.DeepCopy()
		if inner := out.FirstPlaintextPart(); inner != nil {
			inner.SetText(string(plain))
		}
		return out, nil
	}
	return e, nil
}

// noteSignature records a signature on the outcome, resolving sub-key
// fingerprints to the primary key. Subscriptions are bound to primary
// fingerprints, so the lookup must happen before any match.
func (v *Envelope) noteSignature(ctx context.Context, list *core.List, outcome *core.VerificationOutcome, sig *core.Signature) {
	if sig == nil {
		return
	}
	outcome.Signed = true
	outcome.Valid = sig.Valid
	outcome.Fingerprint = sig.Fingerprint
	outcome.PrimaryFingerprint = sig.PrimaryFingerprint
	if outcome.PrimaryFingerprint == "" {
		keys, err := v.keys.Lookup(ctx, list, sig.Fingerprint)
		if err == nil && len(keys) > 0 {
			outcome.PrimaryFingerprint = keys[0].PrimaryFingerprint
		}
	}
}

// SignerOf binds a verified signature to a subscriber of the list. A
// message may be validly signed without a matching subscriber.
func (v *Envelope) SignerOf(ctx context.Context, list *core.List, outcome core.VerificationOutcome) (*core.Subscriber, error) {
	if !outcome.Signed || !outcome.Valid || outcome.PrimaryFingerprint == "" {
		return nil, nil
	}
	sub, err := v.subs.ByFingerprint(ctx, list.Email, outcome.PrimaryFingerprint)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Wrap applies sign/encrypt per policy and returns a new message. With
// Encrypt false the result is signed-only or plain.
func (v *Envelope) Wrap(ctx context.Context, list *core.List, e *message.Entity, policy Policy) (*message.Entity, error) {
	if policy.Encrypt {
		payload := contentEntity(e).Bytes()
		armored, err := v.engine.EncryptSign(ctx, list, payload, policy.Recipients)
		if err != nil {
			return nil, err
		}
		out := envelopeEntity(e)
		if policy.OuterSubject != "" {
			out.SetSubject(policy.OuterSubject)
		}
		out.Header.Set("Content-Type", `multipart/encrypted; protocol="application/pgp-encrypted"; boundary="`+newBoundary()+`"`)

		version := &message.Entity{Body: []byte("Version: 1\r\n")}
		version.Header.Set("Content-Type", "application/pgp-encrypted")
		version.Header.Set("Content-Description", "PGP/MIME version identification")

		data := &message.Entity{Body: armored}
		data.Header.Set("Content-Type", `application/octet-stream; name="encrypted.asc"`)
		data.Header.Set("Content-Disposition", `inline; filename="encrypted.asc"`)
		data.Header.Set("Content-Description", "OpenPGP encrypted message")

		out.Parts = []*message.Entity{version, data}
		return out, nil
	}

	if policy.Sign {
		content := contentEntity(e)
		sig, err := v.engine.SignDetached(ctx, list, content.Bytes())
		if err != nil {
			return nil, err
		}
		out := envelopeEntity(e)
		out.Header.Set("Content-Type", `multipart/signed; micalg="pgp-sha256"; protocol="application/pgp-signature"; boundary="`+newBoundary()+`"`)

		sigPart := &message.Entity{Body: sig}
		sigPart.Header.Set("Content-Type", `application/pgp-signature; name="signature.asc"`)
		sigPart.Header.Set("Content-Description", "OpenPGP digital signature")

		out.Parts = []*message.Entity{content, sigPart}
		return out, nil
	}

	return e.DeepCopy(), nil
}

// hoistProtectedSubject lifts a protected subject out of the decrypted
// layer, keeps the misleading outer value and strips the now-redundant
// protected-headers part so it is not duplicated downstream.
func hoistProtectedSubject(orig, work *message.Entity, res *Unwrapped) {
	if len(work.Parts) > 0 && message.IsProtectedHeadersPart(work.Parts[0]) {
		for _, line := range strings.Split(work.Parts[0].DecodedText(), "\n") {
			if rest, ok := strings.CutPrefix(line, "Subject:"); ok {
				work.SetSubject(strings.TrimSpace(rest))
				break
			}
		}
		work.Parts = work.Parts[1:]
	}
	if sub := work.Subject(); sub != "" && sub != orig.Subject() {
		res.ProtectedSubject = true
		res.OuterSubject = orig.Subject()
	}
}

func isEncryptedMIME(e *message.Entity) bool {
	if e.MediaType() != "multipart/encrypted" || len(e.Parts) < 2 {
		return false
	}
	return strings.Contains(string(e.Parts[1].Body), pgpMessageMarker)
}

func isInlineEncrypted(e *message.Entity) bool {
	part := e.FirstPlaintextPart()
	return part != nil && strings.Contains(part.DecodedText(), pgpMessageMarker)
}

func isSignedMIME(e *message.Entity) bool {
	return e.MediaType() == "multipart/signed" && len(e.Parts) >= 2
}

func isInlineSigned(e *message.Entity) bool {
	part := e.FirstPlaintextPart()
	return part != nil && strings.Contains(part.DecodedText(), pgpSignedMarker)
}

// adoptEnvelope combines outer's envelope headers with content's
// content headers and body.
func adoptEnvelope(outer, content *message.Entity) *message.Entity {
	out := envelopeEntity(outer)
	for _, name := range contentHeaderNames {
		if v := content.Header.Get(name); v != "" {
			out.Header.Set(name, v)
		}
	}
	// A subject from inside the ciphertext wins over the outer one.
	if s := content.Header.Get("Subject"); s != "" {
		out.Header.Set("Subject", s)
	}
	out.Body = content.Body
	out.Parts = content.Parts
	return out
}

var contentHeaderNames = []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Description"}

// contentEntity strips envelope headers, keeping only the MIME
// structure.
func contentEntity(e *message.Entity) *message.Entity {
	out := &message.Entity{Body: append([]byte(nil), e.Body...)}
	for _, name := range contentHeaderNames {
		if v := e.Header.Get(name); v != "" {
			out.Header.Set(name, v)
		}
	}
	for _, p := range e.Parts {
		out.Parts = append(out.Parts, p.DeepCopy())
	}
	return out
}

// envelopeEntity keeps everything but the MIME structure.
func envelopeEntity(e *message.Entity) *message.Entity {
	out := &message.Entity{}
	for _, f := range e.Header.Fields() {
		if isContentHeader(f.Name) {
			continue
		}
		out.Header.Add(f.Name, f.Value)
	}
	return out
}

func isContentHeader(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), "content-")
}

func newBoundary() string {
	return message.RandomBoundary()
}
