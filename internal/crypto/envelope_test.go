package crypto

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/message"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got %q, expected %q", got, exp)
	}
}

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

const signerFpr = "AAAA1111AAAA1111AAAA1111AAAA1111AAAA1111"

// fakeEngine answers the crypto primitives with canned data, keyed by
// markers in the input.
type fakeEngine struct {
	plaintext  []byte
	signature  *core.Signature
	decryptErr error

	encrypted      [][]byte
	signedData     [][]byte
	detachedInputs [][]byte
}

func (f *fakeEngine) Decrypt(ctx context.Context, list *core.List, ciphertext []byte) ([]byte, *core.Signature, error) {
	if f.decryptErr != nil {
		return nil, nil, f.decryptErr
	}
	return f.plaintext, f.signature, nil
}

func (f *fakeEngine) VerifyDetached(ctx context.Context, list *core.List, signed, signature []byte) (*core.Signature, error) {
	f.detachedInputs = append(f.detachedInputs, signed)
	if string(signature) == "bad" {
		return &core.Signature{Fingerprint: signerFpr, PrimaryFingerprint: signerFpr, Valid: false}, nil
	}
	return &core.Signature{Fingerprint: signerFpr, PrimaryFingerprint: signerFpr, Valid: true}, nil
}

func (f *fakeEngine) VerifyInline(ctx context.Context, list *core.List, text []byte) ([]byte, *core.Signature, error) {
	body := string(text)
	start := strings.Index(body, "\r\n\r\n")
	off := 4
	if start < 0 {
		start = strings.Index(body, "\n\n")
		off = 2
	}
	end := strings.Index(body, "-----BEGIN PGP SIGNATURE-----")
	plain := body
	if start >= 0 && end > start {
		plain = strings.TrimSpace(body[start+off : end])
	}
	return []byte(plain), &core.Signature{Fingerprint: signerFpr, PrimaryFingerprint: signerFpr, Valid: true}, nil
}

func (f *fakeEngine) EncryptSign(ctx context.Context, list *core.List, plaintext []byte, recipients []core.Key) ([]byte, error) {
	f.encrypted = append(f.encrypted, plaintext)
	return []byte("-----BEGIN PGP MESSAGE-----\r\nfake\r\n-----END PGP MESSAGE-----\r\n"), nil
}

func (f *fakeEngine) SignDetached(ctx context.Context, list *core.List, data []byte) ([]byte, error) {
	f.signedData = append(f.signedData, data)
	return []byte("-----BEGIN PGP SIGNATURE-----\r\nfake\r\n-----END PGP SIGNATURE-----\r\n"), nil
}

type fakeKeyStore struct {
	keys map[string][]core.Key
}

func (f *fakeKeyStore) Lookup(ctx context.Context, list *core.List, identifier string) ([]core.Key, error) {
	return f.keys[identifier], nil
}
func (f *fakeKeyStore) Import(ctx context.Context, list *core.List, material []byte) (core.ImportReport, error) {
	return core.ImportReport{}, nil
}
func (f *fakeKeyStore) Delete(ctx context.Context, list *core.List, fingerprint string) (bool, error) {
	return false, nil
}
func (f *fakeKeyStore) Export(ctx context.Context, list *core.List, fingerprint string, armored bool) ([]byte, error) {
	return nil, nil
}
func (f *fakeKeyStore) UsabilityIssue(key core.Key) string { return "" }

type fakeSubs struct {
	byFpr map[string]*core.Subscriber
}

func (f *fakeSubs) Subscribers(ctx context.Context, listEmail string) ([]core.Subscriber, error) {
	return nil, nil
}
func (f *fakeSubs) Get(ctx context.Context, listEmail, email string) (*core.Subscriber, error) {
	return nil, nil
}
func (f *fakeSubs) ByFingerprint(ctx context.Context, listEmail, fingerprint string) (*core.Subscriber, error) {
	return f.byFpr[fingerprint], nil
}
func (f *fakeSubs) Add(ctx context.Context, listEmail string, sub core.Subscriber) error { return nil }
func (f *fakeSubs) Remove(ctx context.Context, listEmail, email string) (bool, error) {
	return false, nil
}
func (f *fakeSubs) SetFingerprint(ctx context.Context, listEmail, email, fingerprint string) error {
	return nil
}

func newTestEnvelope(engine *fakeEngine) *Envelope {
	return NewEnvelope(engine, &fakeKeyStore{}, &fakeSubs{
		byFpr: map[string]*core.Subscriber{
			signerFpr: {Email: "alice@example.org", Fingerprint: signerFpr, Admin: true, DeliveryEnabled: true},
		},
	}, zap.NewNop())
}

func parseFixture(t *testing.T, raw string) *message.Entity {
	t.Helper()
	e, err := message.Parse([]byte(crlf(raw)))
	tcheck(t, err, "parse fixture")
	return e
}

var testList = &core.List{Email: "list@example.org", Fingerprint: "LISTFPR"}

func TestUnwrapEncryptedMIME(t *testing.T) {
	engine := &fakeEngine{
		plaintext: []byte(crlf(`Content-Type: text/plain; charset=utf-8

the secret body
`)),
		signature: &core.Signature{Fingerprint: signerFpr, PrimaryFingerprint: signerFpr, Valid: true},
	}
	orig := parseFixture(t, `From: alice@example.org
Subject: outer
Content-Type: multipart/encrypted; protocol="application/pgp-encrypted"; boundary="b"

--b
Content-Type: application/pgp-encrypted

Version: 1
--b
Content-Type: application/octet-stream

-----BEGIN PGP MESSAGE-----
data
-----END PGP MESSAGE-----
--b--
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.Outcome.WasEncrypted || !res.Outcome.Signed || !res.Outcome.Valid {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	tcompare(t, res.Outcome.PrimaryFingerprint, signerFpr)
	tcompare(t, strings.TrimSpace(string(res.Entity.Body)), "the secret body")
	// Envelope headers survive the unwrap.
	tcompare(t, res.Entity.Header.Get("From"), "alice@example.org")
}

func TestUnwrapDecryptionFailure(t *testing.T) {
	engine := &fakeEngine{decryptErr: core.ErrDecryptionFailed}
	orig := parseFixture(t, `Content-Type: multipart/encrypted; boundary="b"

--b
Content-Type: application/pgp-encrypted

Version: 1
--b
Content-Type: application/octet-stream

-----BEGIN PGP MESSAGE-----
data
-----END PGP MESSAGE-----
--b--
`)
	_, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	if !errors.Is(err, core.ErrDecryptionFailed) {
		t.Fatalf("expected decryption failure, got %v", err)
	}
}

func TestUnwrapInlineEncrypted(t *testing.T) {
	engine := &fakeEngine{plaintext: []byte("inline secret")}
	orig := parseFixture(t, `From: a@example.org
Content-Type: text/plain

-----BEGIN PGP MESSAGE-----
data
-----END PGP MESSAGE-----
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.Outcome.WasEncrypted {
		t.Fatalf("expected encrypted outcome")
	}
	if res.Outcome.Signed {
		t.Fatalf("expected unsigned outcome")
	}
	tcompare(t, strings.TrimSpace(string(res.Entity.Body)), "inline secret")
}

func TestUnwrapSignedMIME(t *testing.T) {
	engine := &fakeEngine{}
	orig := parseFixture(t, `From: alice@example.org
Subject: signed post
Content-Type: multipart/signed; micalg="pgp-sha256"; protocol="application/pgp-signature"; boundary="b"

--b
Content-Type: text/plain

signed content
--b
Content-Type: application/pgp-signature

sigdata
--b--
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if res.Outcome.WasEncrypted {
		t.Fatalf("plain signed message must not count as encrypted")
	}
	if !res.Outcome.Signed || !res.Outcome.Valid {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	tcompare(t, strings.TrimSpace(string(res.Entity.Body)), "signed content")
}

func TestUnwrapVerifiesWireBytes(t *testing.T) {
	engine := &fakeEngine{}
	orig := parseFixture(t, `From: alice@example.org
Content-Type: multipart/signed; micalg="pgp-sha256"; protocol="application/pgp-signature"; boundary="b"

--b
Content-Type: text/plain; charset=utf-8

the signed body
--b
Content-Type: application/pgp-signature

sigdata
--b--
`)
	_, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if len(engine.detachedInputs) != 1 {
		t.Fatalf("expected one detached verification, got %d", len(engine.detachedInputs))
	}
	// The signed part has no Content-Transfer-Encoding header; the
	// verified bytes must be the part exactly as transmitted, with no
	// header injected or re-derived.
	want := crlf("Content-Type: text/plain; charset=utf-8\n\nthe signed body")
	tcompare(t, string(engine.detachedInputs[0]), want)
}

func TestUnwrapVerifiesEncapsulatedWireBytes(t *testing.T) {
	engine := &fakeEngine{
		plaintext: []byte(crlf(`Content-Type: multipart/signed; protocol="application/pgp-signature"; boundary="s"

--s
Content-Type: text/plain; charset=utf-8

inner signed body
--s
Content-Type: application/pgp-signature

sigdata
--s--
`)),
	}
	orig := parseFixture(t, `From: alice@example.org
Content-Type: multipart/encrypted; boundary="b"

--b
Content-Type: application/pgp-encrypted

Version: 1
--b
Content-Type: application/octet-stream

-----BEGIN PGP MESSAGE-----
data
-----END PGP MESSAGE-----
--b--
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.Outcome.WasEncrypted || !res.Outcome.Signed {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	if len(engine.detachedInputs) != 1 {
		t.Fatalf("expected one detached verification, got %d", len(engine.detachedInputs))
	}
	want := crlf("Content-Type: text/plain; charset=utf-8\n\ninner signed body")
	tcompare(t, string(engine.detachedInputs[0]), want)
}

func TestUnwrapBadSignatureIsNormalOutcome(t *testing.T) {
	engine := &fakeEngine{}
	orig := parseFixture(t, `Content-Type: multipart/signed; boundary="b"

--b
Content-Type: text/plain

signed content
--b
Content-Type: application/pgp-signature

bad
--b--
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.Outcome.Signed || res.Outcome.Valid {
		t.Fatalf("expected signed-but-invalid outcome: %+v", res.Outcome)
	}
}

func TestUnwrapClearsigned(t *testing.T) {
	engine := &fakeEngine{}
	orig := parseFixture(t, `From: a@example.org
Content-Type: text/plain

-----BEGIN PGP SIGNED MESSAGE-----
Hash: SHA256

clearsigned text
-----BEGIN PGP SIGNATURE-----
sig
-----END PGP SIGNATURE-----
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.Outcome.Signed || !res.Outcome.Valid {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
	tcompare(t, strings.TrimSpace(res.Entity.FirstPlaintextPart().DecodedText()), "clearsigned text")
}

func TestUnwrapPlainMessage(t *testing.T) {
	engine := &fakeEngine{}
	orig := parseFixture(t, `From: a@example.org
Content-Type: text/plain

just text
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if res.Outcome.WasEncrypted || res.Outcome.Signed {
		t.Fatalf("unexpected outcome: %+v", res.Outcome)
	}
}

func TestUnwrapProtectedSubject(t *testing.T) {
	engine := &fakeEngine{
		plaintext: []byte(crlf(`Content-Type: multipart/mixed; boundary="i"

--i
Content-Type: text/rfc822-headers; protected-headers=v1

Subject: the real subject
--i
Content-Type: text/plain

body
--i--
`)),
	}
	orig := parseFixture(t, `From: a@example.org
Subject: ...
Content-Type: multipart/encrypted; boundary="b"

--b
Content-Type: application/pgp-encrypted

Version: 1
--b
Content-Type: application/octet-stream

-----BEGIN PGP MESSAGE-----
data
-----END PGP MESSAGE-----
--b--
`)
	res, err := newTestEnvelope(engine).Unwrap(context.Background(), testList, orig)
	tcheck(t, err, "unwrap")
	if !res.ProtectedSubject {
		t.Fatalf("expected protected subject detection")
	}
	tcompare(t, res.OuterSubject, "...")
	tcompare(t, res.Entity.Subject(), "the real subject")
	// The protected-headers part is consumed, not forwarded.
	for _, p := range res.Entity.Parts {
		if message.IsProtectedHeadersPart(p) {
			t.Fatalf("protected-headers part should have been stripped")
		}
	}
}

func TestSignerOf(t *testing.T) {
	env := newTestEnvelope(&fakeEngine{})
	sub, err := env.SignerOf(context.Background(), testList, core.VerificationOutcome{
		Signed: true, Valid: true, PrimaryFingerprint: signerFpr,
	})
	tcheck(t, err, "signer lookup")
	if sub == nil || sub.Email != "alice@example.org" {
		t.Fatalf("expected alice, got %+v", sub)
	}

	// Invalid signatures never bind to a subscriber.
	sub, err = env.SignerOf(context.Background(), testList, core.VerificationOutcome{
		Signed: true, Valid: false, PrimaryFingerprint: signerFpr,
	})
	tcheck(t, err, "signer lookup")
	if sub != nil {
		t.Fatalf("invalid signature must not resolve a signer")
	}
}

func TestWrapEncrypt(t *testing.T) {
	engine := &fakeEngine{}
	env := newTestEnvelope(engine)
	e := parseFixture(t, `From: list@example.org
Subject: secret subject
Content-Type: text/plain

payload
`)
	out, err := env.Wrap(context.Background(), testList, e, Policy{
		Sign:         true,
		Encrypt:      true,
		Recipients:   []core.Key{{Fingerprint: signerFpr, PrimaryFingerprint: signerFpr}},
		OuterSubject: "...",
	})
	tcheck(t, err, "wrap")
	tcompare(t, out.MediaType(), "multipart/encrypted")
	tcompare(t, len(out.Parts), 2)
	tcompare(t, strings.TrimSpace(string(out.Parts[0].Body)), "Version: 1")
	if !strings.Contains(string(out.Parts[1].Body), "-----BEGIN PGP MESSAGE-----") {
		t.Fatalf("second part must carry the armored ciphertext")
	}
	tcompare(t, out.Subject(), "...")
	// The plaintext handed to the engine carries the payload.
	if len(engine.encrypted) != 1 || !strings.Contains(string(engine.encrypted[0]), "payload") {
		t.Fatalf("engine did not receive the content payload")
	}
}

func TestWrapSignOnly(t *testing.T) {
	engine := &fakeEngine{}
	env := newTestEnvelope(engine)
	e := parseFixture(t, `From: list@example.org
Content-Type: text/plain

payload
`)
	out, err := env.Wrap(context.Background(), testList, e, Policy{Sign: true})
	tcheck(t, err, "wrap")
	tcompare(t, out.MediaType(), "multipart/signed")
	tcompare(t, len(out.Parts), 2)
	tcompare(t, out.Parts[1].MediaType(), "application/pgp-signature")
	if len(engine.signedData) != 1 {
		t.Fatalf("expected one detached signing call")
	}
}

func TestWrapPlain(t *testing.T) {
	env := newTestEnvelope(&fakeEngine{})
	e := parseFixture(t, `From: list@example.org
Content-Type: text/plain

payload
`)
	out, err := env.Wrap(context.Background(), testList, e, Policy{})
	tcheck(t, err, "wrap")
	tcompare(t, out.MediaType(), "text/plain")
	tcompare(t, strings.TrimSpace(string(out.Body)), "payload")
}
