package distribution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/crypto"
	"github.com/mikey/pgp-list-relay/internal/message"
)

const aliceFpr = "AAAA1111AAAA1111AAAA1111AAAA1111AAAA1111"

// recordingTransport captures deliveries; addresses in failFor error.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []delivery
	failFor map[string]bool
}

type delivery struct {
	from, to string
	raw      []byte
}

func (t *recordingTransport) Deliver(ctx context.Context, from, to string, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failFor[to] {
		return &core.TransportError{Recipient: to, Err: fmt.Errorf("connection refused")}
	}
	t.sent = append(t.sent, delivery{from: from, to: to, raw: raw})
	return nil
}

func (t *recordingTransport) deliveries() []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]delivery(nil), t.sent...)
}

func (t *recordingTransport) to(email string) []delivery {
	var out []delivery
	for _, d := range t.deliveries() {
		if d.to == email {
			out = append(out, d)
		}
	}
	return out
}

// fakeEngine signs and encrypts with recognizable markers.
type fakeEngine struct{}

func (fakeEngine) Decrypt(ctx context.Context, list *core.List, ciphertext []byte) ([]byte, *core.Signature, error) {
	return nil, nil, core.ErrDecryptionFailed
}
func (fakeEngine) VerifyDetached(ctx context.Context, list *core.List, signed, signature []byte) (*core.Signature, error) {
	return &core.Signature{Valid: true}, nil
}
func (fakeEngine) VerifyInline(ctx context.Context, list *core.List, text []byte) ([]byte, *core.Signature, error) {
	return text, &core.Signature{Valid: true}, nil
}
func (fakeEngine) EncryptSign(ctx context.Context, list *core.List, plaintext []byte, recipients []core.Key) ([]byte, error) {
	return []byte("-----BEGIN PGP MESSAGE-----\r\nfake for " + recipients[0].Fingerprint + "\r\n-----END PGP MESSAGE-----\r\n"), nil
}
func (fakeEngine) SignDetached(ctx context.Context, list *core.List, data []byte) ([]byte, error) {
	return []byte("-----BEGIN PGP SIGNATURE-----\r\nfake\r\n-----END PGP SIGNATURE-----\r\n"), nil
}

type fakeKeyStore struct {
	keysByIdent map[string][]core.Key
}

func (f *fakeKeyStore) Lookup(ctx context.Context, list *core.List, identifier string) ([]core.Key, error) {
	return f.keysByIdent[strings.ToLower(identifier)], nil
}
func (f *fakeKeyStore) Import(ctx context.Context, list *core.List, material []byte) (core.ImportReport, error) {
	return core.ImportReport{}, nil
}
func (f *fakeKeyStore) Delete(ctx context.Context, list *core.List, fingerprint string) (bool, error) {
	return false, nil
}
func (f *fakeKeyStore) Export(ctx context.Context, list *core.List, fingerprint string, armored bool) ([]byte, error) {
	return []byte("keydata"), nil
}
func (f *fakeKeyStore) UsabilityIssue(key core.Key) string {
	if key.Expired {
		return "expired"
	}
	return ""
}

type fakeSubs struct {
	subs []core.Subscriber
}

func (f *fakeSubs) Subscribers(ctx context.Context, listEmail string) ([]core.Subscriber, error) {
	return f.subs, nil
}
func (f *fakeSubs) Get(ctx context.Context, listEmail, email string) (*core.Subscriber, error) {
	for _, s := range f.subs {
		if strings.EqualFold(s.Email, email) {
			match := s
			return &match, nil
		}
	}
	return nil, nil
}
func (f *fakeSubs) ByFingerprint(ctx context.Context, listEmail, fingerprint string) (*core.Subscriber, error) {
	for _, s := range f.subs {
		if strings.EqualFold(s.Fingerprint, fingerprint) {
			match := s
			return &match, nil
		}
	}
	return nil, nil
}
func (f *fakeSubs) Add(ctx context.Context, listEmail string, sub core.Subscriber) error { return nil }
func (f *fakeSubs) Remove(ctx context.Context, listEmail, email string) (bool, error) {
	return false, nil
}
func (f *fakeSubs) SetFingerprint(ctx context.Context, listEmail, email, fingerprint string) error {
	return nil
}

func newTestEngine(keys *fakeKeyStore, subs *fakeSubs, transport core.Transport, workers int) *Engine {
	logger := zap.NewNop()
	envelope := crypto.NewEnvelope(fakeEngine{}, keys, subs, logger)
	return NewEngine(envelope, keys, subs, transport, logger, "", workers, time.Minute)
}

func testPctx(t *testing.T, list *core.List) *core.ProcessingContext {
	t.Helper()
	raw := "From: alice@example.org\r\nSubject: hi all\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nthe message body\r\n"
	orig, err := message.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %s", err)
	}
	return &core.ProcessingContext{
		List:     list,
		Class:    core.ClassPost,
		Original: orig,
		Message:  orig.DeepCopy(),
	}
}

func TestDistributeFanOut(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "a@example.org", DeliveryEnabled: true},
		{Email: "b@example.org", DeliveryEnabled: true},
		{Email: "c@example.org", DeliveryEnabled: true},
		{Email: "off@example.org", DeliveryEnabled: false},
	}}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, subs, transport, 4)

	err := engine.Distribute(context.Background(), testPctx(t, list))
	if err != nil {
		t.Fatalf("distribute: %s", err)
	}

	sent := transport.deliveries()
	if len(sent) != 3 {
		t.Fatalf("expected exactly 3 deliveries, got %d", len(sent))
	}
	if len(transport.to("off@example.org")) != 0 {
		t.Fatalf("disabled subscriber must not receive mail")
	}
	for _, d := range sent {
		if d.from != "list-bounce@example.org" {
			t.Fatalf("envelope sender must be the bounce address, got %s", d.from)
		}
	}
}

func TestDistributeEncryptsPerKey(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "alice@example.org", Fingerprint: aliceFpr, DeliveryEnabled: true},
		{Email: "nokey@example.org", DeliveryEnabled: true},
	}}
	keys := &fakeKeyStore{keysByIdent: map[string][]core.Key{
		strings.ToLower(aliceFpr): {{Fingerprint: aliceFpr, PrimaryFingerprint: aliceFpr, CanEncrypt: true}},
	}}
	transport := &recordingTransport{}
	engine := newTestEngine(keys, subs, transport, 1)

	err := engine.Distribute(context.Background(), testPctx(t, list))
	if err != nil {
		t.Fatalf("distribute: %s", err)
	}

	enc := transport.to("alice@example.org")
	if len(enc) != 1 || !strings.Contains(string(enc[0].raw), "multipart/encrypted") {
		t.Fatalf("keyed subscriber must receive an encrypted copy")
	}
	plain := transport.to("nokey@example.org")
	if len(plain) != 1 || strings.Contains(string(plain[0].raw), "multipart/encrypted") {
		t.Fatalf("keyless subscriber receives a signed plaintext copy")
	}
	if !strings.Contains(string(plain[0].raw), "multipart/signed") {
		t.Fatalf("outbound copies are signed")
	}
}

func TestDistributeWithholdsWithoutKey(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr, SendEncryptedOnly: true}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "nokey@example.org", DeliveryEnabled: true},
	}}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, subs, transport, 1)

	err := engine.Distribute(context.Background(), testPctx(t, list))
	if err != nil {
		t.Fatalf("distribute: %s", err)
	}

	sent := transport.to("nokey@example.org")
	if len(sent) != 1 {
		t.Fatalf("expected withheld notice, got %d deliveries", len(sent))
	}
	raw := string(sent[0].raw)
	if strings.Contains(raw, "the message body") {
		t.Fatalf("withheld notice must not leak message content")
	}
	if !strings.Contains(raw, "list-request@example.org") {
		t.Fatalf("notice should point at the request address, got:\n%s", raw)
	}
}

func TestDistributeReportsFailuresToAdmins(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "adm@example.org", Admin: true, DeliveryEnabled: true},
		{Email: "broken@example.org", DeliveryEnabled: true},
	}}
	transport := &recordingTransport{failFor: map[string]bool{"broken@example.org": true}}
	engine := newTestEngine(&fakeKeyStore{}, subs, transport, 2)

	err := engine.Distribute(context.Background(), testPctx(t, list))
	if err != nil {
		t.Fatalf("distribute: %s", err)
	}

	// Admin gets the list copy plus the failure summary.
	admMail := transport.to("adm@example.org")
	if len(admMail) != 2 {
		t.Fatalf("expected copy and failure summary for admin, got %d", len(admMail))
	}
	summary := string(admMail[1].raw)
	if !strings.Contains(summary, "broken@example.org") {
		t.Fatalf("failure summary should name the failed recipient:\n%s", summary)
	}
}

func TestSendCopyAnnotates(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, &fakeSubs{}, transport, 1)
	pctx := testPctx(t, list)

	err := engine.SendCopy(context.Background(), pctx, "outside@example.org", false)
	if err != nil {
		t.Fatalf("send copy: %s", err)
	}
	if len(transport.to("outside@example.org")) != 1 {
		t.Fatalf("expected one delivery")
	}
	audit := strings.Join(pctx.AuditPseudoheaders(), "\n")
	if !strings.Contains(audit, "outside@example.org (unencrypted)") {
		t.Fatalf("expected resent-to audit line, got %q", audit)
	}
}

func TestSendCopyEncryptedOnlySkipsKeyless(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, &fakeSubs{}, transport, 1)
	pctx := testPctx(t, list)

	err := engine.SendCopy(context.Background(), pctx, "outside@example.org", true)
	if err != nil {
		t.Fatalf("send copy: %s", err)
	}
	if len(transport.deliveries()) != 0 {
		t.Fatalf("keyless recipient must be skipped in encrypted-only resend")
	}
	notes := strings.Join(pctx.Pseudoheaders(), "\n")
	if !strings.Contains(notes, "Not resent to outside@example.org") {
		t.Fatalf("expected visible note, got %q", notes)
	}
}

func TestSendCopyAppliesOutgoingPrefix(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr, SubjectPrefixOut: "[out]"}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, &fakeSubs{}, transport, 1)
	pctx := testPctx(t, list)

	err := engine.SendCopy(context.Background(), pctx, "outside@example.org", false)
	if err != nil {
		t.Fatalf("send copy: %s", err)
	}
	raw := string(transport.to("outside@example.org")[0].raw)
	if !strings.Contains(raw, "Subject: [out] hi all") {
		t.Fatalf("expected outgoing prefix on resent copy, got:\n%s", raw)
	}
}

func TestForwardToAdminsAppliesIncomingPrefix(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr, SubjectPrefixIn: "[in]"}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "adm@example.org", Admin: true, DeliveryEnabled: true},
		{Email: "member@example.org", DeliveryEnabled: true},
	}}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, subs, transport, 1)
	pctx := testPctx(t, list)

	err := engine.ForwardToAdmins(context.Background(), pctx)
	if err != nil {
		t.Fatalf("forward to admins: %s", err)
	}
	if len(transport.to("member@example.org")) != 0 {
		t.Fatalf("owner mail must only reach admins")
	}
	raw := string(transport.to("adm@example.org")[0].raw)
	if !strings.Contains(raw, "Subject: [in] hi all") {
		t.Fatalf("expected incoming prefix on forwarded copy, got:\n%s", raw)
	}
}

func TestNotifyAdminsFallsBackToSuperadmin(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	subs := &fakeSubs{subs: []core.Subscriber{
		{Email: "member@example.org", DeliveryEnabled: true},
	}}
	transport := &recordingTransport{}
	logger := zap.NewNop()
	envelope := crypto.NewEnvelope(fakeEngine{}, &fakeKeyStore{}, subs, logger)
	engine := NewEngine(envelope, &fakeKeyStore{}, subs, transport, logger,
		"root@localhost", 1, time.Minute)

	err := engine.NotifyAdmins(context.Background(), list, "Key expiring", "the list key expires soon")
	if err != nil {
		t.Fatalf("notify admins: %s", err)
	}
	sent := transport.to("root@localhost")
	if len(sent) != 1 {
		t.Fatalf("expected superadmin notice, got %d deliveries", len(sent))
	}
	if !strings.Contains(string(sent[0].raw), "the list key expires soon") {
		t.Fatalf("notice body missing:\n%s", sent[0].raw)
	}

	// With an admin subscribed the superadmin stays out of it.
	subs.subs = append(subs.subs, core.Subscriber{Email: "adm@example.org", Admin: true, DeliveryEnabled: true})
	transport.sent = nil
	err = engine.NotifyAdmins(context.Background(), list, "Key expiring", "the list key expires soon")
	if err != nil {
		t.Fatalf("notify admins: %s", err)
	}
	if len(transport.to("root@localhost")) != 0 {
		t.Fatalf("superadmin must not be notified when the list has admins")
	}
	if len(transport.to("adm@example.org")) != 1 {
		t.Fatalf("expected admin notice")
	}
}

func TestSendReply(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, &fakeSubs{}, transport, 1)
	pctx := testPctx(t, list)

	err := engine.SendReply(context.Background(), pctx, "command output")
	if err != nil {
		t.Fatalf("send reply: %s", err)
	}
	sent := transport.to("alice@example.org")
	if len(sent) != 1 {
		t.Fatalf("expected reply to the sender")
	}
	raw := string(sent[0].raw)
	if !strings.Contains(raw, "Subject: Re: hi all") {
		t.Fatalf("expected Re: subject, got:\n%s", raw)
	}
}

func TestSendListKey(t *testing.T) {
	list := &core.List{Email: "list@example.org", Fingerprint: aliceFpr}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, &fakeSubs{}, transport, 1)

	err := engine.SendListKey(context.Background(), list, "asker@example.org")
	if err != nil {
		t.Fatalf("send list key: %s", err)
	}
	sent := transport.to("asker@example.org")
	if len(sent) != 1 {
		t.Fatalf("expected one delivery")
	}
	if !strings.Contains(string(sent[0].raw), "application/pgp-keys") {
		t.Fatalf("expected key attachment, got:\n%s", sent[0].raw)
	}
}

func TestDistributePseudoheaderBlock(t *testing.T) {
	list := &core.List{
		Email:         "list@example.org",
		Fingerprint:   aliceFpr,
		HeadersToMeta: []string{"from", "sig", "enc"},
	}
	subs := &fakeSubs{subs: []core.Subscriber{{Email: "a@example.org", DeliveryEnabled: true}}}
	transport := &recordingTransport{}
	engine := newTestEngine(&fakeKeyStore{}, subs, transport, 1)

	pctx := testPctx(t, list)
	err := engine.Distribute(context.Background(), pctx)
	if err != nil {
		t.Fatalf("distribute: %s", err)
	}
	raw := string(transport.deliveries()[0].raw)
	if !strings.Contains(raw, "From: alice@example.org") {
		t.Fatalf("expected From pseudoheader:\n%s", raw)
	}
	if !strings.Contains(raw, "Sig: Unsigned") || !strings.Contains(raw, "Enc: Unencrypted") {
		t.Fatalf("expected sig/enc pseudoheaders:\n%s", raw)
	}
}
