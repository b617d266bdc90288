// Package gpg implements the keystore and crypto-engine ports on a
// per-list OpenPGP keyring persisted under a data directory.
package gpg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/clearsign"
	"golang.org/x/crypto/openpgp/errors"

	"github.com/mikey/pgp-list-relay/internal/core"
)

const keyringFile = "keyring.gpg"

// Store holds one keyring per list. Mutating operations take the
// list's lock exclusively; read and crypto operations share it. The
// lock is never held while network I/O is outstanding, because key
// fetching happens in the caller before Import.
type Store struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	rings map[string]*listRing
}

type listRing struct {
	mu       sync.RWMutex
	path     string
	entities openpgp.EntityList
}

// NewStore creates a keyring store rooted at dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keyring directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		rings:  make(map[string]*listRing),
	}, nil
}

func (s *Store) ring(list *core.List) (*listRing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rings[list.Email]; ok {
		return r, nil
	}
	r := &listRing{path: filepath.Join(s.dir, list.Email, keyringFile)}
	f, err := os.Open(r.path)
	if err == nil {
		defer f.Close()
		entities, err := openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, fmt.Errorf("reading keyring of %s: %w", list.Email, err)
		}
		r.entities = entities
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	s.rings[list.Email] = r
	return r, nil
}

func (r *listRing) save() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, e := range r.entities {
		var err error
		if e.PrivateKey != nil {
			err = e.SerializePrivate(&buf, nil)
		} else {
			err = e.Serialize(&buf)
		}
		if err != nil {
			return err
		}
	}
	return os.WriteFile(r.path, buf.Bytes(), 0600)
}

// Lookup finds keys by fingerprint (full or suffix, optionally
// 0x-prefixed), email address, or free-text identity match. An empty
// identifier matches all keys. A sub-key fingerprint resolves to the
// owning key.
func (s *Store) Lookup(ctx context.Context, list *core.List, identifier string) ([]core.Key, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ident := strings.TrimSpace(identifier)
	var out []core.Key
	for _, e := range r.entities {
		if key, ok := matchEntity(e, ident); ok {
			out = append(out, key)
		}
	}
	return out, nil
}

func matchEntity(e *openpgp.Entity, ident string) (core.Key, bool) {
	primary := fingerprintHex(e.PrimaryKey.Fingerprint[:])
	if ident == "" {
		return entityKey(e, primary), true
	}
	hexIdent := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(ident, "0x"), "0X"))
	if isHex(hexIdent) && len(hexIdent) >= 16 {
		if strings.HasSuffix(primary, hexIdent) {
			return entityKey(e, primary), true
		}
		for _, sub := range e.Subkeys {
			subFpr := fingerprintHex(sub.PublicKey.Fingerprint[:])
			if strings.HasSuffix(subFpr, hexIdent) {
				key := entityKey(e, primary)
				key.Fingerprint = subFpr
				return key, true
			}
		}
		return core.Key{}, false
	}
	lower := strings.ToLower(ident)
	for _, id := range e.Identities {
		if strings.Contains("<"+strings.ToLower(id.UserId.Email)+">", "<"+lower+">") ||
			strings.Contains(strings.ToLower(id.Name), lower) {
			return entityKey(e, primary), true
		}
	}
	return core.Key{}, false
}

func entityKey(e *openpgp.Entity, primary string) core.Key {
	key := core.Key{
		Fingerprint:        primary,
		PrimaryFingerprint: primary,
		Expired:            entityExpired(e),
		Revoked:            len(e.Revocations) > 0,
	}
	for _, id := range e.Identities {
		if id.UserId != nil && id.UserId.Email != "" {
			key.Emails = append(key.Emails, strings.ToLower(id.UserId.Email))
		}
	}
	if _, ok := encryptionTarget(e); ok {
		key.CanEncrypt = true
	}
	return key
}

func entityExpired(e *openpgp.Entity) bool {
	for _, id := range e.Identities {
		sig := id.SelfSignature
		if sig != nil && sig.KeyLifetimeSecs != nil && *sig.KeyLifetimeSecs > 0 {
			expiry := e.PrimaryKey.CreationTime.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second)
			if time.Now().After(expiry) {
				return true
			}
		}
	}
	return false
}

func encryptionTarget(e *openpgp.Entity) (*openpgp.Entity, bool) {
	if e.PrimaryKey.PubKeyAlgo.CanEncrypt() {
		return e, true
	}
	for _, sub := range e.Subkeys {
		if sub.PublicKey.PubKeyAlgo.CanEncrypt() && sub.Sig.FlagsValid && sub.Sig.FlagEncryptCommunications {
			return e, true
		}
	}
	return e, false
}

// Import adds armored or binary key material to the list keyring.
func (s *Store) Import(ctx context.Context, list *core.List, material []byte) (core.ImportReport, error) {
	incoming, err := readAnyKeyRing(material)
	if err != nil {
		return core.ImportReport{}, fmt.Errorf("unreadable key material: %w", err)
	}

	r, err := s.ring(list)
	if err != nil {
		return core.ImportReport{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var report core.ImportReport
	for _, e := range incoming {
		fpr := fingerprintHex(e.PrimaryKey.Fingerprint[:])
		status := core.ImportStatus{Fingerprint: fpr, Action: "imported"}
		exists := false
		for _, have := range r.entities {
			if have.PrimaryKey.Fingerprint == e.PrimaryKey.Fingerprint {
				exists = true
				break
			}
		}
		if exists {
			status.Action = "unchanged"
		} else {
			r.entities = append(r.entities, e)
		}
		report.Imports = append(report.Imports, status)
	}
	if err := r.save(); err != nil {
		return core.ImportReport{}, fmt.Errorf("persisting keyring of %s: %w", list.Email, err)
	}
	s.logger.Info("Imported keys",
		zap.String("list", list.Email),
		zap.Int("count", len(report.Imports)))
	return report, nil
}

func readAnyKeyRing(material []byte) (openpgp.EntityList, error) {
	if bytes.Contains(material, []byte("-----BEGIN PGP")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(material))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(material))
}

// Delete removes the key with the given primary fingerprint.
func (s *Store) Delete(ctx context.Context, list *core.List, fingerprint string) (bool, error) {
	r, err := s.ring(list)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	target := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(fingerprint, "0x"), "0X"))
	for i, e := range r.entities {
		if strings.HasSuffix(fingerprintHex(e.PrimaryKey.Fingerprint[:]), target) {
			r.entities = append(r.entities[:i], r.entities[i+1:]...)
			if err := r.save(); err != nil {
				return false, err
			}
			s.logger.Info("Deleted key",
				zap.String("list", list.Email),
				zap.String("fingerprint", target))
			return true, nil
		}
	}
	return false, nil
}

// Export serializes a public key, armored or binary.
func (s *Store) Export(ctx context.Context, list *core.List, fingerprint string, armored bool) ([]byte, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	e := r.findLocked(fingerprint)
	if e == nil {
		return nil, fmt.Errorf("no key %s in keyring of %s", fingerprint, list.Email)
	}
	var buf bytes.Buffer
	var w io.WriteCloser = nopCloser{&buf}
	if armored {
		w, err = armor.Encode(&buf, openpgp.PublicKeyType, nil)
		if err != nil {
			return nil, err
		}
	}
	if err := e.Serialize(w); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if armored {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func (r *listRing) findLocked(fingerprint string) *openpgp.Entity {
	target := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(fingerprint, "0x"), "0X"))
	for _, e := range r.entities {
		if strings.HasSuffix(fingerprintHex(e.PrimaryKey.Fingerprint[:]), target) {
			return e
		}
	}
	return nil
}

// UsabilityIssue returns why a key cannot be encrypted to, or "".
func (s *Store) UsabilityIssue(key core.Key) string {
	switch {
	case key.Revoked:
		return "revoked"
	case key.Expired:
		return "expired"
	case !key.CanEncrypt:
		return "not capable of encryption"
	}
	return ""
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func fingerprintHex(fpr []byte) string {
	return strings.ToUpper(fmt.Sprintf("%x", fpr))
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'A' || r > 'F') {
			return false
		}
	}
	return true
}

var _ core.KeyStore = (*Store)(nil)

// Engine methods below; the same keyring backs both ports.

// Decrypt decrypts ciphertext with the list's secret key, verifying a
// combined signature when present.
func (s *Store) Decrypt(ctx context.Context, list *core.List, ciphertext []byte) ([]byte, *core.Signature, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var reader io.Reader = bytes.NewReader(ciphertext)
	if bytes.Contains(ciphertext, []byte("-----BEGIN PGP MESSAGE-----")) {
		block, err := armor.Decode(bytes.NewReader(ciphertext))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: bad armor: %v", core.ErrDecryptionFailed, err)
		}
		reader = block.Body
	}

	md, err := openpgp.ReadMessage(reader, r.entities, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}

	var sig *core.Signature
	if md.IsSigned {
		sig = &core.Signature{Valid: md.SignatureError == nil && md.SignedBy != nil}
		if md.SignedBy != nil {
			sig.Fingerprint = fingerprintHex(md.SignedBy.PublicKey.Fingerprint[:])
			if md.SignedBy.Entity != nil {
				sig.PrimaryFingerprint = fingerprintHex(md.SignedBy.Entity.PrimaryKey.Fingerprint[:])
			}
		} else {
			sig.Fingerprint = fmt.Sprintf("%016X", md.SignedByKeyId)
		}
	}
	return plain, sig, nil
}

// VerifyDetached verifies an armored detached signature.
func (s *Store) VerifyDetached(ctx context.Context, list *core.List, signed, signature []byte) (*core.Signature, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer, err := openpgp.CheckArmoredDetachedSignature(r.entities, bytes.NewReader(signed), bytes.NewReader(signature))
	return signatureResult(signer, err)
}

// VerifyInline verifies a clearsigned text and returns the embedded
// plaintext.
func (s *Store) VerifyInline(ctx context.Context, list *core.List, text []byte) ([]byte, *core.Signature, error) {
	block, _ := clearsign.Decode(text)
	if block == nil {
		return nil, nil, &core.VerificationError{Reason: "no clearsigned block found"}
	}
	r, err := s.ring(list)
	if err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer, err := openpgp.CheckDetachedSignature(r.entities, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body)
	sig, serr := signatureResult(signer, err)
	if serr != nil {
		return nil, nil, serr
	}
	return block.Plaintext, sig, nil
}

// signatureResult maps openpgp verification output onto the port
// contract: structural problems are errors, unknown or invalid
// signatures are normal outcomes.
func signatureResult(signer *openpgp.Entity, err error) (*core.Signature, error) {
	if err != nil {
		if _, ok := err.(errors.StructuralError); ok {
			return nil, &core.VerificationError{Reason: "structural error", Err: err}
		}
		return &core.Signature{Valid: false}, nil
	}
	if signer == nil {
		return &core.Signature{Valid: false}, nil
	}
	fpr := fingerprintHex(signer.PrimaryKey.Fingerprint[:])
	return &core.Signature{
		Fingerprint:        fpr,
		PrimaryFingerprint: fpr,
		Valid:              true,
	}, nil
}

// EncryptSign encrypts plaintext to the recipient keys and signs with
// the list's key, producing an armored message.
func (s *Store) EncryptSign(ctx context.Context, list *core.List, plaintext []byte, recipients []core.Key) ([]byte, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer := r.findLocked(list.Fingerprint)
	if signer == nil || signer.PrivateKey == nil {
		return nil, fmt.Errorf("list %s has no secret key for signing", list.Email)
	}
	var to []*openpgp.Entity
	for _, key := range recipients {
		e := r.findLocked(key.PrimaryFingerprint)
		if e == nil {
			e = r.findLocked(key.Fingerprint)
		}
		if e == nil {
			return nil, fmt.Errorf("%w: recipient key %s missing from keyring", core.ErrNoUsableKey, key.Fingerprint)
		}
		to = append(to, e)
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, to, signer, nil, nil)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// SignDetached produces an armored detached signature by the list's
// key.
func (s *Store) SignDetached(ctx context.Context, list *core.List, data []byte) ([]byte, error) {
	r, err := s.ring(list)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	signer := r.findLocked(list.Fingerprint)
	if signer == nil || signer.PrivateKey == nil {
		return nil, fmt.Errorf("list %s has no secret key for signing", list.Email)
	}
	var buf bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&buf, signer, bytes.NewReader(data), nil); err != nil {
		return nil, err
	}
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

var _ core.Engine = (*Store)(nil)
