// Package distribution turns one processed message into per-subscriber
// deliveries: clean-copy composition, the encrypt-or-refuse decision,
// footer injection and the parallel hand-off to the transport.
package distribution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/crypto"
	"github.com/mikey/pgp-list-relay/internal/message"
)

// Engine computes and executes per-subscriber delivery.
type Engine struct {
	envelope    *crypto.Envelope
	keys        core.KeyStore
	subs        core.SubscriberStore
	transport   core.Transport
	logger      *zap.Logger
	superadmin  string
	workers     int
	sendTimeout time.Duration
}

// NewEngine creates a distribution engine. superadmin receives admin
// notices for lists that have no admins; workers caps the parallel
// fan-out; sendTimeout bounds each transport call.
func NewEngine(
	envelope *crypto.Envelope,
	keys core.KeyStore,
	subs core.SubscriberStore,
	transport core.Transport,
	logger *zap.Logger,
	superadmin string,
	workers int,
	sendTimeout time.Duration,
) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		envelope:    envelope,
		keys:        keys,
		subs:        subs,
		transport:   transport,
		logger:      logger,
		superadmin:  superadmin,
		workers:     workers,
		sendTimeout: sendTimeout,
	}
}

// Distribute composes and sends one copy per delivery-enabled
// subscriber. Per-subscriber failures are isolated; they never block
// the remaining subscribers and are reported to the list admins as a
// summary.
func (e *Engine) Distribute(ctx context.Context, pctx *core.ProcessingContext) error {
	subscribers, err := e.subs.Subscribers(ctx, pctx.List.Email)
	if err != nil {
		return fmt.Errorf("loading subscribers of %s: %w", pctx.List.Email, err)
	}

	var enabled []core.Subscriber
	for _, sub := range subscribers {
		if sub.DeliveryEnabled {
			enabled = append(enabled, sub)
		} else {
			e.logger.Info("Not sending, delivery is disabled",
				zap.String("list", pctx.List.Email),
				zap.String("subscriber", sub.Email))
		}
	}

	jobs := make(chan core.Subscriber)
	failures := make(chan core.TransportError, len(enabled))
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range jobs {
				if err := e.deliverTo(ctx, pctx, sub); err != nil {
					e.logger.Error("Delivery failed",
						zap.String("list", pctx.List.Email),
						zap.String("subscriber", sub.Email),
						zap.Error(err))
					failures <- core.TransportError{Recipient: sub.Email, Err: err}
				}
			}
		}()
	}

loop:
	for _, sub := range enabled {
		select {
		case jobs <- sub:
		case <-ctx.Done():
			break loop
		}
	}
	close(jobs)
	wg.Wait()
	close(failures)

	var failed []string
	for f := range failures {
		failed = append(failed, f.Recipient+": "+f.Err.Error())
	}
	if len(failed) > 0 {
		body := fmt.Sprintf("Delivery of a message to %s failed for %d subscriber(s):\n\n%s\n",
			pctx.List.Email, len(failed), strings.Join(failed, "\n"))
		if err := e.NotifyAdmins(ctx, pctx.List, "Delivery failures", body); err != nil {
			e.logger.Error("Failed to notify admins of delivery failures", zap.Error(err))
		}
	}
	return ctx.Err()
}

// deliverTo performs steps 1-4 of the per-subscriber decision for one
// recipient.
func (e *Engine) deliverTo(ctx context.Context, pctx *core.ProcessingContext, sub core.Subscriber) error {
	key, err := e.recipientKey(ctx, pctx.List, sub.Fingerprint, sub.Email)
	if err != nil {
		return err
	}

	if key == nil && pctx.List.SendEncryptedOnly {
		e.logger.Warn("Not sending message, no key present and plaintext disallowed",
			zap.String("list", pctx.List.Email),
			zap.String("subscriber", sub.Email))
		return e.sendWithheldNotice(ctx, pctx.List, sub.Email)
	}

	clean := message.CleanCopy(pctx.Message, e.composeOpts(ctx, pctx, sub.Admin))
	clean.Header.Set("To", sub.Email)

	encrypt := key != nil
	if encrypt {
		message.AddFooter(clean, pctx.List.InternalFooter)
	} else {
		message.AddFooter(clean, pctx.List.PublicFooter)
	}

	policy := crypto.Policy{Sign: true, Encrypt: encrypt}
	if encrypt {
		policy.Recipients = []core.Key{*key}
		if pctx.ProtectedSubject {
			policy.OuterSubject = pctx.OuterSubject
		}
	}
	wrapped, err := e.envelope.Wrap(ctx, pctx.List, clean, policy)
	if err != nil {
		return err
	}

	e.logger.Info("Sending message",
		zap.String("list", pctx.List.Email),
		zap.String("subscriber", sub.Email),
		zap.Bool("encrypted", encrypt))
	return e.deliver(ctx, pctx.List, sub.Email, wrapped)
}

// SendCopy resends the processed message to an arbitrary address
// (resend keyword). With encryptedOnly, an address without a usable
// key is skipped and annotated instead of receiving plaintext. A
// successful send is recorded as a resent-to audit annotation.
func (e *Engine) SendCopy(ctx context.Context, pctx *core.ProcessingContext, email string, encryptedOnly bool) error {
	key, err := e.recipientKey(ctx, pctx.List, "", email)
	if err != nil {
		return err
	}
	if key == nil && encryptedOnly {
		pctx.AddPseudoheader("note",
			fmt.Sprintf("Not resent to %s (no matching key present in keyring and plaintext sending disallowed).", email))
		return nil
	}

	clean := message.CleanCopy(pctx.Message, e.composeOpts(ctx, pctx, false))
	clean.Header.Set("To", email)
	message.AddSubjectPrefix(clean, pctx.List.SubjectPrefixOut)

	policy := crypto.Policy{Sign: true, Encrypt: key != nil}
	if key != nil {
		policy.Recipients = []core.Key{*key}
		if pctx.ProtectedSubject {
			policy.OuterSubject = pctx.OuterSubject
		}
	}
	wrapped, err := e.envelope.Wrap(ctx, pctx.List, clean, policy)
	if err != nil {
		return err
	}
	if err := e.deliver(ctx, pctx.List, email, wrapped); err != nil {
		return err
	}

	annotation := email + " (unencrypted)"
	if key != nil {
		annotation = fmt.Sprintf("%s (encrypted to %s)", email, key.Fingerprint)
	}
	pctx.AddAuditPseudoheader("resent-to", annotation)
	return nil
}

// SendReply sends plain response text back to the message's sender,
// signed and encrypted when the sender has a usable key.
func (e *Engine) SendReply(ctx context.Context, pctx *core.ProcessingContext, body string) error {
	to := pctx.SenderAddress()
	if to == "" {
		return fmt.Errorf("no reply address for message to %s", pctx.List.Email)
	}
	var pinned string
	if pctx.Signer != nil {
		pinned = pctx.Signer.Fingerprint
	}
	key, err := e.recipientKey(ctx, pctx.List, pinned, to)
	if err != nil {
		return err
	}
	subject := "Re: " + pctx.Original.Subject()
	if pctx.Original.Subject() == "" {
		subject = "Your message to " + pctx.List.Email
	}
	return e.sendNotice(ctx, pctx.List, to, subject, body, key)
}

// NotifyAdmins sends a notice to every list admin. Used for command
// audit trails, bounce reports and delivery-failure summaries. A list
// without any admin falls back to the configured superadmin.
func (e *Engine) NotifyAdmins(ctx context.Context, list *core.List, subject, body string) error {
	subscribers, err := e.subs.Subscribers(ctx, list.Email)
	if err != nil {
		return err
	}
	var firstErr error
	hasAdmin := false
	for _, sub := range subscribers {
		if !sub.Admin {
			continue
		}
		hasAdmin = true
		key, err := e.recipientKey(ctx, list, sub.Fingerprint, sub.Email)
		if err == nil && key == nil && list.SendEncryptedOnly {
			e.logger.Warn("Not notifying admin, no key present and plaintext disallowed",
				zap.String("list", list.Email),
				zap.String("admin", sub.Email))
			continue
		}
		if err := e.sendNotice(ctx, list, sub.Email, subject, body, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if !hasAdmin && e.superadmin != "" {
		e.logger.Warn("List has no admins, notifying superadmin",
			zap.String("list", list.Email),
			zap.String("superadmin", e.superadmin))
		return e.sendNotice(ctx, list, e.superadmin, subject, body, nil)
	}
	return firstErr
}

// SendListKey replies to a sendkey request with the list's armored
// public key attached.
func (e *Engine) SendListKey(ctx context.Context, list *core.List, to string) error {
	armored, err := e.keys.Export(ctx, list, list.Fingerprint, true)
	if err != nil {
		return err
	}
	msg := message.NewText("Find the public key of " + list.Email + " attached.\n")
	msg.Header.Set("From", list.Email)
	msg.Header.Set("To", to)
	msg.SetSubject("Public key of " + list.Email)

	attachment := &message.Entity{Body: armored}
	attachment.Header.Set("Content-Type", `application/pgp-keys; name="`+list.Email+`.asc"`)
	attachment.Header.Set("Content-Disposition", `attachment; filename="`+list.Email+`.asc"`)
	attachment.Header.Set("Content-Description", "OpenPGP public key")
	msg.AddPart(attachment)

	key, err := e.recipientKey(ctx, list, "", to)
	if err != nil {
		return err
	}
	policy := crypto.Policy{Sign: true, Encrypt: key != nil}
	if key != nil {
		policy.Recipients = []core.Key{*key}
	}
	wrapped, err := e.envelope.Wrap(ctx, list, msg, policy)
	if err != nil {
		return err
	}
	return e.deliver(ctx, list, to, wrapped)
}

// ForwardToAdmins sends a clean copy of an owner-directed message to
// every admin, encrypted where possible.
func (e *Engine) ForwardToAdmins(ctx context.Context, pctx *core.ProcessingContext) error {
	message.AddSubjectPrefix(pctx.Message, pctx.List.SubjectPrefixIn)
	subscribers, err := e.subs.Subscribers(ctx, pctx.List.Email)
	if err != nil {
		return err
	}
	var firstErr error
	for _, sub := range subscribers {
		if !sub.Admin {
			continue
		}
		if err := e.deliverTo(ctx, pctx, sub); err != nil {
			e.logger.Error("Forwarding to admin failed",
				zap.String("list", pctx.List.Email),
				zap.String("admin", sub.Email),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// sendWithheldNotice tells a keyless subscriber of an encrypted-only
// list that a message was withheld. Signed, never encrypted, and free
// of any content from the original message.
func (e *Engine) sendWithheldNotice(ctx context.Context, list *core.List, to string) error {
	body := fmt.Sprintf(
		"You missed an email to %s because your subscription has no usable OpenPGP key and the list only delivers encrypted messages.\n\nPlease send your key to %s to receive future messages.\n",
		list.Email, list.RequestAddress())
	return e.sendNotice(ctx, list, to, "Notice", body, nil)
}

// sendNotice composes and sends a short service message from the list.
func (e *Engine) sendNotice(ctx context.Context, list *core.List, to, subject, body string, key *core.Key) error {
	msg := message.NewText(body)
	msg.Header.Set("From", list.Email)
	msg.Header.Set("To", to)
	msg.SetSubject(subject)

	policy := crypto.Policy{Sign: true, Encrypt: key != nil}
	if key != nil {
		policy.Recipients = []core.Key{*key}
	}
	wrapped, err := e.envelope.Wrap(ctx, list, msg, policy)
	if err != nil {
		return err
	}
	return e.deliver(ctx, list, to, wrapped)
}

func (e *Engine) deliver(ctx context.Context, list *core.List, to string, msg *message.Entity) error {
	sendCtx := ctx
	if e.sendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, e.sendTimeout)
		defer cancel()
	}
	return e.transport.Deliver(sendCtx, list.BounceAddress(), to, msg.Bytes())
}

// recipientKey resolves the key to encrypt to: the pinned fingerprint
// wins, then an email lookup preferring exact primary-key matches.
// Returns nil when no usable key exists.
func (e *Engine) recipientKey(ctx context.Context, list *core.List, fingerprint, email string) (*core.Key, error) {
	if fingerprint != "" {
		keys, err := e.keys.Lookup(ctx, list, fingerprint)
		if err != nil {
			return nil, err
		}
		for i := range keys {
			if e.keys.UsabilityIssue(keys[i]) == "" {
				return &keys[i], nil
			}
		}
		return nil, nil
	}
	keys, err := e.keys.Lookup(ctx, list, email)
	if err != nil {
		return nil, err
	}
	var fallback *core.Key
	for i := range keys {
		if e.keys.UsabilityIssue(keys[i]) != "" {
			continue
		}
		if keys[i].Fingerprint == keys[i].PrimaryFingerprint {
			return &keys[i], nil
		}
		if fallback == nil {
			fallback = &keys[i]
		}
	}
	return fallback, nil
}
