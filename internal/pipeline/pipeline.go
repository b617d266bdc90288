// Package pipeline wires the processing stages for one inbound
// message: unwrap, keyword dispatch and distribution, plus the bounce,
// sendkey and owner side branches.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/bounce"
	"github.com/mikey/pgp-list-relay/internal/command"
	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/crypto"
	"github.com/mikey/pgp-list-relay/internal/distribution"
	"github.com/mikey/pgp-list-relay/internal/message"
)

// Pipeline processes one inbound message per Run invocation.
type Pipeline struct {
	lists      core.ListStore
	envelope   *crypto.Envelope
	dispatcher *command.Dispatcher
	dist       *distribution.Engine
	logger     *zap.Logger
}

// New creates a pipeline.
func New(
	lists core.ListStore,
	envelope *crypto.Envelope,
	dispatcher *command.Dispatcher,
	dist *distribution.Engine,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		lists:      lists,
		envelope:   envelope,
		dispatcher: dispatcher,
		dist:       dist,
		logger:     logger,
	}
}

// Run processes one raw inbound message addressed to recipient.
// Decryption failures and unparsable input abort the run for this
// message; nothing is ever echoed back to the sender in those cases.
func (p *Pipeline) Run(ctx context.Context, raw []byte, recipient string) error {
	listEmail, class := core.ClassifyRecipient(recipient)
	list, err := p.lists.GetByEmail(ctx, listEmail)
	if err != nil {
		return fmt.Errorf("resolving recipient %s: %w", recipient, err)
	}

	entity, err := message.Parse(raw)
	if err != nil {
		// Enough context to diagnose, no plaintext.
		p.logger.Error("Dropping unparsable message",
			zap.String("list", list.Email),
			zap.String("recipient", recipient),
			zap.Int("size", len(raw)),
			zap.Error(err))
		return fmt.Errorf("%w: %v", core.ErrMalformedMime, err)
	}

	if class == core.ClassBounce || bounce.IsBounce(entity) {
		return p.handleBounce(ctx, list, entity)
	}

	unwrapped, err := p.envelope.Unwrap(ctx, list, entity)
	if err != nil {
		if errors.Is(err, core.ErrDecryptionFailed) {
			p.logger.Error("Dropping undecryptable message",
				zap.String("list", list.Email),
				zap.String("recipient", recipient),
				zap.Error(err))
			return err
		}
		var verr *core.VerificationError
		if errors.As(err, &verr) {
			p.logger.Error("Dropping message with malformed signature",
				zap.String("list", list.Email),
				zap.Error(verr))
			return err
		}
		return err
	}

	pctx := &core.ProcessingContext{
		List:             list,
		Class:            class,
		Original:         entity,
		Message:          unwrapped.Entity,
		Outcome:          unwrapped.Outcome,
		ProtectedSubject: unwrapped.ProtectedSubject,
		OuterSubject:     unwrapped.OuterSubject,
	}
	pctx.Signer, err = p.envelope.SignerOf(ctx, list, unwrapped.Outcome)
	if err != nil {
		return fmt.Errorf("binding signer for %s: %w", list.Email, err)
	}

	switch class {
	case core.ClassSendkey:
		return p.dist.SendListKey(ctx, list, pctx.SenderAddress())
	case core.ClassOwner:
		return p.dist.ForwardToAdmins(ctx, pctx)
	}

	if class == core.ClassPost {
		if ok, reason := p.receivePolicyAllows(pctx); !ok {
			p.logger.Info("Rejecting message per receive policy",
				zap.String("list", list.Email),
				zap.String("reason", reason))
			return p.dist.SendReply(ctx, pctx, reason)
		}
	}

	p.dispatcher.Extract(pctx)
	results := p.dispatcher.Run(ctx, pctx)
	p.notifyAdminsOfResults(ctx, pctx, results)
	output := command.CollectOutput(results)

	if class == core.ClassRequest {
		if output == "" {
			output = "Your message did not contain any keywords. It was not delivered to anyone."
		}
		return p.dist.SendReply(ctx, pctx, output)
	}

	// A message that only carried commands is not distributed; the
	// sender just gets the responses.
	if pctx.Message.IsEmpty() {
		if output == "" {
			output = "Your message was empty. It was not delivered to anyone."
		}
		return p.dist.SendReply(ctx, pctx, output)
	}
	if output != "" {
		if err := p.dist.SendReply(ctx, pctx, output); err != nil {
			p.logger.Error("Failed to send command responses",
				zap.String("list", list.Email), zap.Error(err))
		}
	}

	message.AddSubjectPrefix(pctx.Message, list.SubjectPrefix)
	return p.dist.Distribute(ctx, pctx)
}

// receivePolicyAllows enforces the list's acceptance options for
// ordinary posts.
func (p *Pipeline) receivePolicyAllows(pctx *core.ProcessingContext) (bool, string) {
	list := pctx.List
	authenticated := pctx.Outcome.Signed && pctx.Outcome.Valid && pctx.Signer != nil
	switch {
	case list.ReceiveAdminOnly && !pctx.FromAdmin():
		return false, "This list only accepts messages signed by a list admin. Your message was not delivered."
	case list.ReceiveAuthenticatedOnly && !authenticated:
		return false, "This list only accepts messages signed by a subscriber. Your message was not delivered."
	case list.ReceiveSignedOnly && !(pctx.Outcome.Signed && pctx.Outcome.Valid):
		return false, "This list only accepts signed messages. Your message was not delivered."
	case list.ReceiveEncryptedOnly && !pctx.Outcome.WasEncrypted:
		return false, "This list only accepts encrypted messages. Your message was not delivered."
	}
	return true, ""
}

// notifyAdminsOfResults relays audit-flagged command output to the
// list admins.
func (p *Pipeline) notifyAdminsOfResults(ctx context.Context, pctx *core.ProcessingContext, results []core.CommandResult) {
	for _, r := range results {
		if !r.NotifyAdmins || strings.TrimSpace(r.Output) == "" {
			continue
		}
		sender := pctx.SenderAddress()
		body := fmt.Sprintf("The keyword %q was used by %s. Response:\n\n%s\n", r.Keyword, sender, r.Output)
		if err := p.dist.NotifyAdmins(ctx, pctx.List, "Notice", body); err != nil {
			p.logger.Error("Failed to notify admins of keyword use",
				zap.String("list", pctx.List.Email),
				zap.String("keyword", r.Keyword),
				zap.Error(err))
		}
	}
}

// handleBounce classifies a delivery-failure notification and feeds
// the result into list-health reporting. It never re-enters the main
// pipeline.
func (p *Pipeline) handleBounce(ctx context.Context, list *core.List, entity *message.Entity) error {
	if list.BouncesDropAll {
		p.logger.Info("Dropping bounce per list config", zap.String("list", list.Email))
		return nil
	}
	for name, pattern := range list.BouncesDropOnHeaders {
		if value := entity.Header.Get(name); value != "" && strings.Contains(strings.ToLower(value), strings.ToLower(pattern)) {
			p.logger.Info("Dropping bounce on matching header",
				zap.String("list", list.Email),
				zap.String("header", name))
			return nil
		}
	}

	code := bounce.Classify(entity)
	p.logger.Info("Classified bounce",
		zap.String("list", list.Email),
		zap.String("status", code),
		zap.String("from", entity.Header.Get("From")))

	if !list.BouncesNotifyAdmins {
		return nil
	}
	body := fmt.Sprintf(
		"A bounce was received for %s.\n\nFrom: %s\nSubject: %s\nStatus: %s\nDescription: %s\n",
		list.Email,
		entity.Header.Get("From"),
		entity.Subject(),
		code,
		bounce.Describe(code))
	return p.dist.NotifyAdmins(ctx, list, "Bounce notice", body)
}
