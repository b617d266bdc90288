package command

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/distribution"
)

// Handlers bundles the collaborators the keyword handlers need.
type Handlers struct {
	keys    core.KeyStore
	subs    core.SubscriberStore
	fetcher core.KeyFetcher
	dist    *distribution.Engine
	logger  *zap.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(
	keys core.KeyStore,
	subs core.SubscriberStore,
	fetcher core.KeyFetcher,
	dist *distribution.Engine,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		keys:    keys,
		subs:    subs,
		fetcher: fetcher,
		dist:    dist,
		logger:  logger,
	}
}

// AddKey imports key material from the message body into the list
// keyring. This is the one keyword that consumes the entire remaining
// body: multi-line arguments are otherwise unsupported.
func (h *Handlers) AddKey(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	var material string
	if part := pctx.Message.FirstPlaintextPart(); part != nil {
		material = part.DecodedText()
	}
	if strings.TrimSpace(material) == "" {
		return "No key material found in message body.", nil
	}
	report, err := h.keys.Import(ctx, pctx.List, []byte(material))
	if err != nil {
		return "", err
	}
	lines := []string{"Result of import:"}
	for _, st := range report.Imports {
		lines = append(lines, fmt.Sprintf("%s: %s", st.Fingerprint, st.Action))
	}
	if len(report.Imports) == 0 {
		lines = append(lines, "No keys found in the supplied material.")
	}
	return strings.Join(lines, "\n"), nil
}

// DeleteKey removes keys by fingerprint.
func (h *Handlers) DeleteKey(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	if len(args) == 0 {
		return "delete-key requires at least one fingerprint.", nil
	}
	var lines []string
	for _, arg := range args {
		deleted, err := h.keys.Delete(ctx, pctx.List, arg)
		if err != nil {
			return "", err
		}
		if deleted {
			lines = append(lines, fmt.Sprintf("Deleted key %s.", arg))
		} else {
			lines = append(lines, fmt.Sprintf("No key found for %s.", arg))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// ListKeys shows the keys matching each argument, or the whole keyring
// without arguments.
func (h *Handlers) ListKeys(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	if len(args) == 0 {
		args = []string{""}
	}
	var lines []string
	for _, arg := range args {
		keys, err := h.keys.Lookup(ctx, pctx.List, arg)
		if err != nil {
			return "", err
		}
		for _, key := range keys {
			lines = append(lines, describeKey(h.keys, key))
		}
	}
	if len(lines) == 0 {
		return "No matching keys found.", nil
	}
	return strings.Join(lines, "\n"), nil
}

func describeKey(store core.KeyStore, key core.Key) string {
	line := fmt.Sprintf("0x%s %s", key.Fingerprint, strings.Join(key.Emails, ", "))
	if issue := store.UsabilityIssue(key); issue != "" {
		line += " [" + issue + "]"
	}
	return line
}

// GetKey exports armored public keys.
func (h *Handlers) GetKey(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	if len(args) == 0 {
		return "get-key requires a fingerprint or address.", nil
	}
	var blocks []string
	for _, arg := range args {
		keys, err := h.keys.Lookup(ctx, pctx.List, arg)
		if err != nil {
			return "", err
		}
		for _, key := range keys {
			armored, err := h.keys.Export(ctx, pctx.List, key.Fingerprint, true)
			if err != nil {
				return "", err
			}
			blocks = append(blocks, string(armored))
		}
	}
	if len(blocks) == 0 {
		return "No matching keys found.", nil
	}
	return strings.Join(blocks, "\n"), nil
}

// FetchKey retrieves key material from the configured keyserver and
// imports it. The network fetch happens before the import, so the
// keyring lock is never held during network I/O.
func (h *Handlers) FetchKey(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	if h.fetcher == nil {
		return "No keyserver is configured.", nil
	}
	if len(args) == 0 {
		return "fetch-key requires a fingerprint or address.", nil
	}
	var lines []string
	for _, arg := range args {
		material, err := h.fetcher.Fetch(ctx, arg)
		if err != nil {
			h.logger.Warn("Keyserver fetch failed", zap.String("identifier", arg), zap.Error(err))
			lines = append(lines, fmt.Sprintf("Fetching %s failed.", arg))
			continue
		}
		report, err := h.keys.Import(ctx, pctx.List, material)
		if err != nil {
			return "", err
		}
		for _, st := range report.Imports {
			lines = append(lines, fmt.Sprintf("%s: %s", st.Fingerprint, st.Action))
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Subscribe adds an address to the list, optionally with a pinned
// fingerprint.
func (h *Handlers) Subscribe(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	if len(args) == 0 {
		return "subscribe requires an email address.", nil
	}
	sub := core.Subscriber{
		Email:           args[0],
		DeliveryEnabled: true,
	}
	if len(args) > 1 {
		sub.Fingerprint = normalizeFingerprint(args[1])
	}
	if err := h.subs.Add(ctx, pctx.List.Email, sub); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s has been subscribed.", sub.Email), nil
}

// Unsubscribe removes an address; without arguments, the sender's own
// subscription.
func (h *Handlers) Unsubscribe(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	email := ""
	if len(args) > 0 {
		email = args[0]
	} else if pctx.Signer != nil {
		email = pctx.Signer.Email
	}
	if email == "" {
		return "unsubscribe requires an email address when the message is not signed by a subscriber.", nil
	}
	removed, err := h.subs.Remove(ctx, pctx.List.Email, email)
	if err != nil {
		return "", err
	}
	if !removed {
		return fmt.Sprintf("%s is not subscribed.", email), nil
	}
	return fmt.Sprintf("%s has been unsubscribed.", email), nil
}

// SetFingerprint changes the key pinned to a subscription. Without an
// email argument it applies to the signer's own subscription; changing
// another subscription requires a verified admin.
func (h *Handlers) SetFingerprint(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	email := ""
	if len(args) > 0 && strings.Contains(args[0], "@") {
		email = args[0]
		args = args[1:]
	} else if pctx.Signer != nil {
		email = pctx.Signer.Email
	}
	if email == "" {
		return "set-fingerprint requires an email address when the message is not signed by a subscriber.", nil
	}
	fpr := normalizeFingerprint(strings.Join(args, ""))
	if fpr == "" {
		return "set-fingerprint requires a fingerprint.", nil
	}
	ownSubscription := pctx.Signer != nil && strings.EqualFold(email, pctx.Signer.Email)
	if !ownSubscription && !pctx.FromAdmin() {
		return fmt.Sprintf("Setting the fingerprint of other subscriptions than your own is restricted to list admins: %v.", core.ErrUnauthorizedCommand), nil
	}
	if err := h.subs.SetFingerprint(ctx, pctx.List.Email, email, fpr); err != nil {
		return fmt.Sprintf("%s is not subscribed.", email), nil
	}
	return fmt.Sprintf("Fingerprint of %s set to %s.", email, fpr), nil
}

// ListSubscriptions shows the list membership.
func (h *Handlers) ListSubscriptions(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	subs, err := h.subs.Subscribers(ctx, pctx.List.Email)
	if err != nil {
		return "", err
	}
	var lines []string
	for _, sub := range subs {
		line := sub.Email
		if sub.Fingerprint != "" {
			line += "\t0x" + sub.Fingerprint
		}
		if sub.Admin {
			line += "\t(admin)"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "No subscriptions.", nil
	}
	return strings.Join(lines, "\n"), nil
}

// Resend sends a clean copy of the message to additional recipients,
// encrypted when a key is available. The visible effect is the
// distribution itself, so the handler returns no output.
func (h *Handlers) Resend(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	return h.resend(ctx, pctx, args, false)
}

// ResendEncryptedOnly is Resend refusing plaintext fallback.
func (h *Handlers) ResendEncryptedOnly(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error) {
	return h.resend(ctx, pctx, args, true)
}

func (h *Handlers) resend(ctx context.Context, pctx *core.ProcessingContext, args []string, encryptedOnly bool) (string, error) {
	if pctx.Class == core.ClassRequest {
		h.logger.Warn("resend keyword in request message is illegal, ignoring it",
			zap.String("list", pctx.List.Email))
		return "", nil
	}
	for _, email := range args {
		if strings.TrimSpace(email) == "" {
			continue
		}
		if err := h.dist.SendCopy(ctx, pctx, email, encryptedOnly); err != nil {
			return "", err
		}
	}
	return "", nil
}

func normalizeFingerprint(arg string) string {
	fpr := strings.ToUpper(strings.ReplaceAll(arg, " ", ""))
	return strings.TrimPrefix(fpr, "0X")
}
