// Package command implements the keyword-command layer: extraction of
// command lines from a message's leading plaintext and dispatch to
// registered handlers per recipient-address class.
package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
)

// keywordLineRe accepts "x-keyword", "x-keyword: args" and
// "x-keyword args". The vocabulary and tokenization are user-facing
// API and must stay byte-stable.
var keywordLineRe = regexp.MustCompile(`(?i)^x-([^:\s]*)[:\s]*(.*)`)

var argumentSplitRe = regexp.MustCompile(`[,; ]+`)

// HandlerFunc runs one keyword. Empty output means "no output" (used
// by handlers whose visible effect is the distribution itself).
type HandlerFunc func(ctx context.Context, pctx *core.ProcessingContext, args []string) (string, error)

// Dispatcher resolves keywords to handlers. The handler set is chosen
// by recipient-address class: one set for the request address, another
// for the list address.
type Dispatcher struct {
	logger          *zap.Logger
	requestHandlers map[string]HandlerFunc
	listHandlers    map[string]HandlerFunc
}

// NewDispatcher builds the dispatcher with both handler registries.
// The registries are fixed at startup; there is no runtime handler
// loading.
func NewDispatcher(h *Handlers, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		requestHandlers: map[string]HandlerFunc{
			"add-key":            h.AddKey,
			"delete-key":         h.DeleteKey,
			"list-keys":          h.ListKeys,
			"get-key":            h.GetKey,
			"fetch-key":          h.FetchKey,
			"subscribe":          h.Subscribe,
			"unsubscribe":        h.Unsubscribe,
			"set-fingerprint":    h.SetFingerprint,
			"list-subscriptions": h.ListSubscriptions,
		},
		listHandlers: map[string]HandlerFunc{
			"resend":                h.Resend,
			"resend-encrypted-only": h.ResendEncryptedOnly,
		},
	}
}

// Extract scans the leading plaintext of the working message for
// command lines and strips them from the body. Scanning is a two-state
// machine: every leading line matching the keyword pattern is
// consumed; the first non-matching line with visible content ends
// scanning permanently, leaving later keyword-looking lines untouched
// as ordinary content.
func (d *Dispatcher) Extract(pctx *core.ProcessingContext) []core.Command {
	part := pctx.Message.FirstPlaintextPart()
	if part == nil {
		return nil
	}

	var commands []core.Command
	var kept []string
	scanning := true
	text := part.DecodedText()
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if scanning {
			if m := keywordLineRe.FindStringSubmatch(trimmed); m != nil {
				keyword := strings.ToLower(strings.TrimSpace(m[1]))
				var args []string
				for _, a := range argumentSplitRe.Split(strings.ToLower(strings.TrimSpace(m[2])), -1) {
					if a != "" {
						args = append(args, a)
					}
				}
				commands = append(commands, core.Command{Keyword: keyword, Arguments: args})
				continue
			}
			if strings.TrimSpace(trimmed) != "" {
				scanning = false
			}
		}
		kept = append(kept, line)
	}

	if len(commands) > 0 {
		part.SetText(strings.Join(kept, "\n"))
	}
	pctx.Commands = commands
	return commands
}

// Run executes the extracted commands in order. Failures are isolated
// per keyword: an unknown keyword, an unauthorized one or a crashed
// handler each produce a response line and never abort the remaining
// commands.
func (d *Dispatcher) Run(ctx context.Context, pctx *core.ProcessingContext) []core.CommandResult {
	registry := d.listHandlers
	if pctx.Class == core.ClassRequest {
		registry = d.requestHandlers
	}

	var results []core.CommandResult
	for _, cmd := range pctx.Commands {
		d.logger.Debug("Running keyword",
			zap.String("list", pctx.List.Email),
			zap.String("keyword", cmd.Keyword))

		result := core.CommandResult{
			Keyword:      cmd.Keyword,
			Arguments:    cmd.Arguments,
			NotifyAdmins: pctx.List.AdminNotifyKeyword(cmd.Keyword),
		}

		if pctx.List.AdminOnlyKeyword(cmd.Keyword) && !pctx.FromAdmin() {
			d.logger.Info("Rejected admin-only keyword from non-admin",
				zap.String("list", pctx.List.Email),
				zap.String("keyword", cmd.Keyword))
			result.Output = fmt.Sprintf("Use of the keyword %q is restricted to list admins: %v.",
				cmd.Keyword, core.ErrUnauthorizedCommand)
			results = append(results, result)
			continue
		}

		handler, ok := registry[normalizeKeyword(cmd.Keyword)]
		if !ok {
			result.Output = fmt.Sprintf("Unknown keyword %q. Please check the documentation for a list of valid keywords.", cmd.Keyword)
			results = append(results, result)
			continue
		}

		result.Output = d.invoke(ctx, pctx, cmd, handler)
		results = append(results, result)
	}
	return results
}

// invoke runs one handler, converting errors and panics into an opaque
// user response. Diagnostic detail goes to the operator log only.
func (d *Dispatcher) invoke(ctx context.Context, pctx *core.ProcessingContext, cmd core.Command, handler HandlerFunc) (output string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Keyword handler panicked",
				zap.String("list", pctx.List.Email),
				zap.String("keyword", cmd.Keyword),
				zap.Any("panic", r))
			output = failedResponse(cmd.Keyword)
		}
	}()

	out, err := handler(ctx, pctx, cmd.Arguments)
	if err != nil {
		d.logger.Error("Keyword handler failed",
			zap.String("list", pctx.List.Email),
			zap.String("keyword", cmd.Keyword),
			zap.Error(err))
		return failedResponse(cmd.Keyword)
	}
	return out
}

func failedResponse(keyword string) string {
	return fmt.Sprintf("The keyword %q failed. The administrators have been informed.", keyword)
}

// normalizeKeyword maps underscore spellings onto the canonical
// hyphenated vocabulary.
func normalizeKeyword(keyword string) string {
	return strings.ReplaceAll(keyword, "_", "-")
}

// CollectOutput flattens command results into the response text sent
// back to the sender. Empty outputs are dropped.
func CollectOutput(results []core.CommandResult) string {
	var parts []string
	for _, r := range results {
		if strings.TrimSpace(r.Output) != "" {
			parts = append(parts, r.Output)
		}
	}
	return strings.Join(parts, "\n\n")
}
