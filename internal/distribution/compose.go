package distribution

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mikey/pgp-list-relay/internal/core"
	"github.com/mikey/pgp-list-relay/internal/message"
)

// composeOpts assembles the clean-copy options for one outbound copy.
// Audit annotations are included only on admin-directed copies.
func (e *Engine) composeOpts(ctx context.Context, pctx *core.ProcessingContext, adminCopy bool) message.CleanOpts {
	list := pctx.List
	opts := message.CleanOpts{
		FromAddress:      list.Email,
		Subject:          pctx.Message.Subject(),
		ExtraHeaders:     e.listHeaders(ctx, list),
		ProtectedSubject: pctx.ProtectedSubject,
	}
	if list.KeepMsgid {
		opts.MessageID = pctx.Original.Header.Get("Message-Id")
		opts.InReplyTo = pctx.Original.Header.Get("In-Reply-To")
		opts.References = pctx.Original.Header.Get("References")
	}

	lines := e.standardPseudoheaders(pctx)
	lines = append(lines, pctx.Pseudoheaders()...)
	if adminCopy {
		lines = append(lines, pctx.AuditPseudoheaders()...)
	}
	opts.PseudoheaderBlock = message.PseudoheaderBlock(lines)
	return opts
}

// standardPseudoheaders renders the configured metadata fields. "sig"
// and "enc" are virtual fields describing the inbound verification
// outcome; everything else is copied from the message headers.
func (e *Engine) standardPseudoheaders(pctx *core.ProcessingContext) []string {
	var lines []string
	for _, field := range pctx.List.HeadersToMeta {
		var value string
		switch field {
		case "sig":
			value = signatureState(pctx)
		case "enc":
			value = encryptionState(pctx)
		default:
			value = pctx.Message.Header.Get(field)
		}
		if value == "" {
			continue
		}
		lines = append(lines, message.FormatPseudoheader(field, value))
	}
	return lines
}

func signatureState(pctx *core.ProcessingContext) string {
	switch {
	case !pctx.Outcome.Signed:
		return "Unsigned"
	case pctx.Outcome.Valid && pctx.Signer != nil:
		return fmt.Sprintf("Good signature from %s", pctx.Outcome.PrimaryFingerprint)
	case pctx.Outcome.Valid:
		return fmt.Sprintf("Good signature from unknown key %s", pctx.Outcome.Fingerprint)
	default:
		return fmt.Sprintf("Bad signature by %s", pctx.Outcome.Fingerprint)
	}
}

func encryptionState(pctx *core.ProcessingContext) string {
	if pctx.Outcome.WasEncrypted {
		return "Encrypted"
	}
	return "Unencrypted"
}

// listHeaders renders the list-identification headers per list
// configuration.
func (e *Engine) listHeaders(ctx context.Context, list *core.List) []message.Field {
	var fields []message.Field

	if list.IncludeAutocryptHeader {
		if keydata := e.autocryptKeydata(ctx, list); keydata != "" {
			fields = append(fields, message.Field{
				Name:  "Autocrypt",
				Value: fmt.Sprintf("addr=%s; prefer-encrypt=mutual; keydata=%s", list.Email, keydata),
			})
		}
	}

	if list.IncludeListHeaders {
		fields = append(fields,
			message.Field{Name: "List-Id", Value: "<" + strings.Replace(list.Email, "@", ".", 1) + ">"},
			message.Field{Name: "List-Owner", Value: fmt.Sprintf("<mailto:%s> (Use list's public key)", list.OwnerAddress())},
			message.Field{Name: "List-Help", Value: fmt.Sprintf("<mailto:%s>", list.RequestAddress())},
		)
		var post string
		switch {
		case list.ReceiveAdminOnly:
			post = "NO (Admins only)"
		case list.ReceiveAuthenticatedOnly:
			post = fmt.Sprintf("<mailto:%s> (Subscribers only)", list.Email)
		default:
			post = fmt.Sprintf("<mailto:%s>", list.Email)
		}
		fields = append(fields, message.Field{Name: "List-Post", Value: post})
	}

	if list.IncludeOpenPGPHeader {
		fields = append(fields, message.Field{Name: "OpenPGP", Value: openPGPHeader(list)})
	}

	return fields
}

// autocryptKeydata exports the list key as base64 with spaces injected
// so header folding can break the value cleanly.
func (e *Engine) autocryptKeydata(ctx context.Context, list *core.List) string {
	raw, err := e.keys.Export(ctx, list, list.Fingerprint, false)
	if err != nil {
		e.logger.Error("Failed to export list key for Autocrypt header",
			zap.String("list", list.Email), zap.Error(err))
		return ""
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	var b strings.Builder
	for len(encoded) > 78 {
		b.WriteString(encoded[:78])
		b.WriteString(" ")
		encoded = encoded[78:]
	}
	b.WriteString(encoded)
	return b.String()
}

// openPGPHeader builds the OpenPGP preference header, spelling out the
// list's acceptance policy.
func openPGPHeader(list *core.List) string {
	comment := fmt.Sprintf("(Send an email to %s to receive the public-key)", list.SendkeyAddress())
	pref := ""
	if list.OpenPGPHeaderPreference != "none" {
		var policy string
		switch {
		case list.ReceiveAdminOnly:
			policy = "Only encrypted and signed emails by list-admins are accepted"
		case list.ReceiveAuthenticatedOnly && list.ReceiveEncryptedOnly:
			policy = "Only encrypted and signed emails by subscribers are accepted"
		case list.ReceiveAuthenticatedOnly:
			policy = "Only signed emails by subscribers are accepted"
		case list.ReceiveEncryptedOnly && list.ReceiveSignedOnly:
			policy = "Only encrypted and signed emails are accepted"
		case list.ReceiveEncryptedOnly:
			policy = "Only encrypted emails are accepted"
		case list.ReceiveSignedOnly:
			policy = "Only signed emails are accepted"
		default:
			policy = "All kind of emails are accepted"
		}
		pref = fmt.Sprintf("preference=%s (%s)", list.OpenPGPHeaderPreference, policy)
	}
	return fmt.Sprintf("id=0x%s %s; %s", list.Fingerprint, comment, pref)
}
