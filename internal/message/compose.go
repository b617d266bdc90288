package message

import (
	"strings"
)

const pseudoheaderSeparator = "------------------------------------------------------------------------------"

// protectedHeadersType marks the MIME part carrying a protected
// subject (memory-hole convention).
const protectedHeadersType = "text/rfc822-headers; protected-headers=v1"

// IsProtectedHeadersPart reports whether e is a protected-headers part.
func IsProtectedHeadersPart(e *Entity) bool {
	return strings.HasPrefix(strings.TrimSpace(e.Header.Get("Content-Type")), "text/rfc822-headers")
}

// CleanOpts controls clean-copy composition. The caller assembles it
// from the list configuration and the processing context.
type CleanOpts struct {
	FromAddress string
	Subject     string

	// Message-Id, In-Reply-To and References of the original, copied
	// verbatim when non-empty (the list preserves threading).
	MessageID  string
	InReplyTo  string
	References string

	// Fully rendered extra headers (List-Id, List-Owner, Autocrypt,
	// OpenPGP, ...), set in order.
	ExtraHeaders []Field

	// Rendered pseudoheader block, injected as a leading visible part
	// when non-empty.
	PseudoheaderBlock string

	// True when the original carried a protected subject; a
	// rfc822-headers part restating the real subject is added so
	// encrypting clients keep it protected.
	ProtectedSubject bool
}

// CleanCopy composes a fresh outbound message around orig's content.
// Envelope headers are built from scratch, so composing a clean copy
// of an already-clean copy never duplicates list headers or
// pseudoheader blocks. The original MIME structure is preserved by
// re-wrapping it in a dedicated part rather than flattening to a
// string.
func CleanCopy(orig *Entity, opts CleanOpts) *Entity {
	clean := &Entity{}
	clean.Header.Set("From", opts.FromAddress)
	if opts.Subject != "" {
		clean.SetSubject(opts.Subject)
	}
	if opts.MessageID != "" {
		clean.Header.Set("Message-Id", clutchAngleBrackets(opts.MessageID))
	}
	if opts.InReplyTo != "" {
		clean.Header.Set("In-Reply-To", clutchAngleBrackets(opts.InReplyTo))
	}
	if opts.References != "" {
		clean.Header.Set("References", clutchAngleBrackets(opts.References))
	}
	for _, f := range opts.ExtraHeaders {
		clean.Header.Add(f.Name, f.Value)
	}
	clean.Header.Set("Content-Type", `multipart/mixed; boundary="`+randomBoundary()+`"`)

	if opts.PseudoheaderBlock != "" {
		clean.Parts = append(clean.Parts, NewText(opts.PseudoheaderBlock))
	}

	if opts.ProtectedSubject {
		ph := &Entity{Body: []byte("Subject: " + opts.Subject + "\n")}
		ph.Header.Set("Content-Type", protectedHeadersType)
		clean.Parts = append(clean.Parts, ph)
	}

	// Wrapper part keeping just the content headers of the original.
	wrapper := &Entity{}
	for _, name := range []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Description"} {
		if v := orig.Header.Get(name); v != "" {
			wrapper.Header.Set(name, v)
		}
	}
	if wrapper.Header.Get("Content-Type") == "" {
		wrapper.Header.Set("Content-Type", "text/plain")
	}
	if orig.IsMultipart() {
		for _, p := range orig.Parts {
			wrapper.Parts = append(wrapper.Parts, p.DeepCopy())
		}
	} else {
		wrapper.Body = append([]byte(nil), orig.Body...)
	}
	clean.Parts = append(clean.Parts, wrapper)

	return clean
}

// clutchAngleBrackets ensures each whitespace-separated id is wrapped
// in angle brackets.
func clutchAngleBrackets(input string) string {
	parts := strings.Fields(input)
	for i, p := range parts {
		if !strings.HasPrefix(p, "<") {
			parts[i] = "<" + p + ">"
		}
	}
	return strings.Join(parts, " ")
}

// AddFooter appends footer text as its own part. If the body is a
// single wrapped multipart/mixed part containing one plaintext part,
// the footer nests one level in; otherwise it is appended as a
// sibling. This avoids producing doubly-wrapped multipart structures.
func AddFooter(e *Entity, footer string) {
	if strings.TrimSpace(footer) == "" {
		return
	}
	part := NewText(footer)
	if inner := wrappedSingleTextPart(e); inner != nil {
		inner.AddPart(part)
		return
	}
	e.AddPart(part)
}

func wrappedSingleTextPart(e *Entity) *Entity {
	// Nesting applies only when the wrapper is the sole part; with
	// pseudoheader or protected-subject siblings present the footer is
	// appended at the top level instead.
	if len(e.Parts) != 1 {
		return nil
	}
	only := e.Parts[0]
	if only.MediaType() == "multipart/mixed" && len(only.Parts) == 1 && only.Parts[0].MediaType() == "text/plain" {
		return only
	}
	return nil
}

// AddSubjectPrefix inserts prefix in front of the subject unless it is
// already present.
func AddSubjectPrefix(e *Entity, prefix string) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return
	}
	subject := e.Subject()
	if subject == "" {
		e.SetSubject(prefix)
		return
	}
	if strings.Contains(subject, prefix+" ") {
		return
	}
	e.SetSubject(prefix + " " + subject)
}

// FormatPseudoheader renders one pseudoheader display line, wrapping
// at 76 columns with two-space indented continuations.
func FormatPseudoheader(key, value string) string {
	line := camelize(key) + ": " + value
	words := strings.Fields(line)
	if len(words) == 0 {
		return line
	}
	var out []string
	current := words[0]
	for _, w := range words[1:] {
		if len(current)+1+len(w) > 76 {
			out = append(out, current)
			current = "  " + w
		} else {
			current += " " + w
		}
	}
	out = append(out, current)
	return strings.Join(out, "\n")
}

// PseudoheaderBlock renders the full leading block: all lines plus the
// separator.
func PseudoheaderBlock(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n" + pseudoheaderSeparator + "\n"
}

func camelize(key string) string {
	parts := strings.FieldsFunc(key, func(r rune) bool { return r == '-' || r == '_' })
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}
