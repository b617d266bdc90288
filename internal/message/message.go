// Package message implements the MIME representation used throughout
// the relay: an owned tree of entities with ordered, case-insensitive
// headers, parsed tolerantly and re-serialized without corrupting
// transfer encodings.
package message

import (
	"crypto/rand"
	"fmt"
	"mime"
	"strings"
)

// Field is a single header line. Name keeps its original case for
// output; lookups are case-insensitive.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered multimap of header fields.
type Header struct {
	fields []Field
}

// Get returns the first value for name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns all values for name, in order of appearance.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Set replaces all occurrences of name with a single field. The
// position of the first occurrence is kept; a new field is appended.
func (h *Header) Set(name, value string) {
	idx := -1
	kept := h.fields[:0]
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			if idx == -1 {
				idx = len(kept)
				kept = append(kept, Field{Name: f.Name, Value: value})
			}
			continue
		}
		kept = append(kept, f)
	}
	h.fields = kept
	if idx == -1 {
		h.fields = append(h.fields, Field{Name: name, Value: value})
	}
}

// Add appends a field without touching existing ones.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Del removes all occurrences of name.
func (h *Header) Del(name string) {
	kept := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Fields returns the header lines in order.
func (h *Header) Fields() []Field {
	return h.fields
}

func (h *Header) clone() Header {
	return Header{fields: append([]Field(nil), h.fields...)}
}

// Entity is one node of a MIME tree. A multipart entity has Parts and
// no Body; a leaf has a decoded Body and no Parts.
type Entity struct {
	Header Header
	Parts  []*Entity
	// Body holds the transfer-decoded bytes of a leaf.
	Body []byte
	// Raw holds the on-wire bytes of the entity exactly as parsed,
	// headers included. Detached signatures are computed over these
	// octets, never over a re-serialization. Nil on composed entities;
	// cleared by mutations that invalidate it.
	Raw []byte
}

// New returns an empty leaf entity.
func New() *Entity {
	return &Entity{}
}

// NewText returns a text/plain leaf with the given body.
func NewText(body string) *Entity {
	e := &Entity{Body: []byte(body)}
	e.Header.Set("Content-Type", `text/plain; charset=utf-8`)
	return e
}

// ContentType returns the parsed media type and parameters, defaulting
// to text/plain when absent or unparsable.
func (e *Entity) ContentType() (string, map[string]string) {
	ct := e.Header.Get("Content-Type")
	if ct == "" {
		return "text/plain", map[string]string{"charset": "us-ascii"}
	}
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return "text/plain", map[string]string{}
	}
	return strings.ToLower(mt), params
}

// MediaType returns the lower-cased media type.
func (e *Entity) MediaType() string {
	mt, _ := e.ContentType()
	return mt
}

// IsMultipart reports whether the entity is a multipart node.
func (e *Entity) IsMultipart() bool {
	return strings.HasPrefix(e.MediaType(), "multipart/")
}

// Subject returns the decoded Subject header.
func (e *Entity) Subject() string {
	return decodeEncodedWords(e.Header.Get("Subject"))
}

// SetSubject replaces the Subject header.
func (e *Entity) SetSubject(s string) {
	e.Header.Set("Subject", encodeHeaderWord(s))
}

// FirstPlaintextPart descends into the leftmost leaf and returns it if
// it is text/plain, or nil.
func (e *Entity) FirstPlaintextPart() *Entity {
	if e.IsMultipart() {
		if len(e.Parts) == 0 {
			return nil
		}
		return e.Parts[0].FirstPlaintextPart()
	}
	if e.MediaType() == "text/plain" {
		return e
	}
	return nil
}

// IsEmpty reports whether the entity carries no content, descending
// into nested parts.
func (e *Entity) IsEmpty() bool {
	if e.IsMultipart() {
		for _, p := range e.Parts {
			if !p.IsEmpty() {
				return false
			}
		}
		return true
	}
	return len(strings.TrimSpace(string(e.Body))) == 0
}

// DeepCopy returns an independent copy of the tree. Per-recipient
// variants are always built from copies, never by mutating a shared
// original.
func (e *Entity) DeepCopy() *Entity {
	cp := &Entity{
		Header: e.Header.clone(),
		Body:   append([]byte(nil), e.Body...),
		Raw:    append([]byte(nil), e.Raw...),
	}
	for _, p := range e.Parts {
		cp.Parts = append(cp.Parts, p.DeepCopy())
	}
	return cp
}

// AddPart appends part, converting a leaf entity into multipart/mixed
// first: the existing body moves into a child part that keeps the old
// content headers.
func (e *Entity) AddPart(part *Entity) {
	e.Raw = nil
	if !e.IsMultipart() {
		inner := &Entity{Body: e.Body}
		for _, name := range []string{"Content-Type", "Content-Transfer-Encoding", "Content-Disposition", "Content-Description"} {
			if v := e.Header.Get(name); v != "" {
				inner.Header.Set(name, v)
			}
			e.Header.Del(name)
		}
		e.Body = nil
		e.Header.Set("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", randomBoundary()))
		if !inner.IsEmpty() || len(inner.Body) > 0 {
			e.Parts = append(e.Parts, inner)
		}
	}
	e.Parts = append(e.Parts, part)
}

// PrependPart inserts part before all existing parts.
func (e *Entity) PrependPart(part *Entity) {
	e.AddPart(part)
	last := e.Parts[len(e.Parts)-1]
	copy(e.Parts[1:], e.Parts[:len(e.Parts)-1])
	e.Parts[0] = last
}

// Boundary returns the multipart boundary, generating and recording
// one if missing.
func (e *Entity) Boundary() string {
	mt, params := e.ContentType()
	if b, ok := params["boundary"]; ok && b != "" {
		return b
	}
	b := randomBoundary()
	params["boundary"] = b
	e.Header.Set("Content-Type", mime.FormatMediaType(mt, params))
	return b
}

// RandomBoundary returns a fresh multipart boundary token.
func RandomBoundary() string {
	return randomBoundary()
}

func randomBoundary() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return fmt.Sprintf("=_%x", buf)
}
