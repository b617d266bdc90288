package message

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Input deeper than this is treated as a leaf. Bounds adversarial
// nesting.
const maxPartDepth = 50

// Parse reads a raw RFC 5322 message into an entity tree. Header order
// and case are preserved; leaf bodies are transfer-decoded. Unparsable
// input yields an error the caller maps to its malformed-input
// handling.
func Parse(raw []byte) (*Entity, error) {
	header, body, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}
	e := parseEntity(header, body, 0)
	e.Raw = raw
	return e, nil
}

// parseHeader consumes the header block up to the first empty line.
func parseHeader(raw []byte) (Header, []byte, error) {
	var h Header
	rest := raw
	var name, value string
	flush := func() {
		if name != "" {
			h.fields = append(h.fields, Field{Name: name, Value: value})
			name, value = "", ""
		}
	}
	for len(rest) > 0 {
		line, remainder := nextLine(rest)
		rest = remainder
		if len(line) == 0 {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name == "" {
				return Header{}, nil, fmt.Errorf("continuation line before first header field")
			}
			value += " " + strings.TrimSpace(string(line))
			continue
		}
		idx := bytes.IndexByte(line, ':')
		if idx < 1 {
			return Header{}, nil, fmt.Errorf("header line without colon: %q", truncate(string(line), 60))
		}
		flush()
		name = string(line[:idx])
		value = strings.TrimSpace(string(line[idx+1:]))
	}
	flush()
	return h, rest, nil
}

func nextLine(data []byte) (line, rest []byte) {
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		return data, nil
	}
	line = data[:idx]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return line, data[idx+1:]
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func parseEntity(header Header, body []byte, depth int) *Entity {
	e := &Entity{Header: header}
	mt, params := e.ContentType()
	if strings.HasPrefix(mt, "multipart/") && depth < maxPartDepth {
		boundary := params["boundary"]
		if boundary != "" {
			chunks := splitMultipart(body, boundary)
			if chunks != nil {
				for _, chunk := range chunks {
					ph, pb, err := parseHeader(chunk)
					if err != nil {
						// Tolerate broken part headers: keep the chunk
						// as an opaque leaf.
						e.Parts = append(e.Parts, &Entity{Body: chunk, Raw: chunk})
						continue
					}
					part := parseEntity(ph, pb, depth+1)
					part.Raw = chunk
					e.Parts = append(e.Parts, part)
				}
				return e
			}
		}
		// Missing or never-matched boundary: degrade to a leaf so the
		// content is not lost.
		e.Header.Set("Content-Type", "text/plain")
	}
	e.Body = decodeTransfer(e.Header.Get("Content-Transfer-Encoding"), body)
	return e
}

// splitMultipart returns the raw part chunks between boundary
// delimiters, or nil if no opening delimiter exists.
func splitMultipart(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)
	var chunks [][]byte
	var current []byte
	inPart := false
	rest := body
	for {
		line, remainder := nextLine(rest)
		isDelim := bytes.HasPrefix(line, delim) &&
			(len(line) == len(delim) || bytes.Equal(bytes.TrimRight(line[len(delim):], " \t"), []byte("--")) || len(bytes.TrimRight(line[len(delim):], " \t")) == 0)
		closing := isDelim && bytes.HasPrefix(line[len(delim):], []byte("--"))
		if isDelim {
			if inPart {
				chunks = append(chunks, trimFinalCRLF(current))
			}
			if closing {
				break
			}
			inPart = true
			current = nil
		} else if inPart {
			current = append(current, line...)
			current = append(current, '\r', '\n')
		}
		if len(remainder) == 0 {
			// Unterminated multipart: flush what we have.
			if inPart && len(current) > 0 {
				chunks = append(chunks, trimFinalCRLF(current))
			}
			break
		}
		rest = remainder
	}
	if !inPart && chunks == nil {
		return nil
	}
	return chunks
}

func trimFinalCRLF(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte("\r\n"))
}

func decodeTransfer(cte string, body []byte) []byte {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "base64":
		cleaned := bytes.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, body)
		out := make([]byte, base64.StdEncoding.DecodedLen(len(cleaned)))
		n, err := base64.StdEncoding.Decode(out, cleaned)
		if err != nil {
			return body
		}
		return out[:n]
	case "quoted-printable":
		out, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(body)))
		if err != nil {
			return body
		}
		return out
	default:
		return body
	}
}

// DecodedText returns the leaf body as UTF-8 text, converting from the
// declared charset when necessary. Unknown charsets fall back to the
// raw bytes.
func (e *Entity) DecodedText() string {
	_, params := e.ContentType()
	charset := strings.ToLower(params["charset"])
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(e.Body)
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(e.Body)
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), e.Body)
	if err != nil {
		return string(e.Body)
	}
	return string(out)
}

// SetText replaces the leaf body with UTF-8 text. The transfer
// encoding is dropped so serialization re-derives one matching the new
// bytes.
func (e *Entity) SetText(s string) {
	e.Body = []byte(s)
	e.Raw = nil
	mt, params := e.ContentType()
	params["charset"] = "utf-8"
	e.Header.Set("Content-Type", mime.FormatMediaType(mt, params))
	e.Header.Del("Content-Transfer-Encoding")
}

var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, err
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func decodeEncodedWords(s string) string {
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func encodeHeaderWord(s string) string {
	return mime.QEncoding.Encode("utf-8", s)
}

// Bytes serializes the tree to a well-formed RFC 5322 message. The
// transfer encoding of each leaf is chosen to match its actual bytes.
func (e *Entity) Bytes() []byte {
	var buf bytes.Buffer
	e.write(&buf)
	return buf.Bytes()
}

func (e *Entity) write(buf *bytes.Buffer) {
	if e.IsMultipart() {
		boundary := e.Boundary()
		for _, f := range e.Header.Fields() {
			if strings.EqualFold(f.Name, "Content-Transfer-Encoding") {
				continue
			}
			writeHeaderField(buf, f)
		}
		buf.WriteString("\r\n")
		for _, p := range e.Parts {
			buf.WriteString("--" + boundary + "\r\n")
			p.write(buf)
			buf.WriteString("\r\n")
		}
		buf.WriteString("--" + boundary + "--\r\n")
		return
	}

	cte, encoded := encodeBody(e)
	for _, f := range e.Header.Fields() {
		if strings.EqualFold(f.Name, "Content-Transfer-Encoding") {
			continue
		}
		writeHeaderField(buf, f)
	}
	if cte != "" {
		buf.WriteString("Content-Transfer-Encoding: " + cte + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(encoded)
}

func writeHeaderField(buf *bytes.Buffer, f Field) {
	buf.WriteString(f.Name)
	buf.WriteString(": ")
	buf.WriteString(f.Value)
	buf.WriteString("\r\n")
}

// encodeBody picks a transfer encoding consistent with the body bytes.
// An explicit base64 or quoted-printable request on the entity is
// honored; otherwise 7bit is used for plain ASCII and quoted-printable
// or base64 for the rest.
func encodeBody(e *Entity) (string, []byte) {
	declared := strings.ToLower(strings.TrimSpace(e.Header.Get("Content-Transfer-Encoding")))
	body := e.Body
	switch declared {
	case "base64":
		return "base64", encodeBase64(body)
	case "quoted-printable":
		return "quoted-printable", encodeQP(body)
	}
	if isPlainASCII(body) {
		if declared == "7bit" || declared == "8bit" || declared == "binary" || declared == "" {
			if declared == "" {
				declared = "7bit"
			}
			return declared, body
		}
		return "7bit", body
	}
	if strings.HasPrefix(e.MediaType(), "text/") {
		return "quoted-printable", encodeQP(body)
	}
	return "base64", encodeBase64(body)
}

func isPlainASCII(body []byte) bool {
	col := 0
	for _, b := range body {
		if b == '\n' {
			col = 0
			continue
		}
		if b != '\r' && b != '\t' && (b < 32 || b > 126) {
			return false
		}
		col++
		if col > 990 {
			return false
		}
	}
	return true
}

func encodeQP(body []byte) []byte {
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Write(body)
	w.Close()
	return buf.Bytes()
}

func encodeBase64(body []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(body)
	var buf bytes.Buffer
	for len(enc) > 76 {
		buf.WriteString(enc[:76])
		buf.WriteString("\r\n")
		enc = enc[76:]
	}
	buf.WriteString(enc)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
