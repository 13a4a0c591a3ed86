// Package mailheader implements an ordered, case-insensitive multimap of
// RFC 5322 header fields on top of go-message's textproto.Header.
//
// Fields keep their original order, duplicates and raw folding. Fields that
// are never touched serialize back byte for byte, so re-wrapping a message
// with extra headers does not disturb the original ones.
//
// New fields are added at the top of the header by Add and Replace, the same
// way trace fields (Received, Return-Path, Delivered-To) are stacked by MTAs.
// Append adds at the bottom.
package mailheader

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Line is a frozen representation of a header field.
type Line struct {
	Key  string `json:"key"`  // lower case, empty for malformed lines
	Line string `json:"line"` // full line without trailing line break
}

// Header is an ordered multimap of header fields. The zero value is an empty
// header ready to use. A Header is not safe for concurrent use.
//
// Lines that are not valid fields (no colon, bad field name, a leading
// continuation) cannot live in a textproto.Header. They are kept verbatim in
// stray and written back at their original position.
type Header struct {
	h     textproto.Header
	stray []strayLine // top to bottom
}

// strayLine is anchored by the number of fields below it. textproto only
// inserts at the top, so the anchor moves only when fields below it are
// removed or appended.
type strayLine struct {
	below int
	raw   []byte
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Parse reads a header block. The block may include the terminating empty
// line; anything after it is ignored.
//
// textproto.ReadHeader fails on the first malformed line, which would lose a
// message that a lenient MTA already accepted. Parse instead keeps such lines
// as opaque pass-through so the block serializes back unchanged.
func Parse(raw []byte) *Header {
	type entry struct {
		raw   []byte
		field bool
	}
	var entries []entry
	var cur []byte

	flush := func() {
		if len(cur) == 0 {
			return
		}
		if !bytes.HasSuffix(cur, []byte("\n")) {
			cur = append(cur, '\r', '\n')
		}
		entries = append(entries, entry{raw: cur, field: validField(cur)})
		cur = nil
	}

	for len(raw) > 0 {
		end := bytes.IndexByte(raw, '\n')
		var line []byte
		if end < 0 {
			line = raw
			raw = nil
		} else {
			line = raw[:end+1]
			raw = raw[end+1:]
		}

		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			// end of the header block
			break
		}

		if (line[0] == ' ' || line[0] == '\t') && cur != nil {
			cur = append(cur, line...)
			continue
		}

		flush()
		cur = append([]byte(nil), line...)
	}
	flush()

	h := &Header{}
	below := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].field {
			h.h.AddRaw(entries[i].raw)
			below++
			continue
		}
		h.stray = append(h.stray, strayLine{below: below, raw: entries[i].raw})
	}
	for i, j := 0, len(h.stray)-1; i < j; i, j = i+1, j-1 {
		h.stray[i], h.stray[j] = h.stray[j], h.stray[i]
	}
	return h
}

// validField reports whether textproto would accept the field.
func validField(raw []byte) bool {
	if raw[0] == ' ' || raw[0] == '\t' {
		return false
	}
	idx := bytes.IndexByte(raw, ':')
	if idx <= 0 {
		return false
	}
	key := bytes.Trim(raw[:idx], " \t")
	if len(key) == 0 {
		return false
	}
	for _, c := range key {
		if c < 33 || c > 126 {
			return false
		}
	}
	return true
}

func formatField(key, value string) []byte {
	value = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ").Replace(value)
	return []byte(key + ": " + value + "\r\n")
}

// Len returns the number of fields, not counting malformed lines.
func (h *Header) Len() int {
	return h.h.Len()
}

// Has reports whether at least one field with the key exists.
func (h *Header) Has(key string) bool {
	return h.h.Has(key)
}

// Count returns the number of fields with the key.
func (h *Header) Count(key string) int {
	return len(h.h.Values(key))
}

// Get returns the first value for the key or an empty string.
func (h *Header) Get(key string) string {
	return h.h.Get(key)
}

// FirstOrDefault returns the first value for the key, or def when the key
// is missing.
func (h *Header) FirstOrDefault(key, def string) string {
	if !h.h.Has(key) {
		return def
	}
	return h.h.Get(key)
}

// Values returns all values for the key in header order.
func (h *Header) Values(key string) []string {
	return h.h.Values(key)
}

// Decoded returns all values for the key with RFC 2047 encoded words
// decoded. Values that fail to decode are returned as is.
func (h *Header) Decoded(key string) []string {
	values := h.h.Values(key)
	decoded := make([]string, len(values))
	for i, v := range values {
		decoded[i] = DecodeValue(v)
	}
	return decoded
}

// DecodeValue decodes RFC 2047 encoded words in a header value.
func DecodeValue(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// Add inserts a field at the top of the header. Line breaks in value are
// replaced by spaces.
func (h *Header) Add(key, value string) {
	h.h.AddRaw(formatField(key, value))
}

// Append adds a field at the bottom of the header.
func (h *Header) Append(key, value string) {
	h.rebuild(nil, [][]byte{formatField(key, value)})
}

// AppendAll appends every field of other, keeping raw bytes and malformed
// lines.
func (h *Header) AppendAll(other *Header) {
	if other == nil {
		return
	}
	var tail [][]byte
	_ = other.walk(func(_ string, raw []byte, field bool) error {
		if field {
			tail = append(tail, raw)
		}
		return nil
	})
	h.rebuild(nil, tail)
	h.stray = append(h.stray, other.stray...)
}

// Remove deletes all fields with the key and returns how many were removed.
func (h *Header) Remove(key string) int {
	removed := 0
	h.rebuild(func(k string, raw []byte) []byte {
		if strings.EqualFold(k, key) {
			removed++
			return nil
		}
		return raw
	}, nil)
	return removed
}

// Replace removes every field with the key and inserts a single new one at
// position zero.
func (h *Header) Replace(key, value string) {
	h.Remove(key)
	h.Add(key, value)
}

// Update sets the value of the first field with the key in place, keeping the
// spelling of its name, and drops the remaining instances. When the key is missing the field is added at the
// top.
func (h *Header) Update(key, value string) {
	found := false
	h.rebuild(func(k string, raw []byte) []byte {
		if !strings.EqualFold(k, key) {
			return raw
		}
		if found {
			return nil
		}
		found = true
		return formatField(string(bytes.Trim(raw[:bytes.IndexByte(raw, ':')], " \t")), value)
	}, nil)
	if !found {
		h.Add(key, value)
	}
}

// rebuild replaces the underlying textproto.Header, which only supports
// inserting at the top. edit is called top to bottom and returns the raw
// field to keep, or nil to drop it; a nil edit keeps every field. tail is
// added below the last field.
func (h *Header) rebuild(edit func(key string, raw []byte) []byte, tail [][]byte) {
	n := h.h.Len()
	raws := make([][]byte, 0, n+len(tail))
	var dropped []int // positions of dropped fields, counted from the bottom

	fs := h.h.Fields()
	for i := 0; fs.Next(); i++ {
		raw, _ := fs.Raw() // every field is added raw
		if edit != nil {
			raw = edit(fs.Key(), raw)
		}
		if raw == nil {
			dropped = append(dropped, n-1-i)
			continue
		}
		raws = append(raws, raw)
	}
	raws = append(raws, tail...)

	for i := range h.stray {
		shift := 0
		for _, pos := range dropped {
			if pos < h.stray[i].below {
				shift++
			}
		}
		h.stray[i].below += len(tail) - shift
	}

	var rebuilt textproto.Header
	for i := len(raws) - 1; i >= 0; i-- {
		rebuilt.AddRaw(raws[i])
	}
	h.h = rebuilt
}

// walk calls fn for every field and malformed line, top to bottom.
func (h *Header) walk(fn func(key string, raw []byte, field bool) error) error {
	n := h.h.Len()
	s := 0
	emit := func(below int) error {
		for ; s < len(h.stray) && h.stray[s].below >= below; s++ {
			if err := fn("", h.stray[s].raw, false); err != nil {
				return err
			}
		}
		return nil
	}

	if err := emit(n); err != nil {
		return err
	}
	fs := h.h.Fields()
	for i := 0; fs.Next(); i++ {
		raw, _ := fs.Raw()
		if err := fn(fs.Key(), raw, true); err != nil {
			return err
		}
		if err := emit(n - 1 - i); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the header.
func (h *Header) Clone() *Header {
	c := &Header{h: h.h.Copy()}
	c.stray = append([]strayLine(nil), h.stray...)
	return c
}

// Lines freezes the header into a list of lines suitable for persistence.
func (h *Header) Lines() []Line {
	lines := make([]Line, 0, h.h.Len()+len(h.stray))
	_ = h.walk(func(key string, raw []byte, _ bool) error {
		lines = append(lines, Line{
			Key:  strings.ToLower(key),
			Line: strings.TrimRight(string(raw), "\r\n"),
		})
		return nil
	})
	return lines
}

// Bytes serializes the header including the terminating empty line.
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	_, _ = h.WriteTo(&buf)
	return buf.Bytes()
}

// WriteTo writes the header followed by an empty line.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	var total int64
	err := h.walk(func(_ string, raw []byte, _ bool) error {
		n, err := w.Write(raw)
		total += int64(n)
		return err
	})
	if err != nil {
		return total, err
	}
	n, err := io.WriteString(w, "\r\n")
	total += int64(n)
	return total, err
}
