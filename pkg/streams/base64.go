package streams

import (
	"encoding/base64"
	"io"
)

// Base64Range describes which part of a binary attachment has to be read
// and re-encoded to produce a slice of its folded base64 representation.
//
// The folded representation has lineLength characters per line joined with
// CRLF and no trailing line break.
type Base64Range struct {
	// Start is the offset of the first binary byte to read. It is always a
	// multiple of three.
	Start int64
	// Length is the number of binary bytes to read, or 0 to read until the
	// end of the data.
	Length int64
	// Skip is the number of folded characters to drop from the output of
	// re-encoding the binary range.
	Skip int64
	// Pad is the column at which the re-encoded text starts, so folding the
	// slice continues the original line layout.
	Pad int
}

// foldedPos maps an index into the unfolded encoding to its index in the
// folded one.
func foldedPos(c int64, l int64) int64 {
	return (c/l)*(l+2) + c%l
}

// PartialBase64 computes the range needed to produce the folded base64
// text starting at offset startFrom, limited to maxLength characters (0 for
// no limit).
func PartialBase64(lineLength int, startFrom, maxLength int64) Base64Range {
	if lineLength <= 0 {
		lineLength = 76
	}
	l := int64(lineLength)
	if startFrom < 0 {
		startFrom = 0
	}

	line := startFrom / (l + 2)
	col := startFrom % (l + 2)
	if col > l-1 {
		// inside the line separator, anchor to the last character of the line
		col = l - 1
	}
	anchor := line*l + col
	cStart := anchor / 4 * 4

	rng := Base64Range{
		Start: cStart / 4 * 3,
		Skip:  startFrom - foldedPos(cStart, l),
		Pad:   int(cStart % l),
	}

	if maxLength > 0 {
		last := startFrom + maxLength - 1
		line = last / (l + 2)
		col = last % (l + 2)
		var eLast int64
		if col >= l {
			// a separator is only written before the next character
			eLast = (line + 1) * l
		} else {
			eLast = line*l + col
		}
		cEnd := (eLast/4 + 1) * 4
		rng.Length = cEnd/4*3 - rng.Start
	}

	return rng
}

// FoldWriter writes base64 text folded to a fixed line length. The first
// line starts at the given column.
type FoldWriter struct {
	w     io.Writer
	width int
	col   int
}

// NewFoldWriter returns a FoldWriter. A column at or past width starts with a
// line break.
func NewFoldWriter(w io.Writer, width, col int) *FoldWriter {
	return &FoldWriter{w: w, width: width, col: col}
}

func (f *FoldWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if f.col >= f.width {
			if _, err := io.WriteString(f.w, "\r\n"); err != nil {
				return 0, err
			}
			f.col = 0
		}
		n := f.width - f.col
		if n > len(p) {
			n = len(p)
		}
		if _, err := f.w.Write(p[:n]); err != nil {
			return 0, err
		}
		f.col += n
		p = p[n:]
	}
	return total, nil
}

// windowWriter drops the first skip bytes and everything after limit bytes.
type windowWriter struct {
	w     io.Writer
	skip  int64
	limit int64 // negative means unlimited
}

func (ww *windowWriter) Write(p []byte) (int, error) {
	total := len(p)
	if ww.skip > 0 {
		if int64(len(p)) <= ww.skip {
			ww.skip -= int64(len(p))
			return total, nil
		}
		p = p[ww.skip:]
		ww.skip = 0
	}
	if ww.limit >= 0 {
		if int64(len(p)) > ww.limit {
			p = p[:ww.limit]
		}
		ww.limit -= int64(len(p))
	}
	if len(p) > 0 {
		if _, err := ww.w.Write(p); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// EncodeRange writes the folded base64 slice described by rng to w. The
// reader must yield the binary bytes starting at rng.Start; at most
// rng.Length bytes are consumed when it is set.
func EncodeRange(w io.Writer, r io.Reader, rng Base64Range, lineLength int, maxLength int64) error {
	if lineLength <= 0 {
		lineLength = 76
	}
	limit := int64(-1)
	if maxLength > 0 {
		limit = maxLength
	}
	if rng.Length > 0 {
		r = io.LimitReader(r, rng.Length)
	}

	out := &windowWriter{w: w, skip: rng.Skip, limit: limit}
	enc := base64.NewEncoder(base64.StdEncoding, NewFoldWriter(out, lineLength, rng.Pad))
	if _, err := io.Copy(enc, r); err != nil {
		return err
	}
	return enc.Close()
}
