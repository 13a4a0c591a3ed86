package streams

import (
	"crypto/sha256"
	"encoding/base64"
	"hash"
)

// RelaxedBodyHash computes the DKIM body hash using the "relaxed" body
// canonicalization of RFC 6376 section 3.4.4 with sha256.
//
// Whitespace runs are reduced to a single space, trailing whitespace on each
// line is dropped and empty lines at the end of the body are ignored. Both
// LF and CRLF line endings are accepted; the canonical form always uses
// CRLF.
type RelaxedBodyHash struct {
	h hash.Hash

	emptyLines int
	wsPending  bool
	crPending  bool
	hasContent bool
	size       int64
	sum        string
	finished   bool
	out        []byte
}

// NewRelaxedBodyHash returns an empty hasher.
func NewRelaxedBodyHash() *RelaxedBodyHash {
	return &RelaxedBodyHash{h: sha256.New()}
}

// Algorithm returns the hash algorithm name used in DKIM signatures.
func (b *RelaxedBodyHash) Algorithm() string {
	return "sha256"
}

func (b *RelaxedBodyHash) content(c byte) {
	for ; b.emptyLines > 0; b.emptyLines-- {
		b.out = append(b.out, '\r', '\n')
	}
	if b.wsPending {
		b.out = append(b.out, ' ')
		b.wsPending = false
	}
	b.out = append(b.out, c)
	b.hasContent = true
}

func (b *RelaxedBodyHash) endLine() {
	if b.hasContent {
		b.out = append(b.out, '\r', '\n')
	} else {
		b.emptyLines++
	}
	b.wsPending = false
	b.hasContent = false
}

func (b *RelaxedBodyHash) Write(p []byte) (int, error) {
	b.out = b.out[:0]
	for _, c := range p {
		if b.crPending {
			b.crPending = false
			if c == '\n' {
				b.endLine()
				continue
			}
			b.content('\r')
		}
		switch c {
		case '\r':
			b.crPending = true
		case '\n':
			b.endLine()
		case ' ', '\t':
			b.wsPending = true
		default:
			b.content(c)
		}
	}
	b.flush()
	return len(p), nil
}

func (b *RelaxedBodyHash) flush() {
	if len(b.out) > 0 {
		b.h.Write(b.out)
		b.size += int64(len(b.out))
		b.out = b.out[:0]
	}
}

// Sum finalizes the hash and returns it base64 encoded. Writes after Sum
// are not allowed.
func (b *RelaxedBodyHash) Sum() string {
	if b.finished {
		return b.sum
	}
	b.finished = true
	b.out = b.out[:0]
	if b.crPending {
		b.crPending = false
		b.content('\r')
	}
	if b.hasContent {
		b.endLine()
	}
	b.flush()
	b.sum = base64.StdEncoding.EncodeToString(b.h.Sum(nil))
	return b.sum
}

// Size returns the number of canonicalized bytes hashed so far.
func (b *RelaxedBodyHash) Size() int64 {
	return b.size
}
