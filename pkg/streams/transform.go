package streams

import (
	"context"
	"io"
)

// Transformer is a single pass byte transformation. Transform appends the
// output for src to dst. Flush appends anything still held back once the
// input ends.
type Transformer interface {
	Transform(dst, src []byte) []byte
	Flush(dst []byte) []byte
}

// Map runs t as a pipeline stage.
func Map(ctx context.Context, in <-chan Chunk, t Transformer, buffer int) <-chan Chunk {
	out := make(chan Chunk, buffer)
	go func() {
		defer close(out)
		for {
			c, ok := recv(ctx, in)
			if !ok {
				break
			}
			if c.Err != nil {
				send(ctx, out, c)
				return
			}
			if data := t.Transform(nil, c.Data); len(data) > 0 {
				if !send(ctx, out, Chunk{Data: data}) {
					return
				}
			}
		}
		if data := t.Flush(nil); len(data) > 0 {
			send(ctx, out, Chunk{Data: data})
		}
	}()
	return out
}

type transformWriter struct {
	w   io.Writer
	t   Transformer
	buf []byte
}

// NewWriter returns a writer that passes everything through t before
// writing it to w. Close flushes t; it does not close w.
func NewWriter(w io.Writer, t Transformer) io.WriteCloser {
	return &transformWriter{w: w, t: t}
}

func (tw *transformWriter) Write(p []byte) (int, error) {
	tw.buf = tw.t.Transform(tw.buf[:0], p)
	if len(tw.buf) > 0 {
		if _, err := tw.w.Write(tw.buf); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (tw *transformWriter) Close() error {
	tw.buf = tw.t.Flush(tw.buf[:0])
	if len(tw.buf) > 0 {
		_, err := tw.w.Write(tw.buf)
		return err
	}
	return nil
}

// NewlineNormalizer removes CR bytes and keeps LF.
type NewlineNormalizer struct{}

func (NewlineNormalizer) Transform(dst, src []byte) []byte {
	for _, c := range src {
		if c != '\r' {
			dst = append(dst, c)
		}
	}
	return dst
}

func (NewlineNormalizer) Flush(dst []byte) []byte {
	return dst
}

const fromLine = "From "

type mboxState int

const (
	mboxLineStart mboxState = iota
	mboxCandidate
	mboxNormal
)

// MboxEscaper prefixes every line that starts with "From ", optionally
// preceded by any number of '>', with one more '>'. Only the bytes of a
// possible "From " prefix are held back. Input is expected to use LF line
// endings.
type MboxEscaper struct {
	state   mboxState
	pending []byte
}

func (m *MboxEscaper) Transform(dst, src []byte) []byte {
	for _, c := range src {
		dst = m.step(dst, c)
	}
	return dst
}

func (m *MboxEscaper) step(dst []byte, c byte) []byte {
	switch m.state {
	case mboxLineStart:
		switch c {
		case '>', '\n':
			return append(dst, c)
		case 'F':
			m.pending = append(m.pending[:0], c)
			m.state = mboxCandidate
			return dst
		}
		m.state = mboxNormal
		return append(dst, c)

	case mboxCandidate:
		if c == fromLine[len(m.pending)] {
			m.pending = append(m.pending, c)
			if len(m.pending) == len(fromLine) {
				dst = append(dst, '>')
				dst = append(dst, m.pending...)
				m.pending = m.pending[:0]
				m.state = mboxNormal
			}
			return dst
		}
		dst = append(dst, m.pending...)
		m.pending = m.pending[:0]
		if c == '\n' {
			m.state = mboxLineStart
		} else {
			m.state = mboxNormal
		}
		return append(dst, c)
	}

	if c == '\n' {
		m.state = mboxLineStart
	}
	return append(dst, c)
}

func (m *MboxEscaper) Flush(dst []byte) []byte {
	dst = append(dst, m.pending...)
	m.pending = m.pending[:0]
	m.state = mboxLineStart
	return dst
}
