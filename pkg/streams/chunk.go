// Package streams contains the byte level building blocks used while a
// message is moving through the system: the header/body splitter, newline
// normalisation, mbox "From " escaping, partial base64 offsets and the DKIM
// relaxed body hash.
//
// Stages are connected with bounded channels of Chunk values. A stage never
// holds more than one chunk plus its own small state, so a slow consumer
// pauses the producer. Errors travel in-band: a Chunk with Err set is the
// last value a stage forwards. Cancellation is signalled through the
// context; a stage whose context is done closes its output without sending
// anything further.
package streams

import (
	"context"
	"io"
)

// DefaultChunkSize is used by Chunks when no size is given.
const DefaultChunkSize = 64 * 1024

// Chunk is a unit of data flowing between stages.
type Chunk struct {
	Data []byte
	Err  error
}

func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func recv(ctx context.Context, in <-chan Chunk) (Chunk, bool) {
	select {
	case c, ok := <-in:
		return c, ok
	case <-ctx.Done():
		return Chunk{Err: ctx.Err()}, true
	}
}

// Chunks reads r into a channel of chunks of at most size bytes. The output
// is unbuffered, so r is only read when a consumer is ready.
func Chunks(ctx context.Context, r io.Reader, size int) <-chan Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for {
			buf := make([]byte, size)
			n, err := r.Read(buf)
			if n > 0 {
				if !send(ctx, out, Chunk{Data: buf[:n]}) {
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				send(ctx, out, Chunk{Err: err})
				return
			}
		}
	}()
	return out
}

// FromBytes emits the given byte slices as chunks. Mostly useful in tests.
func FromBytes(ctx context.Context, parts ...[]byte) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, p := range parts {
			if !send(ctx, out, Chunk{Data: p}) {
				return
			}
		}
	}()
	return out
}

// ChanReader turns a chunk channel back into an io.Reader.
type ChanReader struct {
	ctx context.Context
	in  <-chan Chunk
	buf []byte
	err error
}

// NewChanReader returns a reader over in. A channel that is closed while
// ctx is done reports ctx.Err() instead of io.EOF.
func NewChanReader(ctx context.Context, in <-chan Chunk) *ChanReader {
	return &ChanReader{ctx: ctx, in: in}
}

func (r *ChanReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		c, ok := recv(r.ctx, r.in)
		switch {
		case !ok:
			if err := r.ctx.Err(); err != nil {
				r.err = err
			} else {
				r.err = io.EOF
			}
		case c.Err != nil:
			r.err = c.Err
		default:
			r.buf = c.Data
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// Drain consumes in until it is closed and returns the first error seen.
func Drain(in <-chan Chunk) error {
	var first error
	for c := range in {
		if c.Err != nil && first == nil {
			first = c.Err
		}
	}
	return first
}
