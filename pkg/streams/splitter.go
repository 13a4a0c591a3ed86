package streams

import (
	"context"
	"errors"
	"io"

	"github.com/migadu/mailflow/pkg/mailheader"
)

// ErrHeaderTooLarge is returned when the header block grows past the
// configured limit before a terminator is found.
var ErrHeaderTooLarge = errors.New("message header too large")

// Splitter finds the boundary between the header block and the body.
//
// The terminator is an empty line, "\n\n" or "\r\n\r\n" (mixed forms are
// accepted as well). The last bytes seen are kept as lookback so a terminator
// split over several chunks is still found. The start of the stream counts
// as the start of a line, so a message beginning with an empty line has an
// empty header.
type Splitter struct {
	// MaxHeaderBytes limits the buffered header size. Zero means no limit.
	MaxHeaderBytes int

	header   []byte
	lookback [4]byte
	started  bool
	done     bool
}

func (s *Splitter) push(c byte) {
	copy(s.lookback[:], s.lookback[1:])
	s.lookback[3] = c
}

// atTerminator reports whether a '\n' arriving now ends the header block.
func (s *Splitter) atTerminator() bool {
	return s.lookback[3] == '\n' || (s.lookback[2] == '\n' && s.lookback[3] == '\r')
}

// Done reports whether the header has been emitted.
func (s *Splitter) Done() bool {
	return s.done
}

// Feed processes the next chunk. Once the terminator is found header holds
// the complete header block including the terminator and body holds the
// remainder of the chunk. After that every chunk is returned as body.
func (s *Splitter) Feed(chunk []byte) (header, body []byte, err error) {
	if s.done {
		return nil, chunk, nil
	}
	if !s.started {
		s.started = true
		s.lookback = [4]byte{'\r', '\n', '\r', '\n'}
	}

	for i, c := range chunk {
		if c == '\n' && s.atTerminator() {
			s.header = append(s.header, chunk[:i+1]...)
			s.done = true
			header = s.header
			s.header = nil
			return header, chunk[i+1:], nil
		}
		s.push(c)
	}

	s.header = append(s.header, chunk...)
	if s.MaxHeaderBytes > 0 && len(s.header) > s.MaxHeaderBytes {
		return nil, nil, ErrHeaderTooLarge
	}
	return nil, nil, nil
}

// Finish is called once the input is exhausted. If no terminator was seen
// the whole input is the header: a line break is appended to it and the body
// is a single empty line.
func (s *Splitter) Finish() (header, body []byte) {
	if s.done {
		return nil, nil
	}
	s.done = true
	header = append(s.header, '\r', '\n')
	s.header = nil
	return header, []byte("\r\n")
}

// HeaderEvent is emitted once per message by Split.
type HeaderEvent struct {
	Raw    []byte
	Header *mailheader.Header
}

// Split runs a Splitter as a pipeline stage. The header event is sent on an
// unbuffered channel before any body chunk, so by the time the first body
// chunk is available the header has been received. Body chunks go through a
// channel with the given capacity.
//
// If the input fails before the header is complete the header channel is
// closed without a value and the error is sent on the body channel.
func Split(ctx context.Context, in <-chan Chunk, buffer int, maxHeaderBytes int) (<-chan HeaderEvent, <-chan Chunk) {
	headers := make(chan HeaderEvent)
	body := make(chan Chunk, buffer)

	go func() {
		defer close(body)
		headersOpen := true
		closeHeaders := func() {
			if headersOpen {
				close(headers)
				headersOpen = false
			}
		}
		defer closeHeaders()

		s := &Splitter{MaxHeaderBytes: maxHeaderBytes}

		emit := func(raw, rest []byte) bool {
			ev := HeaderEvent{Raw: raw, Header: mailheader.Parse(raw)}
			select {
			case headers <- ev:
			case <-ctx.Done():
				return false
			}
			closeHeaders()
			if len(rest) > 0 {
				return send(ctx, body, Chunk{Data: rest})
			}
			return true
		}

		for {
			c, ok := recv(ctx, in)
			if !ok {
				break
			}
			if c.Err != nil {
				closeHeaders()
				send(ctx, body, c)
				return
			}

			header, rest, err := s.Feed(c.Data)
			if err != nil {
				closeHeaders()
				send(ctx, body, Chunk{Err: err})
				return
			}
			if header != nil {
				if !emit(header, rest) {
					return
				}
				continue
			}
			if len(rest) > 0 {
				if !send(ctx, body, Chunk{Data: rest}) {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		if header, rest := s.Finish(); header != nil {
			emit(header, rest)
		}
	}()

	return headers, body
}

// ReadHeader reads r until the end of the header block and returns the
// parsed header. The remainder of r is not consumed beyond the chunk that
// contained the terminator.
func ReadHeader(r io.Reader) (*mailheader.Header, error) {
	s := &Splitter{}
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			header, _, ferr := s.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if header != nil {
				return mailheader.Parse(header), nil
			}
		}
		if err == io.EOF {
			header, _ := s.Finish()
			return mailheader.Parse(header), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// SplitBytes splits a message held in memory into its header block and
// body, following the same rules as Splitter.
func SplitBytes(raw []byte) (header, body []byte) {
	s := &Splitter{}
	header, body, _ = s.Feed(raw)
	if header == nil {
		header, body = s.Finish()
	}
	return header, body
}
