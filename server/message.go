package server

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/migadu/mailflow/logger"
)

// HeaderParseError is added to the fallback entity of a message whose
// MIME header could not be parsed.
const HeaderParseError = "X-Mailflow-Parse-Error"

// ParseMessage reads a MIME entity from r. Unknown charsets and transfer
// encodings are tolerated. A message with a malformed MIME header is
// replaced by a plain text entity describing the error, so that it can
// still be filtered and stored.
func ParseMessage(r io.Reader) (*message.Entity, error) {
	m, err := message.Read(r)
	switch {
	case err == nil:
		return m, nil
	case message.IsUnknownCharset(err), message.IsUnknownEncoding(err):
		logger.Debug("Message: unknown charset or encoding", "error", err)
		return m, nil
	case strings.Contains(err.Error(), "malformed MIME header"):
		logger.Warn("Message: malformed MIME header, using fallback entity", "error", err)
		return fallbackEntity(err)
	default:
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
}

func fallbackEntity(cause error) (*message.Entity, error) {
	var buf bytes.Buffer
	buf.WriteString(HeaderParseError + ": " + strings.ReplaceAll(cause.Error(), "\n", " ") + "\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString("[message could not be parsed]\r\n")
	return message.Read(&buf)
}
