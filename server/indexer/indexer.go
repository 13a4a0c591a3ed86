// Package indexer derives the data the filter needs from a raw message:
// size, attachments, a plain text rendition of the body and the decoded
// top level header.
package indexer

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/server"
	"lukechampine.com/blake3"
)

// DefaultMaxTextSize bounds the plain text kept for text rules.
const DefaultMaxTextSize = 1024 * 1024

// Attachment is a decoded non text leaf part.
type Attachment struct {
	// Part is the dotted part path, "2" or "1.3".
	Part        string `json:"part"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"contentType"`
	Disposition string `json:"disposition,omitempty"`
	ContentID   string `json:"cid,omitempty"`
	Encoding    string `json:"transferEncoding,omitempty"`
	// Size is the decoded size.
	Size int64 `json:"size"`
	// Hash is the hex BLAKE3 hash of the decoded content.
	Hash string `json:"hash"`

	Data []byte `json:"-"`
}

// HeaderValue is one decoded top level header field.
type HeaderValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MailData is the result of indexing a message.
type MailData struct {
	Size        int64         `json:"size"`
	Attachments []*Attachment `json:"attachments,omitempty"`
	Text        string        `json:"text,omitempty"`
	HTML        string        `json:"html,omitempty"`
	Headers     []HeaderValue `json:"headers"`
}

// HasAttachments reports whether at least one attachment was found.
func (m *MailData) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// Indexer parses messages. The zero value is ready to use.
type Indexer struct {
	MaxTextSize int
}

// New returns an Indexer with default limits.
func New() *Indexer {
	return &Indexer{MaxTextSize: DefaultMaxTextSize}
}

func tolerable(err error) bool {
	return err == nil || message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

// Index parses raw and returns the derived mail data.
func (ix *Indexer) Index(raw []byte) (*MailData, error) {
	entity, err := server.ParseMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	data := &MailData{Size: int64(len(raw))}

	fields := entity.Header.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		data.Headers = append(data.Headers, HeaderValue{
			Key:   strings.ToLower(fields.Key()),
			Value: helpers.SanitizeUTF8(value),
		})
	}

	var text, html strings.Builder
	var haveText, haveHTML bool

	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if !tolerable(err) {
			return err
		}
		mediaType, params, _ := part.Header.ContentType()
		if mediaType == "" {
			mediaType = "text/plain"
		}
		if strings.HasPrefix(mediaType, "multipart/") {
			return nil
		}

		disposition, dispParams, _ := part.Header.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}

		isText := mediaType == "text/plain" || mediaType == "text/html"
		if isText && disposition != "attachment" {
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			switch {
			case mediaType == "text/plain" && !haveText:
				text.Write(content)
				haveText = true
			case mediaType == "text/html" && !haveHTML:
				html.Write(content)
				haveHTML = true
			}
			return nil
		}

		content, err := io.ReadAll(part.Body)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(content)
		data.Attachments = append(data.Attachments, &Attachment{
			Part:        partPath(path),
			Filename:    mailheader.DecodeValue(filename),
			ContentType: mediaType,
			Disposition: disposition,
			ContentID:   strings.Trim(part.Header.Get("Content-Id"), "<> "),
			Encoding:    strings.ToLower(part.Header.Get("Content-Transfer-Encoding")),
			Size:        int64(len(content)),
			Hash:        hex.EncodeToString(sum[:]),
			Data:        content,
		})
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("walk message: %w", walkErr)
	}

	data.HTML = helpers.SanitizeUTF8(html.String())
	plain := text.String()
	if !haveText && haveHTML {
		plain = helpers.HTMLToText(html.String())
	}
	data.Text = truncate(helpers.SanitizeUTF8(plain), ix.maxText())

	return data, nil
}

func (ix *Indexer) maxText() int {
	if ix == nil || ix.MaxTextSize <= 0 {
		return DefaultMaxTextSize
	}
	return ix.MaxTextSize
}

func partPath(path []int) string {
	if len(path) == 0 {
		return "1"
	}
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = fmt.Sprint(p + 1)
	}
	return strings.Join(parts, ".")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
