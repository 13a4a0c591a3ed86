package maildrop

import (
	"net/mail"
	"strings"
	"time"

	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/migadu/mailflow/pkg/mailheader"
	"github.com/migadu/mailflow/server"
)

// dates before this are treated as broken
var minDate = time.Unix(0, 0)

// normalizeHeaders fills the parsed address lists, Message-ID and Date of
// the envelope and strips Bcc from the header.
func (m *Maildropper) normalizeHeaders(env *server.Envelope, now time.Time) {
	h := env.Headers

	env.ParsedFrom = parseAddressHeaders(h, "From")
	env.ParsedTo = parseAddressHeaders(h, "To")
	env.ParsedCc = parseAddressHeaders(h, "Cc")
	env.ParsedBcc = parseAddressHeaders(h, "Bcc")
	env.ParsedReplyTo = parseAddressHeaders(h, "Reply-To")
	env.ParsedSender = parseAddressHeaders(h, "Sender")

	messageID := strings.TrimSpace(h.Get("Message-ID"))
	if messageID == "" {
		messageID = "<" + uuid.NewString() + "@" + m.hostname + ">"
		h.Update("Message-ID", messageID)
	}
	env.MessageID = messageID

	date, err := mail.ParseDate(h.Get("Date"))
	if err != nil || date.Before(minDate) {
		date = now
		h.Update("Date", now.Format(time.RFC1123Z))
	}
	env.Date = date

	h.Remove("Bcc")
}

// parseAddressHeaders parses every instance of an address header. Groups
// are flattened and duplicates removed. When a value does not parse as a
// list each comma separated item is tried on its own.
func parseAddressHeaders(h *mailheader.Header, key string) []*gomail.Address {
	var out []*gomail.Address
	seen := make(map[string]bool)

	add := func(a *gomail.Address) {
		norm := server.NormalizeAddress(a.Address)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		out = append(out, a)
	}

	for _, value := range h.Values(key) {
		if strings.TrimSpace(value) == "" {
			continue
		}
		list, err := gomail.ParseAddressList(value)
		if err == nil {
			for _, a := range list {
				add(a)
			}
			continue
		}
		for _, item := range splitAddressList(value) {
			if a, err := gomail.ParseAddress(item); err == nil {
				add(a)
				continue
			}
			if addr := bareAddress(item); addr != "" {
				add(&gomail.Address{Address: addr})
			}
		}
	}

	return out
}

// splitAddressList splits on commas outside of quotes and angle brackets.
func splitAddressList(value string) []string {
	var items []string
	var cur strings.Builder
	inQuote, inAngle := false, false
	for _, r := range value {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == '<' && !inQuote:
			inAngle = true
		case r == '>' && !inQuote:
			inAngle = false
		case (r == ',' || r == ';') && !inQuote && !inAngle:
			items = append(items, strings.TrimSpace(cur.String()))
			cur.Reset()
			continue
		}
		cur.WriteRune(r)
	}
	items = append(items, strings.TrimSpace(cur.String()))
	return items
}

// bareAddress pulls something address shaped out of a broken item.
func bareAddress(item string) string {
	if start := strings.LastIndexByte(item, '<'); start >= 0 {
		if end := strings.IndexByte(item[start:], '>'); end > 0 {
			item = item[start+1 : start+end]
		}
	}
	item = strings.Trim(strings.TrimSpace(item), `"'`)
	if strings.Count(item, "@") != 1 || strings.ContainsAny(item, " \t") {
		return ""
	}
	return item
}
