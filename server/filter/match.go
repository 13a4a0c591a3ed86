package filter

import (
	"regexp"
	"strings"

	"github.com/migadu/mailflow/helpers"
	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/indexer"
)

// Message is the view of an indexed message that rules are matched
// against.
type Message struct {
	Headers       []indexer.HeaderValue
	HasAttachment bool
	Size          int64
	// Text is the plain text body, whitespace collapsed and lower cased.
	Text string
}

// NewMessage builds the match view from indexer output.
func NewMessage(data *indexer.MailData) *Message {
	return &Message{
		Headers:       data.Headers,
		HasAttachment: data.HasAttachments(),
		Size:          data.Size,
		Text:          strings.ToLower(helpers.CollapseWhitespace(data.Text)),
	}
}

// headerFallback maps a header that has no constraint of its own to the
// constraint it is checked against instead.
var headerFallback = map[string]string{
	"cc":           "to",
	"delivered-to": "to",
	"sender":       "from",
}

// Matches reports whether every predicate of q holds for m. A query
// without any predicate never matches, neither does a query with an
// invalid regular expression.
func Matches(q server.RuleQuery, m *Message) bool {
	if q.Empty() {
		return false
	}

	if len(q.Headers) > 0 {
		matchers := make(map[string]func(string) bool, len(q.Headers))
		for key, hm := range q.Headers {
			fn, ok := compileHeaderMatch(hm)
			if !ok {
				return false
			}
			matchers[strings.ToLower(key)] = fn
		}

		satisfied := make(map[string]bool, len(matchers))
		for _, h := range m.Headers {
			key := h.Key
			if _, ok := matchers[key]; !ok {
				fallback, ok := headerFallback[key]
				if !ok {
					continue
				}
				if _, ok := matchers[fallback]; !ok {
					continue
				}
				key = fallback
			}
			if !satisfied[key] && matchers[key](h.Value) {
				satisfied[key] = true
			}
		}
		if len(satisfied) != len(matchers) {
			return false
		}
	}

	if q.HasAttachment != nil && *q.HasAttachment != m.HasAttachment {
		return false
	}

	switch {
	case q.Size > 0 && m.Size < q.Size:
		return false
	case q.Size < 0 && m.Size > -q.Size:
		return false
	}

	if q.Text != "" {
		needle := strings.ToLower(helpers.CollapseWhitespace(q.Text))
		if !strings.Contains(m.Text, needle) {
			return false
		}
	}

	return true
}

func compileHeaderMatch(hm server.HeaderMatch) (func(string) bool, bool) {
	if !hm.Regex {
		needle := strings.ToLower(hm.Value)
		return func(v string) bool {
			return strings.Contains(strings.ToLower(v), needle)
		}, true
	}

	pattern := hm.Value
	var flags strings.Builder
	for _, f := range hm.Flags {
		switch f {
		case 'i', 'm', 's':
			flags.WriteRune(f)
		}
	}
	if flags.Len() > 0 {
		pattern = "(?" + flags.String() + ")" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, false
	}
	return re.MatchString, true
}
