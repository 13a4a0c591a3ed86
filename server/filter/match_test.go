package filter

import (
	"testing"

	"github.com/migadu/mailflow/server"
	"github.com/migadu/mailflow/server/indexer"
	"github.com/stretchr/testify/assert"
)

func testMessage() *Message {
	return NewMessage(&indexer.MailData{
		Size: 2048,
		Headers: []indexer.HeaderValue{
			{Key: "from", Value: "Alice <alice@example.com>"},
			{Key: "to", Value: "bob@example.net"},
			{Key: "cc", Value: "carol@example.org"},
			{Key: "subject", Value: "Quarterly Report"},
		},
		Attachments: []*indexer.Attachment{{Part: "2"}},
		Text:        "Hello   Bob,\n\nplease find the\tnumbers attached.",
	})
}

func TestMatches(t *testing.T) {
	m := testMessage()

	tests := []struct {
		name  string
		query server.RuleQuery
		want  bool
	}{
		{"empty query", server.RuleQuery{}, false},
		{"substring", server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "report"}}}, true},
		{"substring miss", server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "invoice"}}}, false},
		{"key case", server.RuleQuery{Headers: map[string]server.HeaderMatch{"Subject": {Value: "REPORT"}}}, true},
		{"cc falls back to to", server.RuleQuery{Headers: map[string]server.HeaderMatch{"to": {Value: "carol@"}}}, true},
		{"cc own constraint", server.RuleQuery{Headers: map[string]server.HeaderMatch{
			"to": {Value: "bob@"},
			"cc": {Value: "bob@"},
		}}, false},
		{"and across keys", server.RuleQuery{Headers: map[string]server.HeaderMatch{
			"from":    {Value: "alice"},
			"subject": {Value: "quarterly"},
		}}, true},
		{"missing header", server.RuleQuery{Headers: map[string]server.HeaderMatch{"list-id": {Value: "x"}}}, false},
		{"regex", server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "^quarterly", Regex: true, Flags: "i"}}}, true},
		{"regex case sensitive", server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "^quarterly", Regex: true}}}, false},
		{"invalid regex", server.RuleQuery{Headers: map[string]server.HeaderMatch{"subject": {Value: "(", Regex: true}}}, false},
		{"attachment", server.RuleQuery{HasAttachment: boolp(true)}, true},
		{"no attachment", server.RuleQuery{HasAttachment: boolp(false)}, false},
		{"size at least", server.RuleQuery{Size: 2048}, true},
		{"size at least miss", server.RuleQuery{Size: 4096}, false},
		{"size at most", server.RuleQuery{Size: -2048}, true},
		{"size at most miss", server.RuleQuery{Size: -1024}, false},
		{"text collapsed", server.RuleQuery{Text: "Please  FIND the numbers"}, true},
		{"text miss", server.RuleQuery{Text: "invoice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.query, m))
		})
	}
}

func TestMatchesSenderFallsBackToFrom(t *testing.T) {
	m := NewMessage(&indexer.MailData{Headers: []indexer.HeaderValue{
		{Key: "from", Value: "list@example.com"},
		{Key: "sender", Value: "owner@example.com"},
	}})
	q := server.RuleQuery{Headers: map[string]server.HeaderMatch{"from": {Value: "owner@"}}}
	assert.True(t, Matches(q, m))
}
