package helpers

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 drops invalid UTF-8 sequences and NUL bytes, neither of
// which PostgreSQL accepts in text columns.
func SanitizeUTF8(s string) string {
	s = strings.ToValidUTF8(s, "")
	if strings.IndexByte(s, 0) < 0 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// flagSpecials are the IMAP atom-specials that may not appear in a keyword.
const flagSpecials = "(){ %*\"]"

// SanitizeFlags cleans flags set by filter rules before they are stored.
// Surrounding whitespace is trimmed, duplicates are removed ignoring case,
// and entries that are empty, contain atom-specials or spell NIL or NULL
// are dropped. A system flag keeps its leading backslash; any other
// backslash rejects the flag. Order is preserved.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if flags == nil {
		return nil
	}

	out := make([]imap.Flag, 0, len(flags))
	seen := make(map[string]struct{}, len(flags))
	for _, flag := range flags {
		s := strings.TrimSpace(string(flag))
		if !validFlag(s) {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, imap.Flag(s))
	}
	return out
}

func validFlag(s string) bool {
	body := strings.TrimPrefix(s, `\`)
	if body == "" || strings.ContainsAny(body, flagSpecials+`\`) {
		return false
	}
	for _, r := range body {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	switch strings.ToUpper(strings.TrimPrefix(body, "$")) {
	case "NIL", "NULL":
		return false
	}
	return true
}
