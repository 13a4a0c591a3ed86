package filter

import "strings"

// Spam levels with fixed meaning.
const (
	SpamLevelAll  = 0
	SpamLevelNone = 100
)

// HintScore maps the spam action suggested by the scanner to a score.
func HintScore(hint string) int {
	hint = strings.ToLower(strings.TrimSpace(hint))
	hint = strings.NewReplacer("-", " ", "_", " ").Replace(hint)
	switch hint {
	case "reject":
		return 75
	case "rewrite subject", "soft reject", "greylist":
		return 50
	case "add header":
		return 25
	}
	return 0
}

// DecideSpam applies the user's spam level to a scanner hint. Level 0
// marks everything as spam and level 100 nothing.
func DecideSpam(level int, hint string) bool {
	switch {
	case level <= SpamLevelAll:
		return true
	case level >= SpamLevelNone:
		return false
	}
	return HintScore(hint) >= level
}
