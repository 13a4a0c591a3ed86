package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string. In addition to the units accepted
// by time.ParseDuration it understands whole days written as "<n>d", alone
// or followed by a regular duration ("1d12h").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if idx := strings.IndexByte(s, 'd'); idx > 0 {
		days, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		total := time.Duration(days) * 24 * time.Hour
		if rest := s[idx+1:]; rest != "" {
			d, err := time.ParseDuration(rest)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			total += d
		}
		return total, nil
	}

	return time.ParseDuration(s)
}
