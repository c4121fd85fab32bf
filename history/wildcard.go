package history

import (
	"fmt"
	"regexp"
	"strings"
)

// Wildcard is a compiled command-shell wildcard pattern: * matches any run
// of characters, ? matches one character, [a-z] matches a character class,
// and ` escapes the following metacharacter. Matching is case-insensitive
// against the whole string.
type Wildcard struct {
	pattern string
	re      *regexp.Regexp
}

// NewWildcard compiles a wildcard pattern.
func NewWildcard(pattern string) (*Wildcard, error) {
	re, err := regexp.Compile(`(?i)^` + translateWildcard(pattern) + `$`)
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", pattern, err)
	}
	return &Wildcard{pattern: pattern, re: re}, nil
}

// Match reports whether s matches the pattern.
func (w *Wildcard) Match(s string) bool {
	return w.re.MatchString(s)
}

// String returns the original pattern text.
func (w *Wildcard) String() string {
	return w.pattern
}

func translateWildcard(pattern string) string {
	var b strings.Builder
	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			// Copy the character class through verbatim.
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) {
				b.WriteString(string(runes[i : j+1]))
				i = j
			} else {
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		case '`':
			if i+1 < len(runes) {
				i++
				b.WriteString(regexp.QuoteMeta(string(runes[i])))
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}
