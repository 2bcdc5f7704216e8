package harvest

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	appIDPattern = regexp.MustCompile(`/app/(\d+)`)

	// Steam appends a localized availability notice to region-locked titles.
	regionNotice = regexp.MustCompile(`(?i)\s*\((?:not available in your region|недоступно в вашем регионе)\)\s*`)

	trademarks = strings.NewReplacer("™", "", "®", "")
)

// NormalizeName strips availability notices and trademark marks, applies
// NFKC and trims whitespace.
func NormalizeName(raw string) string {
	s := regionNotice.ReplaceAllString(raw, "")
	// Trademarks go first: NFKC would expand ™ to "TM".
	s = trademarks.Replace(s)
	s = norm.NFKC.String(s)
	return strings.TrimSpace(s)
}

// ParseAppID extracts the Steam app id from a store link. Returns 0 when the
// link has no /app/<digits> segment.
func ParseAppID(link string) int64 {
	m := appIDPattern.FindStringSubmatch(link)
	if m == nil {
		return 0
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ParseMetric keeps only the ASCII digits of s ("1,234,567" and "1 234 567"
// both yield 1234567). Text without digits yields 0.
func ParseMetric(s string) int64 {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return 0
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
