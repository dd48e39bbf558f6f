// Package sanitize normalizes and validates user-submitted ad text.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
)

// MaxAdLength is the hard cap on stored ad content in runes.
const MaxAdLength = 4000

var (
	// ErrEmpty is returned when the text contains no visible characters
	// after normalization.
	ErrEmpty = errors.New("sanitize: empty text")

	// ErrMarkup is returned when the text contains HTML or script markup.
	ErrMarkup = errors.New("sanitize: markup not allowed")

	// ErrInvisible is returned when the text contains directional override
	// or zero-width characters used for spoofing.
	ErrInvisible = errors.New("sanitize: invisible characters not allowed")
)

var (
	htmlTagRegex = regexp.MustCompile(`(?i)</?[a-z][a-z0-9-]*(\s[^<>]*)?>`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
	// invisibleRunes lists zero-width and directional characters used for
	// spoofing. ZWNJ (U+200C) is deliberately absent: it joins Persian
	// letter forms and is legitimate in Farsi text.
	invisibleRunes = map[rune]struct{}{
		'​':      {}, // zero width space
		'‎':      {}, // LRM
		'‏':      {}, // RLM
		'‪':      {}, // LRE
		'‫':      {}, // RLE
		'‬':      {}, // PDF
		'‭':      {}, // LRO
		'‮':      {}, // RLO
		'⁦':      {}, // LRI
		'⁧':      {}, // RLI
		'⁨':      {}, // FSI
		'⁩':      {}, // PDI
		'\uFEFF': {}, // BOM
	}
)

// CleanAdText normalizes whitespace, strips control characters and caps the
// length of ad content. It returns an error when the text is empty, carries
// markup, or contains invisible spoofing characters.
func CleanAdText(s string) (string, error) {
	if htmlTagRegex.MatchString(s) {
		return "", ErrMarkup
	}

	for _, r := range s {
		if _, bad := invisibleRunes[r]; bad {
			return "", ErrInvisible
		}
	}

	s = stripControl(s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = normalizeLineWhitespace(l)
	}

	s = strings.Join(lines, "\n")
	s = multiBlankRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if s == "" {
		return "", ErrEmpty
	}

	if rs := []rune(s); len(rs) > MaxAdLength {
		s = strings.TrimSpace(string(rs[:MaxAdLength]))
	}

	return s, nil
}

func stripControl(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)

			continue
		}

		if unicode.IsControl(r) {
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func normalizeLineWhitespace(line string) string {
	var b strings.Builder

	var space bool

	for _, r := range line {
		switch {
		case unicode.IsSpace(r) || r == ' ':
			if !space {
				b.WriteRune(' ')

				space = true
			}
		default:
			b.WriteRune(r)

			space = false
		}
	}

	return strings.TrimSpace(b.String())
}
