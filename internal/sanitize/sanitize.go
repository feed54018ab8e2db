// Package sanitize neutralises untrusted display text before it is stored,
// compared or logged.
//
// The output is HTML-encoded plain text. It is not an injection defence:
// every query in this service is parameterised, and the character denylist
// is kept only so stored names never carry quoting characters.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

const maxRounds = 8

// denylist is removed from text after markup stripping.
const denylist = "'\";\\\x00"

// Sanitizer strips markup and encodes what remains. It is safe for
// concurrent use.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// New returns a Sanitizer that removes all markup, including script and
// style element bodies.
func New() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text returns the cleaned form of s. Text is idempotent:
// Text(Text(s)) == Text(s).
func (s *Sanitizer) Text(in string) string {
	plain := s.plain(in)
	return html.EscapeString(plain)
}

// Email cleans s like Text and lower-cases it.
func (s *Sanitizer) Email(in string) string {
	return s.Text(strings.ToLower(strings.TrimSpace(in)))
}

// plain reduces in to a fixed point of round. Decoding entities first means
// already-encoded output decodes back to the same fixed point.
func (s *Sanitizer) plain(in string) string {
	cur := in
	for i := 0; i < maxRounds; i++ {
		next := s.round(cur)
		if next == cur {
			return cur
		}
		cur = next
	}

	// No fixed point: drop the characters markup and entities are built from.
	cur = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '&':
			return -1
		}
		return r
	}, cur)
	return s.round(cur)
}

func (s *Sanitizer) round(in string) string {
	out := html.UnescapeString(in)
	out = html.UnescapeString(s.policy.Sanitize(out))
	out = strings.Map(func(r rune) rune {
		if strings.ContainsRune(denylist, r) {
			return -1
		}
		return r
	}, out)
	out = norm.NFKC.String(out)
	return strings.TrimSpace(out)
}
