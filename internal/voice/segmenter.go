package voice

import "strings"

// boundaries end a sentence unit when they appear anywhere in a token.
const boundaries = ".!?\n"

// Segmenter accumulates tokens into sentence units. A token that contains a
// boundary character releases the whole buffer, so a token holding several
// sentences ("Hi! Bye.") yields a single unit. Not safe for concurrent use.
type Segmenter struct {
	buf strings.Builder
}

// Accept appends token and returns the buffered unit when token carries a boundary.
func (s *Segmenter) Accept(token string) (string, bool) {
	s.buf.WriteString(token)
	if !strings.ContainsAny(token, boundaries) {
		return "", false
	}
	unit := s.buf.String()
	s.buf.Reset()
	return unit, true
}

// Flush returns the remainder once the token source completes. Whitespace-only
// remainders are dropped.
func (s *Segmenter) Flush() (string, bool) {
	unit := s.buf.String()
	s.buf.Reset()
	if strings.TrimSpace(unit) == "" {
		return "", false
	}
	return unit, true
}

// Pending reports the number of buffered bytes.
func (s *Segmenter) Pending() int { return s.buf.Len() }
