// Package text assembles token streams from a language model into complete
// sentences suitable for speech synthesis. Emitting full sentences instead of
// raw tokens keeps synthesized prosody natural while still letting playback
// start long before the model finishes its reply.
package text

import (
	"context"
	"strings"
	"unicode"
)

const (
	// DefaultMinChars is the minimum segment length emitted at a sentence
	// ending. Shorter sentences are merged with the following one.
	DefaultMinChars = 15

	// DefaultMaxWaitChars forces a yield once this much text accumulates
	// without a sentence ending.
	DefaultMaxWaitChars = 200
)

// abbreviations are words whose trailing period does not end a sentence.
var abbreviations = map[string]bool{
	"Mr": true, "Mrs": true, "Ms": true, "Dr": true, "Prof": true,
	"Sr": true, "Jr": true, "vs": true, "etc": true,
	"Inc": true, "Ltd": true, "Corp": true,
}

// Config tunes an [Aggregator]. The zero value uses the defaults.
type Config struct {
	MinChars     int
	MaxWaitChars int
}

// Aggregator buffers tokens and yields complete sentences. It recognises
// Latin and CJK sentence endings and refuses to split on periods inside
// abbreviations, decimal numbers and URLs.
//
// An Aggregator is not safe for concurrent use; each response stream gets
// its own.
type Aggregator struct {
	cfg Config
	buf []rune
}

// New creates an aggregator. Non-positive config fields use the defaults.
func New(cfg Config) *Aggregator {
	if cfg.MinChars <= 0 {
		cfg.MinChars = DefaultMinChars
	}
	if cfg.MaxWaitChars <= 0 {
		cfg.MaxWaitChars = DefaultMaxWaitChars
	}
	return &Aggregator{cfg: cfg}
}

// AddToken appends a token and returns any sentences completed by it, in
// order. Most calls return nil.
func (a *Aggregator) AddToken(token string) []string {
	if token == "" {
		return nil
	}
	a.buf = append(a.buf, []rune(token)...)

	var out []string
	for {
		seg, ok := a.takeSegment()
		if !ok {
			break
		}
		out = append(out, seg)
	}
	return out
}

// Flush returns the buffered remainder, trimmed, and empties the buffer.
// The second return is false when nothing was pending.
func (a *Aggregator) Flush() (string, bool) {
	seg := strings.TrimSpace(string(a.buf))
	a.buf = a.buf[:0]
	return seg, seg != ""
}

// Reset discards all buffered text.
func (a *Aggregator) Reset() { a.buf = a.buf[:0] }

// Pending returns the number of buffered runes.
func (a *Aggregator) Pending() int { return len(a.buf) }

// Stream consumes tokens until the channel closes or ctx is cancelled and
// sends completed sentences, including the final flush, on the returned
// channel. The returned channel is closed when the input ends.
func (a *Aggregator) Stream(ctx context.Context, tokens <-chan string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tok, ok := <-tokens:
				if !ok {
					if seg, pending := a.Flush(); pending {
						select {
						case out <- seg:
						case <-ctx.Done():
						}
					}
					return
				}
				for _, seg := range a.AddToken(tok) {
					select {
					case out <- seg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// takeSegment emits at most one segment from the front of the buffer.
func (a *Aggregator) takeSegment() (string, bool) {
	for i, r := range a.buf {
		if !isEnding(r) {
			continue
		}
		if a.suppressed(i) {
			continue
		}
		seg := strings.TrimSpace(string(a.buf[:i+1]))
		if len([]rune(seg)) < a.cfg.MinChars {
			// Too short to speak on its own; merge with what follows.
			continue
		}
		a.consume(i + 1)
		return seg, true
	}

	if len(a.buf) >= a.cfg.MaxWaitChars {
		return a.forceYield()
	}
	return "", false
}

// forceYield cuts an overlong endingless buffer at the last soft break, or
// emits it whole when no soft break exists.
func (a *Aggregator) forceYield() (string, bool) {
	cut := -1
	for i, r := range a.buf {
		if isSoftBreak(r) {
			cut = i
		}
	}
	if cut < 0 {
		cut = len(a.buf) - 1
	}
	seg := strings.TrimSpace(string(a.buf[:cut+1]))
	a.consume(cut + 1)
	if seg == "" {
		return "", false
	}
	return seg, true
}

func (a *Aggregator) consume(n int) {
	rest := a.buf[n:]
	for len(rest) > 0 && unicode.IsSpace(rest[0]) {
		rest = rest[1:]
	}
	a.buf = append(a.buf[:0], rest...)
}

// suppressed reports whether the ending rune at index i is inside an
// abbreviation, a decimal number or a URL and must not split the buffer.
func (a *Aggregator) suppressed(i int) bool {
	if a.buf[i] != '.' {
		return false
	}
	// Decimal number: digit on both sides of the dot.
	if i > 0 && i+1 < len(a.buf) && unicode.IsDigit(a.buf[i-1]) && unicode.IsDigit(a.buf[i+1]) {
		return true
	}
	if a.insideURL(i) {
		return true
	}
	return a.afterAbbreviation(i)
}

// insideURL reports whether the dot at i sits within a URL token. A dot that
// is provably followed by whitespace terminates the sentence even when the
// URL precedes it.
func (a *Aggregator) insideURL(i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(a.buf[start-1]) {
		start--
	}
	token := string(a.buf[start:i])
	if !strings.HasPrefix(token, "http://") && !strings.HasPrefix(token, "https://") {
		return false
	}
	return i+1 >= len(a.buf) || !unicode.IsSpace(a.buf[i+1])
}

// afterAbbreviation reports whether the word ending at the dot is a known
// abbreviation or a single letter, as in initials and "e.g." or "i.e.".
func (a *Aggregator) afterAbbreviation(i int) bool {
	end := i
	start := end
	for start > 0 && unicode.IsLetter(a.buf[start-1]) {
		start--
	}
	word := string(a.buf[start:end])
	if word == "" {
		return false
	}
	if len([]rune(word)) == 1 && unicode.IsLetter([]rune(word)[0]) {
		return true
	}
	return abbreviations[word]
}

func isEnding(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func isSoftBreak(r rune) bool {
	switch r {
	case ',', ';', '，', '；', '：', ':':
		return true
	}
	return false
}
