// Package chunker splits document text into overlapping, length-bounded chunks.
package chunker

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"ragchat/internal/domain"
)

// ErrInvalidConfig is returned for a length/overlap pair that cannot make progress.
var ErrInvalidConfig = errors.New("invalid chunker config")

// Chunker splits text on sentence boundaries first and falls back to hard
// cuts for sentences longer than maxLength. Lengths are measured by its Counter.
type Chunker struct {
	maxLength int
	overlap   int
	counter   Counter
}

type Option func(*Chunker)

// WithCounter sets the unit lengths are measured in. The default is runes.
func WithCounter(c Counter) Option {
	return func(ch *Chunker) {
		if c != nil {
			ch.counter = c
		}
	}
}

// New creates a Chunker. It requires 0 <= overlap < maxLength.
func New(maxLength, overlap int, opts ...Option) (*Chunker, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("%w: maxLength must be positive, got %d", ErrInvalidConfig, maxLength)
	}
	if overlap < 0 || overlap >= maxLength {
		return nil, fmt.Errorf("%w: overlap must be in [0, %d), got %d", ErrInvalidConfig, maxLength, overlap)
	}
	c := &Chunker{maxLength: maxLength, overlap: overlap, counter: Runes}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Chunker) MaxLength() int { return c.maxLength }
func (c *Chunker) Overlap() int   { return c.overlap }

type span struct{ start, end int }

// Split chunks a document. Identical input yields identical chunks.
func (c *Chunker) Split(doc domain.Document) []domain.Chunk {
	text := doc.Text
	segs := c.segments(text)
	if len(segs) == 0 {
		return nil
	}

	var chunks []domain.Chunk
	chunkStart := segs[0].start
	i := 0
	for i < len(segs) {
		end := segs[i].end
		i++
		for i < len(segs) && c.fits(text[chunkStart:segs[i].end]) {
			end = segs[i].end
			i++
		}

		trimmed := strings.TrimSpace(text[chunkStart:end])
		if trimmed == "" {
			// whitespace only: the next chunk absorbs it
			continue
		}
		chunks = append(chunks, domain.Chunk{
			DocumentID: doc.ID,
			Text:       trimmed,
			Ordinal:    len(chunks),
			Start:      chunkStart,
			End:        end,
		})

		if i == len(segs) {
			break
		}
		chunkStart = c.overlapStart(text, chunkStart, end, segs[i].end)
	}
	return chunks
}

// SplitAll chunks several documents, keeping per-document ordinals.
func (c *Chunker) SplitAll(docs []domain.Document) []domain.Chunk {
	var out []domain.Chunk
	for _, d := range docs {
		out = append(out, c.Split(d)...)
	}
	return out
}

func (c *Chunker) fits(s string) bool {
	return c.counter.Count(strings.TrimSpace(s)) <= c.maxLength
}

// overlapStart picks where the next chunk begins: the longest suffix of the
// previous span within the overlap budget, shrunk until the next segment fits.
func (c *Chunker) overlapStart(text string, prevStart, prevEnd, nextEnd int) int {
	if c.overlap == 0 {
		return prevEnd
	}
	ov := prevStart + fitSuffix(c.counter, text[prevStart:prevEnd], c.overlap)
	for ov < prevEnd && !c.fits(text[ov:nextEnd]) {
		_, size := utf8.DecodeRuneInString(text[ov:])
		ov += size
	}
	return ov
}

// segments splits text into contiguous sentence spans covering all of it.
// Trailing whitespace belongs to the sentence before it.
func (c *Chunker) segments(text string) []span {
	var out []span
	start := 0
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size

		boundary := false
		switch r {
		case '\n':
			boundary = true
		case '.', '!', '?':
			if i >= len(text) {
				boundary = true
			} else {
				next, _ := utf8.DecodeRuneInString(text[i:])
				boundary = unicode.IsSpace(next)
			}
		}
		if !boundary || strings.TrimSpace(text[start:i]) == "" {
			continue
		}

		for i < len(text) {
			next, ns := utf8.DecodeRuneInString(text[i:])
			if !unicode.IsSpace(next) {
				break
			}
			i += ns
		}
		out = c.appendSegment(out, text, start, i)
		start = i
	}
	if start < len(text) {
		out = c.appendSegment(out, text, start, len(text))
	}
	return out
}

// appendSegment adds [start,end) to out, hard-cutting it into pieces no
// longer than maxLength. Cuts prefer the last whitespace in the window.
func (c *Chunker) appendSegment(out []span, text string, start, end int) []span {
	for c.counter.Count(text[start:end]) > c.maxLength {
		window := text[start:end]
		n := fitPrefix(c.counter, window, c.maxLength)
		if n == 0 {
			_, n = utf8.DecodeRuneInString(window)
		}
		if k := strings.LastIndexFunc(window[:n], unicode.IsSpace); k > 0 {
			_, ws := utf8.DecodeRuneInString(window[k:])
			n = k + ws
		}
		out = append(out, span{start, start + n})
		start += n
	}
	if start < end {
		out = append(out, span{start, end})
	}
	return out
}

// runeOffsets returns the byte offset of every rune boundary in s, including len(s).
func runeOffsets(s string) []int {
	offs := make([]int, 0, len(s)+1)
	for i := range s {
		offs = append(offs, i)
	}
	return append(offs, len(s))
}

// fitPrefix returns the byte length of the longest prefix of s whose count is <= limit.
func fitPrefix(counter Counter, s string, limit int) int {
	offs := runeOffsets(s)
	lo, hi := 0, len(offs)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(s[:offs[mid]]) <= limit {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return offs[lo]
}

// fitSuffix returns the byte offset where the longest suffix of s whose
// count is <= limit begins.
func fitSuffix(counter Counter, s string, limit int) int {
	offs := runeOffsets(s)
	lo, hi := 0, len(offs)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if counter.Count(s[offs[mid]:]) <= limit {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return offs[lo]
}
