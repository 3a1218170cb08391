package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter measures text length in the chunker's unit.
type Counter interface {
	Count(s string) int
}

type runeCounter struct{}

func (runeCounter) Count(s string) int { return utf8.RuneCountInString(s) }

// Runes measures length in characters.
var Runes Counter = runeCounter{}

type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// Tiktoken measures length in BPE tokens of the named encoding (e.g. "cl100k_base").
func Tiktoken(encoding string) (Counter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &tiktokenCounter{encoding: enc}, nil
}

func (t *tiktokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	return len(t.encoding.Encode(s, nil, nil))
}

// NewCounter returns the counter for a configured unit: "chars" (default) or "tokens".
func NewCounter(unit, encoding string) (Counter, error) {
	switch unit {
	case "", "chars":
		return Runes, nil
	case "tokens":
		if encoding == "" {
			encoding = "cl100k_base"
		}
		return Tiktoken(encoding)
	default:
		return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidConfig, unit)
	}
}
