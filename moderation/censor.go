// Package moderation masks configured words in message text before the
// text enters a room's event log.
package moderation

import (
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Censor matches a word list case-insensitively with an Aho-Corasick
// automaton and replaces every matched span with the mask character.
type Censor struct {
	machine *goahocorasick.Machine
	mask    rune
}

// New builds the automaton. An empty word list yields a pass-through
// censor.
func New(words []string, mask rune) (*Censor, error) {
	patterns := make([][]rune, 0, len(words))
	for _, word := range words {
		runes := lowerRunes([]rune(word))
		if len(runes) > 0 {
			patterns = append(patterns, runes)
		}
	}
	if len(patterns) == 0 {
		return &Censor{mask: mask}, nil
	}

	machine := new(goahocorasick.Machine)
	if err := machine.Build(patterns); err != nil {
		return nil, err
	}
	return &Censor{machine: machine, mask: mask}, nil
}

// Apply returns text with every matched word masked. Unmatched text is
// returned unchanged, including its original casing.
func (c *Censor) Apply(text string) string {
	if c.machine == nil || text == "" {
		return text
	}

	original := []rune(text)
	terms := c.machine.MultiPatternSearch(lowerRunes(original), false)
	if len(terms) == 0 {
		return text
	}

	for _, term := range terms {
		end := term.Pos + len(term.Word)
		if end > len(original) {
			end = len(original)
		}
		for i := term.Pos; i < end; i++ {
			original[i] = c.mask
		}
	}
	return string(original)
}

func lowerRunes(input []rune) []rune {
	out := make([]rune, len(input))
	for i, r := range input {
		out[i] = unicode.ToLower(r)
	}
	return out
}
