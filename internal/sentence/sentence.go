// Package sentence segments English prose with the punkt model, which knows
// abbreviations such as "Dr." and "e.g." and does not break on decimals.
package sentence

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"gopkg.in/neurosnap/sentences.v1"
	"gopkg.in/neurosnap/sentences.v1/english"
)

var (
	tokenizerOnce sync.Once
	tokenizer     *sentences.DefaultSentenceTokenizer

	// boundary is used only when the punkt model fails to load.
	boundary = regexp.MustCompile(`[.!?]+\s+`)
)

func load() *sentences.DefaultSentenceTokenizer {
	tokenizerOnce.Do(func() {
		tokenizer, _ = english.NewSentenceTokenizer(nil)
	})
	return tokenizer
}

// Span is one sentence and the whitespace around it. Concatenating
// Lead+Text+Trail over all spans rebuilds the input exactly.
type Span struct {
	Lead  string
	Text  string
	Trail string
}

func (s Span) String() string { return s.Lead + s.Text + s.Trail }

// Segment splits text into sentence spans. Whitespace-only chunks are folded
// into the neighbouring span.
func Segment(text string) []Span {
	var chunks []string
	if t := load(); t != nil {
		for _, s := range t.Tokenize(text) {
			chunks = append(chunks, s.Text)
		}
	} else {
		start := 0
		for _, loc := range boundary.FindAllStringIndex(text, -1) {
			chunks = append(chunks, text[start:loc[1]])
			start = loc[1]
		}
		if start < len(text) {
			chunks = append(chunks, text[start:])
		}
	}

	var out []Span
	var pending string
	for _, c := range chunks {
		core := strings.TrimSpace(c)
		if core == "" {
			if n := len(out); n > 0 {
				out[n-1].Trail += c
			} else {
				pending += c
			}
			continue
		}
		lead := c[:len(c)-len(strings.TrimLeftFunc(c, unicode.IsSpace))]
		trail := c[len(strings.TrimRightFunc(c, unicode.IsSpace)):]
		out = append(out, Span{Lead: pending + lead, Text: core, Trail: trail})
		pending = ""
	}
	if pending != "" {
		out = append(out, Span{Lead: pending})
	}
	return out
}

// Split returns the trimmed, non-empty sentences of text.
func Split(text string) []string {
	var out []string
	for _, s := range Segment(text) {
		if s.Text != "" {
			out = append(out, s.Text)
		}
	}
	return out
}
