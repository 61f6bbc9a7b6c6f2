package humanizer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nmxmxh/answerflow/internal/sentence"
)

type replacement struct {
	re   *regexp.Regexp
	with string
}

func phrase(from, to string) replacement {
	return replacement{re: bounded(from), with: to}
}

// bounded matches s case-insensitively on word boundaries. The trailing
// boundary is dropped when s ends in punctuation.
func bounded(s string) *regexp.Regexp {
	pattern := `(?i)\b` + regexp.QuoteMeta(s)
	if r, _ := utf8.DecodeLastRuneInString(s); unicode.IsLetter(r) || unicode.IsDigit(r) {
		pattern += `\b`
	}
	return regexp.MustCompile(pattern)
}

// aiPhrases is applied in order; longer phrases come before their prefixes.
var aiPhrases = []replacement{
	phrase("it is important to note that", "keep in mind that"),
	phrase("it is worth noting that", "notably,"),
	phrase("it should be noted that", "note that"),
	phrase("it is essential to understand that", "the key point is that"),
	phrase("in today's fast-paced world", "these days"),
	phrase("in today's world", "these days"),
	phrase("plays a crucial role in", "matters a lot for"),
	phrase("plays a vital role in", "is central to"),
	phrase("a testament to", "proof of"),
	phrase("delve into", "dig into"),
	phrase("in conclusion,", "all in all,"),
	phrase("in summary,", "to sum up,"),
	phrase("furthermore,", "on top of that,"),
	phrase("moreover,", "what is more,"),
	phrase("additionally,", "also,"),
	phrase("as an ai language model,", ""),
	phrase("navigate the complexities of", "work through"),
	phrase("a wide range of", "many"),
	phrase("in order to", "to"),
	phrase("due to the fact that", "because"),
	phrase("at the end of the day", "ultimately"),
	phrase("harness the power of", "use"),
	phrase("leverage", "use"),
}

// transitions are inserted at the start of selected sentences.
var transitions = []string{
	"In practice,",
	"Put simply,",
	"That said,",
	"For example,",
	"In other words,",
	"On the other hand,",
}

// transitionCadence cycles through the gaps between insertions.
var transitionCadence = []int{3, 4, 5}

type synonym struct {
	re      *regexp.Regexp
	choices []string
}

func word(from string, choices ...string) synonym {
	return synonym{re: bounded(from), choices: choices}
}

// thesaurus rotates through choices per occurrence so repeated words vary
// while staying reproducible.
var thesaurus = []synonym{
	word("utilize", "use", "apply"),
	word("utilizes", "uses", "applies"),
	word("demonstrate", "show", "illustrate"),
	word("demonstrates", "shows", "illustrates"),
	word("numerous", "many", "plenty of"),
	word("significant", "major", "notable"),
	word("significantly", "greatly", "markedly"),
	word("facilitate", "help", "support"),
	word("comprehensive", "thorough", "complete"),
	word("crucial", "key", "vital"),
	word("enhance", "improve", "boost"),
	word("obtain", "get", "gain"),
	word("commence", "start", "begin"),
	word("subsequently", "later", "afterwards"),
	word("approximately", "about", "roughly"),
	word("robust", "solid", "sturdy"),
	word("pivotal", "central", "key"),
}

// registerForms maps contractions and informal words to academic forms.
var registerForms = []replacement{
	phrase("can't", "cannot"),
	phrase("won't", "will not"),
	phrase("don't", "do not"),
	phrase("doesn't", "does not"),
	phrase("didn't", "did not"),
	phrase("isn't", "is not"),
	phrase("aren't", "are not"),
	phrase("wasn't", "was not"),
	phrase("weren't", "were not"),
	phrase("shouldn't", "should not"),
	phrase("wouldn't", "would not"),
	phrase("couldn't", "could not"),
	phrase("haven't", "have not"),
	phrase("hasn't", "has not"),
	phrase("it's", "it is"),
	phrase("that's", "that is"),
	phrase("there's", "there is"),
	phrase("they're", "they are"),
	phrase("we're", "we are"),
	phrase("you're", "you are"),
	phrase("let's", "let us"),
	phrase("gonna", "going to"),
	phrase("wanna", "want to"),
	phrase("gotta", "have to"),
	phrase("kinda", "somewhat"),
	phrase("sorta", "somewhat"),
}

// matchCase copies the capitalisation of the first letter of src onto dst.
func matchCase(src, dst string) string {
	if dst == "" {
		return dst
	}
	r, _ := utf8.DecodeRuneInString(src)
	if unicode.IsUpper(r) {
		return capitalize(dst)
	}
	return dst
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

// lowerFirst lowercases the first letter unless the first word is the
// pronoun I, an acronym, an abbreviation or a known proper noun.
func lowerFirst(s string, proper map[string]bool) string {
	first, _, _ := strings.Cut(s, " ")
	if first == "I" || strings.HasSuffix(first, ".") || (len(first) > 1 && strings.ToUpper(first) == first) {
		return s
	}
	if proper[strings.TrimRight(first, ",;:!?")] {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}

func applyReplacements(text string, list []replacement) string {
	for _, rep := range list {
		text = rep.re.ReplaceAllStringFunc(text, func(m string) string {
			return matchCase(m, rep.with)
		})
	}
	return tidy(text)
}

func applyThesaurus(text string) string {
	for _, syn := range thesaurus {
		n := 0
		text = syn.re.ReplaceAllStringFunc(text, func(m string) string {
			choice := syn.choices[n%len(syn.choices)]
			n++
			return matchCase(m, choice)
		})
	}
	return text
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
	spaceBefore  = regexp.MustCompile(`\s+([,.;:!?])`)
	leadingComma = regexp.MustCompile(`(^|[.!?]\s+),\s*`)
)

// tidy repairs spacing left behind by deleted phrases.
func tidy(text string) string {
	text = multiSpace.ReplaceAllString(text, " ")
	text = spaceBefore.ReplaceAllString(text, "$1")
	text = leadingComma.ReplaceAllString(text, "$1")
	return strings.TrimSpace(text)
}

func startsWithTransition(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, t := range transitions {
		if strings.HasPrefix(lower, strings.ToLower(t)) {
			return true
		}
	}
	for _, w := range []string{"however", "also", "still", "so ", "but ", "and ", "yet "} {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}

// insertTransitions prefixes a transition to sentence 3, then 7, then 12 and
// so on, cycling through transitionCadence. A sentence gets at most one.
func insertTransitions(text string) string {
	spans := sentence.Segment(text)
	if len(spans) < transitionCadence[0] {
		return text
	}
	proper := properNouns(spans)
	var b strings.Builder
	next := transitionCadence[0] - 1
	step, used := 0, 0
	for i, sp := range spans {
		if i == next {
			if sp.Text != "" && !startsWithTransition(sp.Text) {
				t := transitions[used%len(transitions)]
				used++
				sp.Text = t + " " + lowerFirst(sp.Text, proper)
			}
			step++
			next += transitionCadence[step%len(transitionCadence)]
		}
		b.WriteString(sp.String())
	}
	return b.String()
}

// properNouns collects capitalized words seen after the first word of a
// sentence. Those keep their case when a transition is prefixed.
func properNouns(spans []sentence.Span) map[string]bool {
	out := make(map[string]bool)
	for _, sp := range spans {
		words := strings.Fields(sp.Text)
		for _, w := range words[min(1, len(words)):] {
			w = strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
			if r, _ := utf8.DecodeRuneInString(w); unicode.IsUpper(r) {
				out[w] = true
			}
		}
	}
	return out
}
