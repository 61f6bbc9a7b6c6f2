package compliance

import (
	"regexp"
	"strings"

	"github.com/nmxmxh/answerflow/internal/sentence"
)

// aiMarkers are lowercase fragments typical of model-written prose.
var aiMarkers = []string{
	"it is important to note",
	"it is worth noting",
	"it should be noted",
	"delve",
	"furthermore",
	"moreover",
	"additionally",
	"in conclusion",
	"in summary",
	"plays a crucial role",
	"plays a vital role",
	"a testament to",
	"in today's",
	"navigate the complexities",
	"a wide range of",
	"as an ai",
	"harness the power",
	"leverage",
	"comprehensive",
	"pivotal",
	"seamless",
	"tapestry",
	"realm of",
}

// stockOpeners are sentence starts that read as boilerplate.
var stockOpeners = []string{
	"furthermore", "moreover", "additionally", "in conclusion", "in summary",
	"overall", "ultimately", "firstly", "secondly", "lastly", "notably",
	"importantly", "it is", "there are many", "when it comes to",
}

var (
	wordRe    = regexp.MustCompile(`[\p{L}\p{N}']+`)
	passiveRe = regexp.MustCompile(`(?i)\b(am|is|are|was|were|be|been|being)\s+(\w{2,}ed|known|shown|given|taken|written|seen|done|made|found|built|held|kept|sold|told)\b`)
)

// stopwords are excluded from the repetition ratio; function words repeat
// in any prose.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "but": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "at": {}, "for": {}, "with": {}, "by": {}, "from": {}, "as": {},
	"is": {}, "are": {}, "was": {}, "were": {}, "be": {}, "been": {}, "it": {}, "its": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "which": {}, "who": {}, "what": {},
	"not": {}, "no": {}, "can": {}, "will": {}, "would": {}, "should": {}, "could": {},
	"has": {}, "have": {}, "had": {}, "do": {}, "does": {}, "did": {}, "so": {}, "if": {},
	"than": {}, "then": {}, "there": {}, "their": {}, "they": {}, "we": {}, "you": {},
	"he": {}, "she": {}, "i": {}, "my": {}, "our": {}, "your": {}, "his": {}, "her": {},
}

const (
	longSentenceWords = 35

	phraseWeight  = 0.5
	passiveWeight = 0.25
	openerWeight  = 0.25

	repetitionWeight = 0.6
	longWeight       = 0.4
)

func splitSentences(text string) []string { return sentence.Split(text) }

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// AIScore estimates how model-like text reads, in [0,1].
func AIScore(text string) float64 {
	sents := splitSentences(text)
	if len(sents) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	markers := 0
	for _, m := range aiMarkers {
		markers += strings.Count(lower, m)
	}
	var passive, openers int
	for _, s := range sents {
		if passiveRe.MatchString(s) {
			passive++
		}
		ls := strings.ToLower(s)
		for _, o := range stockOpeners {
			if strings.HasPrefix(ls, o) {
				openers++
				break
			}
		}
	}
	n := float64(len(sents))
	density := clamp01(float64(markers) / n)
	return clamp01(phraseWeight*density + passiveWeight*float64(passive)/n + openerWeight*float64(openers)/n)
}

// Uniqueness approximates originality without an external service, in
// [0,1]. It penalizes repeated content words and over-long sentences.
func Uniqueness(text string) float64 {
	var total int
	unique := make(map[string]struct{})
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[w]; stop {
			continue
		}
		total++
		unique[w] = struct{}{}
	}
	if total == 0 {
		return 1
	}
	repetition := 1 - float64(len(unique))/float64(total)

	sents := splitSentences(text)
	var long int
	for _, s := range sents {
		if len(wordRe.FindAllString(s, -1)) > longSentenceWords {
			long++
		}
	}
	var longRatio float64
	if len(sents) > 0 {
		longRatio = float64(long) / float64(len(sents))
	}
	return clamp01(1 - (repetitionWeight*repetition + longWeight*longRatio))
}
