// Package fallback is the deterministic response generator used when the
// LLM is unreachable: keyword-and-pattern rules with confidence scoring, a
// learning path fed by successful LLM responses, and a directory-backed
// rule store with hot reload.
package fallback

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Rule maps prompt features to canned response templates.
type Rule struct {
	ID            string    `json:"id"`
	Category      string    `json:"category"`
	Keywords      []string  `json:"keywords"`
	Patterns      []string  `json:"patterns,omitempty"`
	Templates     []string  `json:"templates"`
	MinConfidence int       `json:"minConfidence"`
	UsageCount    int       `json:"usageCount"`
	CreatedAt     time.Time `json:"createdAt"`

	compiled []*regexp.Regexp
}

// compile builds the pattern matchers, dropping patterns that do not parse.
func (r *Rule) compile() {
	r.compiled = r.compiled[:0]
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		r.compiled = append(r.compiled, re)
	}
}

// patternBoost is the confidence multiplier applied when a rule's regex
// matches the prompt; rules whose patterns all miss are damped.
const (
	patternBoost = 1.25
	patternDamp  = 0.8
)

// confidence scores a rule against the extracted prompt keywords, 0 to 100.
func (r *Rule) confidence(prompt string, promptKeywords map[string]struct{}) int {
	if len(r.Keywords) == 0 {
		return 0
	}
	overlap := 0
	for _, kw := range r.Keywords {
		if _, ok := promptKeywords[kw]; ok {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(r.Keywords)) * 100

	if len(r.compiled) > 0 {
		matched := false
		for _, re := range r.compiled {
			if re.MatchString(prompt) {
				matched = true
				break
			}
		}
		if matched {
			score *= patternBoost
		} else {
			score *= patternDamp
		}
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// snapshot copies the rule for use outside the engine lock.
func (r *Rule) snapshot() Rule {
	out := *r
	out.Keywords = append([]string(nil), r.Keywords...)
	out.Patterns = append([]string(nil), r.Patterns...)
	out.Templates = append([]string(nil), r.Templates...)
	out.compiled = nil
	return out
}

// template picks a response template, rotating by usage so repeated hits do
// not sound identical.
func (r *Rule) template() string {
	if len(r.Templates) == 0 {
		return ""
	}
	return r.Templates[r.UsageCount%len(r.Templates)]
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "can": {}, "could": {}, "do": {}, "does": {},
	"for": {}, "from": {}, "get": {}, "give": {}, "has": {}, "have": {},
	"i": {}, "in": {}, "is": {}, "it": {}, "its": {}, "me": {}, "my": {},
	"of": {}, "on": {}, "or": {}, "our": {}, "please": {}, "tell": {},
	"that": {}, "the": {}, "their": {}, "them": {}, "there": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
}

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// ExtractKeywords lowercases the prompt, tokenizes it and strips stopwords
// and single-character tokens. The result is sorted and deduplicated.
func ExtractKeywords(prompt string) []string {
	seen := make(map[string]struct{})
	for _, tok := range tokenSplit.Split(strings.ToLower(prompt), -1) {
		if len(tok) < 2 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		seen[tok] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for kw := range seen {
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}

func keywordSet(keywords []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		set[kw] = struct{}{}
	}
	return set
}
