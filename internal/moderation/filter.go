// Package moderation screens chat messages before they are stored or fanned
// out. Layer 1 is a local blocklist and profanity check; Layer 2 is an
// optional remote toxicity classifier. Repeat violations escalate from a
// silent block to a warning and finally a kick.
package moderation

import (
	"strings"
	"unicode"
)

// Layer 1 categories.
const (
	CategoryProhibited = "prohibited-terms"
	CategoryProfanity  = "profanity"
)

// FilterResult is the outcome of a Layer 1 check.
type FilterResult struct {
	Blocked  bool
	Category string
	Term     string // the matched blocklist entry
}

// term is one blocklist entry: single words are token-matched, multi-word
// phrases are matched as whole-token sequences.
type term struct {
	tokens   []string
	category string
}

// Filter is the local content filter. It is immutable after construction and
// safe for concurrent use.
type Filter struct {
	words   map[string]term // single-token terms
	phrases []term          // multi-token terms
}

// NewFilter creates a filter loaded with the built-in prohibited-term and
// profanity lists.
func NewFilter() *Filter {
	f := &Filter{words: make(map[string]term)}
	f.add(defaultProhibitedTerms, CategoryProhibited)
	f.add(defaultProfanity, CategoryProfanity)
	return f
}

// NewFilterWithTerms creates a filter from an explicit term list, all under
// the prohibited-terms category. Used by tests and custom deployments.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]term)}
	f.add(terms, CategoryProhibited)
	return f
}

func (f *Filter) add(terms []string, category string) {
	for _, raw := range terms {
		tokens := tokenize(normalize(raw))
		if len(tokens) == 0 {
			continue
		}
		entry := term{tokens: tokens, category: category}
		if len(tokens) == 1 {
			f.words[tokens[0]] = entry
		} else {
			f.phrases = append(f.phrases, entry)
		}
	}
}

// Check screens text against the blocklist. Matching is case-insensitive,
// ignores punctuation, and sees through common leetspeak substitutions.
// Partial-word matches do not block ("badwording" is clean).
func (f *Filter) Check(text string) FilterResult {
	tokens := tokenize(normalize(text))
	if len(tokens) == 0 {
		return FilterResult{}
	}

	for _, tok := range tokens {
		if entry, ok := f.words[tok]; ok {
			return FilterResult{Blocked: true, Category: entry.category, Term: entry.tokens[0]}
		}
	}

	for _, entry := range f.phrases {
		if containsSequence(tokens, entry.tokens) {
			return FilterResult{
				Blocked:  true,
				Category: entry.category,
				Term:     strings.Join(entry.tokens, " "),
			}
		}
	}

	return FilterResult{}
}

// leetMap folds common character substitutions back to letters so "b@dw0rd"
// matches "badword".
var leetMap = map[rune]rune{
	'@': 'a', '4': 'a',
	'3': 'e',
	'1': 'i', '!': 'i',
	'0': 'o',
	'$': 's', '5': 's',
	'7': 't',
}

func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if sub, ok := leetMap[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenize splits normalized text on anything that is not a letter, so
// punctuation never hides or fabricates a match.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

// containsSequence reports whether needle appears as consecutive whole
// tokens inside haystack.
func containsSequence(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j, want := range needle {
			if haystack[i+j] != want {
				continue outer
			}
		}
		return true
	}
	return false
}
