// Package moderation screens anonymous room posts. The Filter combines a
// normalized wordlist (with leetspeak folding and multi-word phrases) and
// spam heuristics; an optional Scorer consults an external toxicity model.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of Filter.Check. Reason is "blocked_keyword"
// or "spam_pattern"; Term names the matched term or spam check.
type FilterResult struct {
	Blocked bool
	Reason  string
	Term    string
}

const (
	ReasonKeyword = "blocked_keyword"
	ReasonSpam    = "spam_pattern"
)

// Filter is immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases [][]string
	roots   []string // matched anywhere inside a token
}

// NewFilter returns a Filter loaded with the built-in blocklist and its
// compound-word roots.
func NewFilter() *Filter {
	f := NewFilterWithTerms(DefaultTerms())
	f.roots = append([]string(nil), defaultRoots...)
	return f
}

// NewFilterWithTerms returns a Filter for the given terms. Blank terms are
// ignored; terms containing spaces are matched as phrases.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		tokens := tokenizePlain(strings.ToLower(term))
		switch len(tokens) {
		case 0:
			continue
		case 1:
			f.words[tokens[0]] = struct{}{}
		default:
			f.phrases = append(f.phrases, tokens)
		}
	}
	return f
}

// Check screens text. Keyword matches take priority over spam patterns.
func (f *Filter) Check(text string) FilterResult {
	lower := strings.ToLower(text)

	if term, ok := f.match(tokenizePlain(lower)); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	leet := tokenizeLeet(lower)
	folded := make([]string, 0, len(leet))
	for _, tok := range leet {
		if n := trimNonAlnum(normalizeLeet(tok)); n != "" {
			folded = append(folded, n)
		}
	}
	if term, ok := f.match(folded); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}
	if term, ok := f.matchRoot(leet); ok {
		return FilterResult{Blocked: true, Reason: ReasonKeyword, Term: term}
	}

	return f.checkSpamPatterns(text)
}

// matchRoot looks for a root inside each token once it is leet-folded and
// stripped to letters and digits, so "bullshit" and "f*ckoff" style
// compounds are caught. Roots never span two tokens.
func (f *Filter) matchRoot(tokens []string) (string, bool) {
	if len(f.roots) == 0 {
		return "", false
	}
	for _, tok := range tokens {
		squeezed := strings.Map(func(r rune) rune {
			if isAlnum(r) {
				return r
			}
			return -1
		}, normalizeLeet(tok))
		for _, root := range f.roots {
			if strings.Contains(squeezed, root) {
				return root, true
			}
		}
	}
	return "", false
}

func (f *Filter) match(tokens []string) (string, bool) {
	for _, tok := range tokens {
		if _, ok := f.words[tok]; ok {
			return tok, true
		}
	}
	for _, phrase := range f.phrases {
		if containsSequence(tokens, phrase) {
			return strings.Join(phrase, " "), true
		}
	}
	return "", false
}

func containsSequence(tokens, seq []string) bool {
	if len(seq) == 0 || len(tokens) < len(seq) {
		return false
	}
outer:
	for i := 0; i+len(seq) <= len(tokens); i++ {
		for j, s := range seq {
			if tokens[i+j] != s {
				continue outer
			}
		}
		return true
	}
	return false
}

var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// normalizeLeet folds common character substitutions back to letters.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokenizePlain splits on every non-alphanumeric rune.
func tokenizePlain(s string) []string {
	tokens := strings.FieldsFunc(s, func(r rune) bool { return !isAlnum(r) })
	if len(tokens) == 0 {
		return nil
	}
	return tokens
}

// tokenizeLeet splits on whitespace only so substitution characters stay
// inside their token.
func tokenizeLeet(s string) []string {
	return strings.Fields(s)
}

func trimNonAlnum(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return !isAlnum(r) })
}
