package moderation

import (
	"regexp"
	"strings"
)

// Contact details and links are blocked in the anonymous room: they either
// advertise or de-anonymize someone.
var (
	// Bare domains need a path so "v2.0" and "3.14" pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Digits must stand alone, so "room 100" and student ids inside words pass.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)

	// "snap: jdoe", "insta-@jdoe", "dm me @jdoe".
	handlePattern = regexp.MustCompile(`(?i)\b(snap(chat)?|insta(gram)?|ig|discord|telegram|whatsapp|tiktok)\s*[:-]\s*@?[a-z0-9._]{3,}|(^|\s)@[a-z0-9._]{3,}`)
)

const (
	charFloodRun = 5 // identical characters in a row
	wordFloodRun = 3 // identical words in a row, case-insensitive
)

type spamCheck struct {
	name  string
	match func(string) bool
}

// First match wins; the name becomes FilterResult.Term.
var spamChecks = []spamCheck{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"email", emailPattern.MatchString},
	{"handle", handlePattern.MatchString},
	{"char_flood", func(s string) bool { return longestRun([]rune(s), eqRune) >= charFloodRun }},
	{"word_flood", func(s string) bool { return longestRun(strings.Fields(s), strings.EqualFold) >= wordFloodRun }},
}

func eqRune(a, b rune) bool { return a == b }

// longestRun returns the length of the longest stretch of consecutive equal
// elements. RE2 has no backreferences, so floods are counted by hand.
func longestRun[T any](items []T, eq func(a, b T) bool) int {
	best, run := 0, 0
	for i := range items {
		if i > 0 && eq(items[i], items[i-1]) {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, sc := range spamChecks {
		if sc.match(text) {
			return FilterResult{Blocked: true, Reason: ReasonSpam, Term: sc.name}
		}
	}
	return FilterResult{}
}
