package validate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var numericAnswer = regexp.MustCompile(`^[\d./\-]+$`)

// ContainsAnswer reports whether text states answer as a whole token.
func ContainsAnswer(text, answer string) bool {
	if strings.TrimSpace(answer) == "" {
		return false
	}
	return answerPattern(answer).MatchString(text)
}

// answerPattern matches an answer as a whole token. Numeric answers must not
// be part of a larger number or fraction, so "12" does not match "1/12" or
// "12.5" but does match "12." at the end of a sentence.
func answerPattern(answer string) *regexp.Regexp {
	fields := strings.Fields(answer)
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	body := strings.Join(fields, `\s+`)
	if numericAnswer.MatchString(answer) {
		return regexp.MustCompile(`(?:^|[^\d/.])` + body + `(?:$|[^\d/.]|\.(?:$|\D))`)
	}
	return regexp.MustCompile(`(?i)(?:^|\W)` + body + `(?:$|\W)`)
}

var stopwords = map[string]bool{
	"the": true, "and": true, "you": true, "your": true, "what": true, "that": true,
	"this": true, "with": true, "for": true, "are": true, "can": true, "have": true,
	"how": true, "about": true, "let": true, "think": true, "does": true, "did": true,
	"was": true, "were": true, "will": true, "would": true, "could": true, "should": true,
	"which": true, "when": true, "where": true, "why": true, "who": true, "there": true,
	"here": true, "then": true, "than": true, "them": true, "they": true, "from": true,
	"into": true, "just": true, "like": true, "some": true, "more": true, "very": true,
	"not": true, "but": true, "all": true, "any": true, "one": true, "out": true,
	"our": true, "its": true, "it's": true, "let's": true, "yes": true, "great": true,
	"good": true, "nice": true, "try": true, "next": true, "step": true, "know": true,
}

// tokenize lowercases text and returns content words. Short words are kept
// only when they contain a digit.
func tokenize(text string) []string {
	raw := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		w = strings.Trim(w, "'")
		if w == "" || stopwords[w] {
			continue
		}
		hasDigit := strings.IndexFunc(w, unicode.IsDigit) >= 0
		if !hasDigit && utf8.RuneCountInString(w) < 3 {
			continue
		}
		if len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") {
			w = strings.TrimSuffix(w, "s")
		}
		out = append(out, w)
	}
	return out
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

const excerptRadius = 30

// excerpt returns the match at [start,end) with some surrounding text.
func excerpt(text string, start, end int) string {
	start, end = min(start, len(text)), min(end, len(text))
	from := max(start-excerptRadius, 0)
	to := min(end+excerptRadius, len(text))
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	out := strings.TrimSpace(text[from:to])
	if from > 0 {
		out = "..." + out
	}
	if to < len(text) {
		out += "..."
	}
	return out
}
