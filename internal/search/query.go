package search

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var templates = []string{
	"a photo of %s",
	"a picture of %s",
	"an image showing %s",
	"%s scene",
}

// Normalize lowercases q and collapses runs of whitespace.
func Normalize(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// IsLowSignal reports queries too weak to search on: empty, a single
// character, letters that are all the same character, or one token of at
// most two characters.
func IsLowSignal(q string) bool {
	q = Normalize(q)
	if q == "" || utf8.RuneCountInString(q) == 1 {
		return true
	}

	var first rune
	letters, same := 0, true
	for _, r := range q {
		if !unicode.IsLetter(r) {
			continue
		}
		if letters == 0 {
			first = r
		} else if r != first {
			same = false
		}
		letters++
	}
	if letters > 0 && same {
		return true
	}

	fields := strings.Fields(q)
	return len(fields) == 1 && utf8.RuneCountInString(fields[0]) <= 2
}

// Expand returns up to max distinct phrasings of q for the text encoder:
// the query itself, its singular/plural alternate when it is one word, then
// each prompt template applied to each of those.
func Expand(q string, max int) []string {
	q = Normalize(q)
	if q == "" || max <= 0 {
		return nil
	}

	terms := []string{q}
	if !strings.Contains(q, " ") {
		if alt := alternateNumber(q); alt != "" && alt != q {
			terms = append(terms, alt)
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(s string) bool {
		if seen[s] {
			return len(out) < max
		}
		seen[s] = true
		out = append(out, s)
		return len(out) < max
	}

	for _, t := range terms {
		if !add(t) {
			return out
		}
	}
	for _, tpl := range templates {
		for _, t := range terms {
			if !add(strings.Replace(tpl, "%s", t, 1)) {
				return out
			}
		}
	}
	return out
}

func alternateNumber(w string) string {
	if utf8.RuneCountInString(w) < 3 || !isWord(w) {
		return ""
	}
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return strings.TrimSuffix(w, "ies") + "y"
	case strings.HasSuffix(w, "ches"), strings.HasSuffix(w, "shes"),
		strings.HasSuffix(w, "xes"), strings.HasSuffix(w, "zes"), strings.HasSuffix(w, "sses"):
		return strings.TrimSuffix(w, "es")
	case strings.HasSuffix(w, "ss"), strings.HasSuffix(w, "us"), strings.HasSuffix(w, "is"):
		return w + "es"
	case strings.HasSuffix(w, "s"):
		return strings.TrimSuffix(w, "s")
	case strings.HasSuffix(w, "y") && !isVowel(w[len(w)-2]):
		return strings.TrimSuffix(w, "y") + "ies"
	case strings.HasSuffix(w, "ch"), strings.HasSuffix(w, "sh"),
		strings.HasSuffix(w, "x"), strings.HasSuffix(w, "z"):
		return w + "es"
	}
	return w + "s"
}

func isWord(w string) bool {
	for _, r := range w {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

func isVowel(b byte) bool {
	return strings.IndexByte("aeiou", b) >= 0
}

// Tokens splits q into unique lowercase alphanumeric tokens of at least two
// characters, in order of first appearance.
func Tokens(q string) []string {
	parts := strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		if utf8.RuneCountInString(p) < 2 || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
