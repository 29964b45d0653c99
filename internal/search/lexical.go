package search

import "strings"

const (
	phraseBonus   = 4
	exactTagBonus = 3
	tokenPoint    = 1
)

// LexicalScore is the raw text match score of one photo: a bonus when the
// caption contains the whole query, a bonus when any tag equals a query
// token, and one point per token found in the caption or among the tags.
func LexicalScore(query string, tokens []string, caption *string, tags []string) int {
	phrase := Normalize(query)
	text := ""
	if caption != nil {
		text = strings.ToLower(*caption)
	}
	tagSet := make(map[string]bool, len(tags))
	for _, t := range tags {
		tagSet[strings.ToLower(t)] = true
	}

	score := 0
	if phrase != "" && text != "" && strings.Contains(text, phrase) {
		score += phraseBonus
	}

	tagHit := false
	for _, tok := range tokens {
		inTags := tagSet[tok]
		if inTags {
			tagHit = true
		}
		if inTags || (text != "" && strings.Contains(text, tok)) {
			score += tokenPoint
		}
	}
	if tagHit {
		score += exactTagBonus
	}
	return score
}
