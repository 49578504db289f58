// Package tags derives hashtags from a source title.
package tags

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxKeywords = 5
	minTokenLen = 3
)

// platform-convention tags that lead every tag list
var platformTags = []string{"#shorts", "#viral", "#trending"}

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an and are as at be been but by can did do does for from had has have he her
		his how i if in into is it its just me my no not of off on or our out over she so
		than that the their them then there these they this those to too up us was we
		were what when where which who why will with you your
		official video full hd hq 4k live episode ep part new clip clips feat ft vs
	`) {
		stopWords[w] = struct{}{}
	}
}

// Generate returns the platform tags followed by up to five keyword tags
// from title. An empty title yields no tags.
func Generate(title string) []string {
	if strings.TrimSpace(title) == "" {
		return nil
	}

	out := append([]string(nil), platformTags...)
	seen := make(map[string]struct{}, maxKeywords)
	for _, tok := range tokenize(title) {
		if len(seen) == maxKeywords {
			break
		}
		if utf8.RuneCountInString(tok) < minTokenLen {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, "#"+tok)
	}
	return out
}

// Join renders tags as a single space-separated line.
func Join(tags []string) string {
	return strings.Join(tags, " ")
}

// splits on anything that is not a letter or digit and lowercases
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
