package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxFilenameRunes = 100
	maxUserLen       = 64
)

var (
	unsafeChars = regexp.MustCompile(`[\\/:*?"<>|]+`)
	spaceRuns   = regexp.MustCompile(`\s+`)
)

// CleanFilename strips characters that are unsafe in file names and caps the
// result at 100 runes.
func CleanFilename(s string) string {
	s = unsafeChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > maxFilenameRunes {
		s = string([]rune(s)[:maxFilenameRunes])
	}
	return strings.TrimSpace(s)
}

// FilePrefix names every file of one run: <user>_<sourceid>. Runs of
// different users never collide, and a user's leftovers can be swept by the
// "<user>_" prefix.
func FilePrefix(userID, sourceID string) string {
	id := spaceRuns.ReplaceAllString(CleanFilename(sourceID), "-")
	if id == "" {
		id = "source"
	}
	return UserPrefix(userID) + id
}

// UserPrefix is the "<user>_" prefix shared by all of a user's files. The
// mapping is injective: every byte outside [a-z0-9-] is written as ~XX, so
// the user part never contains '_' and two IDs never share a prefix, even on
// case-insensitive file systems. Long IDs are shortened and keyed by a hash.
func UserPrefix(userID string) string {
	if userID == "" {
		return "~_"
	}
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('~')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	u := b.String()
	if len(u) > maxUserLen {
		sum := sha256.Sum256([]byte(userID))
		u = u[:maxUserLen/2] + "~" + hex.EncodeToString(sum[:])[:maxUserLen/2]
	}
	return u + "_"
}
