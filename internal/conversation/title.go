package conversation

import (
	"strings"
	"unicode"
)

const maxTitleLen = 60

// Title derives a thread title from its first question: whitespace
// collapsed, cut at a word boundary, trailing punctuation dropped.
func Title(question string) string {
	t := strings.Join(strings.Fields(question), " ")
	if r := []rune(t); len(r) > maxTitleLen {
		cut := string(r[:maxTitleLen])
		if i := strings.LastIndexByte(cut, ' '); i > maxTitleLen/2 {
			cut = cut[:i]
		}
		t = cut + "…"
	}
	t = strings.TrimRightFunc(t, func(r rune) bool {
		return unicode.IsPunct(r) && r != '…' && r != ')'
	})
	if t == "" {
		return ""
	}
	r := []rune(t)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
