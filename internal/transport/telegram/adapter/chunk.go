package adapter

import (
	"strings"
	"unicode/utf8"
)

// textLimit stays under Telegram's 4096-character message cap.
const textLimit = 4000

// splitText cuts s into chunks of at most limit runes. Chunks end on line
// breaks where possible; a line longer than limit is hard-cut, and with HTML
// parse mode never inside a tag.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, "HTML")

	var (
		out []string
		cur []rune
	)
	flush := func() {
		if chunk := strings.TrimRight(string(cur), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		cur = cur[:0]
	}
	for _, line := range strings.SplitAfter(s, "\n") {
		rs := []rune(line)
		if len(cur)+len(rs) > limit {
			flush()
		}
		for len(rs) > limit {
			n := cutPoint(rs, limit, html)
			cur = append(cur, rs[:n]...)
			flush()
			rs = rs[n:]
		}
		cur = append(cur, rs...)
	}
	flush()
	return out
}

// cutPoint is limit, pulled back to the start of a tag left open at the cut.
func cutPoint(rs []rune, limit int, html bool) int {
	if !html {
		return limit
	}
	head := rs[:limit]
	open := lastIndex(head, '<')
	if open > 0 && open > lastIndex(head, '>') {
		return open
	}
	return limit
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
