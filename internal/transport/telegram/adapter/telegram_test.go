package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTextShort(t *testing.T) {
	got := splitText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	s := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(s, 12, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTextKeepsTagsWhole(t *testing.T) {
	s := strings.Repeat("x", 8) + "<b>bold</b>"
	for _, chunk := range splitText(s, 10, "HTML") {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk %q cuts a tag", chunk)
		}
	}
}

func TestSplitTextRuneLimit(t *testing.T) {
	s := strings.Repeat("é", 25)
	for _, chunk := range splitText(s, 10, "") {
		if n := utf8.RuneCountInString(chunk); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
}
