package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessageShortText(t *testing.T) {
	parts := SplitMessage("привет")
	if len(parts) != 1 || parts[0] != "привет" {
		t.Fatalf("короткий текст должен остаться одной частью, получили %v", parts)
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); parts != nil {
		t.Fatalf("пустой текст не должен давать частей, получили %v", parts)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	line := strings.Repeat("a", 100)
	var b strings.Builder
	for i := 0; i < 90; i++ {
		b.WriteString(line)
		b.WriteString("\n")
	}
	parts := SplitMessage(b.String())

	if len(parts) < 2 {
		t.Fatalf("длинный текст должен разбиваться, получили %d часть", len(parts))
	}
	for i, part := range parts {
		if n := len([]rune(part)); n > messageLimit {
			t.Fatalf("часть %d превышает лимит: %d рун", i, n)
		}
		for _, row := range strings.Split(part, "\n") {
			if len(row) != 100 {
				t.Fatalf("строка порвана посередине: %d рун", len(row))
			}
		}
	}
}

func TestSplitMessageNoNewlinesHardCut(t *testing.T) {
	text := strings.Repeat("б", messageLimit+10)
	parts := SplitMessage(text)

	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	if len([]rune(parts[0])) != messageLimit {
		t.Fatalf("первая часть должна занять весь лимит, получили %d рун", len([]rune(parts[0])))
	}
	if len([]rune(parts[1])) != 10 {
		t.Fatalf("остаток должен уйти во вторую часть, получили %d рун", len([]rune(parts[1])))
	}
}
