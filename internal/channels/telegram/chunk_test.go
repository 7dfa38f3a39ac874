package telegram

import (
	"strings"
	"testing"
)

func TestSplitMessage_ShortPassthrough(t *testing.T) {
	got := splitMessage("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("splitMessage = %v", got)
	}
	if got := splitMessage("   ", 100); got != nil {
		t.Fatalf("whitespace only = %v, want nil", got)
	}
}

func TestSplitMessage_PrefersParagraphBreaks(t *testing.T) {
	text := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40)
	pieces := splitMessage(text, 60)
	if len(pieces) != 2 {
		t.Fatalf("pieces = %d, want 2: %v", len(pieces), pieces)
	}
	if pieces[0] != strings.Repeat("a", 40) {
		t.Errorf("first piece = %q", pieces[0])
	}
	if pieces[1] != strings.Repeat("b", 40) {
		t.Errorf("second piece = %q", pieces[1])
	}
}

func TestSplitMessage_EveryPieceFits(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("some words that repeat over and over. ")
	}
	limit := 500
	for _, piece := range splitMessage(b.String(), limit) {
		if len(piece) > limit {
			t.Fatalf("piece of %d bytes exceeds limit %d", len(piece), limit)
		}
		if piece == "" {
			t.Fatal("empty piece")
		}
	}
}

func TestSplitMessage_ReopensCodeFence(t *testing.T) {
	var b strings.Builder
	b.WriteString("```go\n")
	for i := 0; i < 30; i++ {
		b.WriteString("fmt.Println(\"line\")\n")
	}
	b.WriteString("```")

	pieces := splitMessage(b.String(), 200)
	if len(pieces) < 2 {
		t.Fatalf("pieces = %d, want a split: %v", len(pieces), pieces)
	}
	for i, piece := range pieces {
		if strings.Count(piece, "```")%2 != 0 {
			t.Errorf("piece %d has an unbalanced fence:\n%s", i, piece)
		}
	}
	if !strings.HasPrefix(pieces[1], "```go\n") {
		t.Errorf("second piece does not reopen the fence: %q", pieces[1][:20])
	}
}

func TestSplitMessage_HardCutOnWallOfText(t *testing.T) {
	text := strings.Repeat("x", 250)
	pieces := splitMessage(text, 100)
	if len(pieces) != 3 {
		t.Fatalf("pieces = %d, want 3", len(pieces))
	}
	for _, piece := range pieces {
		if len(piece) > 100 {
			t.Errorf("piece of %d bytes exceeds limit", len(piece))
		}
	}
}

func TestClampText(t *testing.T) {
	if got := clampText("short", 100); got != "short" {
		t.Errorf("clampText = %q", got)
	}
	got := clampText(strings.Repeat("x", 50), 10)
	if len(got) > 10 {
		t.Errorf("clamped to %d bytes, want <= 10", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("clamped text missing ellipsis: %q", got)
	}

	// Multi-byte runes never split.
	runes := strings.Repeat("é", 40)
	clamped := clampText(runes, 21)
	for _, r := range clamped {
		if r == '�' {
			t.Fatalf("clamp split a rune: %q", clamped)
		}
	}
}
