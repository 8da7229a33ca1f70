package telegram

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "newscast/internal/transport"
	logx "newscast/pkg/logx"
)

func TestSplitTextShortPassthrough(t *testing.T) {
	t.Parallel()
	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 8) + "\n" + strings.Repeat("y", 8)
	got := splitText(text, 10)
	if len(got) != 2 {
		t.Fatalf("chunks = %d: %q", len(got), got)
	}
	if got[0] != strings.Repeat("x", 8) || got[1] != strings.Repeat("y", 8) {
		t.Fatalf("got %q", got)
	}
}

func TestSplitTextHardCutWithoutNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 25)
	got := splitText(text, 10)
	if len(got) != 3 {
		t.Fatalf("chunks = %d: %q", len(got), got)
	}
	for i, c := range got {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk %d exceeds limit: %q", i, c)
		}
	}
	if strings.Join(got, "") != text {
		t.Fatal("content lost in split")
	}
}

func TestSplitTextIgnoresTinyNewlineChunks(t *testing.T) {
	t.Parallel()
	// Newline right at the start would produce a chunk below limit/3;
	// the splitter must fall back to a hard cut instead.
	text := "ab\n" + strings.Repeat("c", 20)
	got := splitText(text, 12)
	for i, c := range got {
		if len([]rune(c)) > 12 {
			t.Fatalf("chunk %d exceeds limit: %q", i, c)
		}
	}
	if len(got) < 2 {
		t.Fatalf("chunks = %q", got)
	}
}

func TestSplitTextNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("word seven\nline\n", 400)
	for _, limit := range []int{10, 50, 333, 4000} {
		for i, c := range splitText(text, limit) {
			if n := len([]rune(c)); n > limit {
				t.Fatalf("limit %d: chunk %d has %d runes", limit, i, n)
			}
		}
	}
}

func TestMapSendError(t *testing.T) {
	t.Parallel()

	if mapSendError(nil) != nil {
		t.Fatal("nil must stay nil")
	}

	flood := tele.FloodError{RetryAfter: 3}
	err := mapSendError(flood)
	if wait, ok := kit.IsRateLimited(err); !ok || wait != 3*time.Second {
		t.Fatalf("flood: wait=%v ok=%v", wait, ok)
	}

	err = mapSendError(&tele.Error{Code: 403, Description: "bot was blocked"})
	if !errors.Is(err, kit.ErrRecipientBlocked) {
		t.Fatalf("403: %v", err)
	}

	err = mapSendError(&tele.Error{Code: 400, Description: "chat not found"})
	if !errors.Is(err, kit.ErrBadRequest) {
		t.Fatalf("400: %v", err)
	}

	err = mapSendError(&tele.Error{Code: 429, Description: "too many requests"})
	if _, ok := kit.IsRateLimited(err); !ok {
		t.Fatalf("429: %v", err)
	}

	plain := errors.New("wire broke")
	if got := mapSendError(plain); got != plain {
		t.Fatalf("unknown error must pass through, got %v", got)
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("want error for empty token")
	}
}
