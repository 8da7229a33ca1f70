package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"newscast/internal/store"
	"newscast/internal/transport"
	logx "newscast/pkg/logx"
)

type sendCall struct {
	kind   string
	chatID int64
	text   string
	media  string
	opt    *transport.SendOptions
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sendCall
	// errs is consumed one per send; nil entries mean success.
	errs []error
}

func (f *fakeSender) nextErr() error {
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{kind: "text", chatID: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}, f.nextErr()
}

func (f *fakeSender) SendPhoto(_ context.Context, to transport.ChatTarget, photoURL, caption string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{kind: "photo", chatID: to.ChatID, text: caption, media: photoURL, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}, f.nextErr()
}

func (f *fakeSender) SendAudio(_ context.Context, to transport.ChatTarget, audio transport.Audio, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sendCall{kind: "audio", chatID: to.ChatID, text: audio.Title, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.calls)}, f.nextErr()
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestDispatcher(s Sender) (*Dispatcher, *[]time.Duration) {
	d := New(s, Config{RatePerMin: 6e6, BulkDelay: time.Millisecond}, logx.Nop())
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return ctx.Err()
	}
	return d, &slept
}

func TestSendMessageSuccess(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(s)

	if err := d.SendMessage(context.Background(), 42, "hello", "Markdown"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if len(s.calls) != 1 || s.calls[0].chatID != 42 || s.calls[0].opt.ParseMode != "Markdown" {
		t.Fatalf("calls = %+v", s.calls)
	}
}

func TestSendMessageBlockedIsFinal(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: []error{transport.ErrRecipientBlocked}}
	d, _ := newTestDispatcher(s)

	err := d.SendMessage(context.Background(), 1, "x", "")
	if !errors.Is(err, transport.ErrRecipientBlocked) {
		t.Fatalf("err = %v, want ErrRecipientBlocked", err)
	}
	if s.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", s.callCount())
	}
}

func TestSendMessageBadRequestIsFinal(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: []error{transport.ErrBadRequest}}
	d, _ := newTestDispatcher(s)

	err := d.SendMessage(context.Background(), 1, "x", "")
	if !errors.Is(err, transport.ErrBadRequest) {
		t.Fatalf("err = %v, want ErrBadRequest", err)
	}
	if s.callCount() != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", s.callCount())
	}
}

func TestSendMessageRateLimitedRetriesOnce(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: []error{&transport.RateLimitedError{RetryAfter: 7 * time.Second}, nil}}
	d, slept := newTestDispatcher(s)

	if err := d.SendMessage(context.Background(), 1, "x", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if s.callCount() != 2 {
		t.Fatalf("calls = %d, want 2", s.callCount())
	}
	// Cooldown is the fixed default, not the platform hint.
	if len(*slept) != 1 || (*slept)[0] != time.Second {
		t.Fatalf("slept = %v, want [1s]", *slept)
	}
}

func TestSendMessageSecondRateLimitFails(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: []error{&transport.RateLimitedError{}, &transport.RateLimitedError{}}}
	d, _ := newTestDispatcher(s)

	err := d.SendMessage(context.Background(), 1, "x", "")
	if err == nil {
		t.Fatal("want error after second 429")
	}
	if _, ok := transport.IsRateLimited(err); !ok {
		t.Fatalf("err = %v, want rate-limited classification", err)
	}
	if s.callCount() != 2 {
		t.Fatalf("calls = %d, want exactly 2", s.callCount())
	}
}

func TestSendMessageUnknownErrorNoRetry(t *testing.T) {
	t.Parallel()
	boom := errors.New("wire fell out")
	s := &fakeSender{errs: []error{boom}}
	d, _ := newTestDispatcher(s)

	if err := d.SendMessage(context.Background(), 1, "x", ""); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want original", err)
	}
	if s.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", s.callCount())
	}
}

func TestSendMessageWithMediaPicksPhoto(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(s)

	if err := d.SendMessageWithMedia(context.Background(), 5, "cap", "https://img", "https://link", ""); err != nil {
		t.Fatalf("SendMessageWithMedia: %v", err)
	}
	if s.calls[0].kind != "photo" || s.calls[0].media != "https://img" || s.calls[0].opt.LinkURL != "https://link" {
		t.Fatalf("call = %+v", s.calls[0])
	}

	// Without media it degrades to text.
	if err := d.SendMessageWithMedia(context.Background(), 5, "cap", "", "", ""); err != nil {
		t.Fatalf("SendMessageWithMedia: %v", err)
	}
	if s.calls[1].kind != "text" {
		t.Fatalf("call = %+v", s.calls[1])
	}
}

func TestSendBulkCountsAndNeverAborts(t *testing.T) {
	t.Parallel()
	s := &fakeSender{errs: []error{nil, transport.ErrRecipientBlocked, nil}}
	d, _ := newTestDispatcher(s)

	res := d.SendBulk(context.Background(), []int64{1, 2, 3}, "hi", "")
	if res.Sent != 2 || res.Failed != 1 {
		t.Fatalf("result = %+v, want 2 sent / 1 failed", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "recipient 2") {
		t.Fatalf("errors = %v", res.Errors)
	}
	if s.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", s.callCount())
	}
}

func TestSendBulkErrorSampleCap(t *testing.T) {
	t.Parallel()
	const n = 15
	errs := make([]error, n)
	ids := make([]int64, n)
	for i := range errs {
		errs[i] = transport.ErrRecipientBlocked
		ids[i] = int64(i + 1)
	}
	s := &fakeSender{errs: errs}
	d, _ := newTestDispatcher(s)

	res := d.SendBulk(context.Background(), ids, "hi", "")
	if res.Failed != n {
		t.Fatalf("failed = %d, want %d", res.Failed, n)
	}
	if len(res.Errors) != 10 {
		t.Fatalf("error sample = %d, want 10", len(res.Errors))
	}
}

func TestSendBulkInterMessageDelay(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, slept := newTestDispatcher(s)

	d.SendBulk(context.Background(), []int64{1, 2, 3}, "hi", "")
	delays := 0
	for _, dur := range *slept {
		if dur == time.Millisecond {
			delays++
		}
	}
	if delays != 2 {
		t.Fatalf("inter-message delays = %d, want 2", delays)
	}
}

func TestSendBulkStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.SendBulk(ctx, []int64{1, 2, 3}, "hi", "")
	if res.Sent != 0 || s.callCount() != 0 {
		t.Fatalf("result = %+v, calls = %d; want nothing sent", res, s.callCount())
	}
}

func TestTextSendsSkipAudioThrottle(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	// 1/min with burst 1: a limiter on this path would hold every send after
	// the first for a minute.
	d := New(s, Config{RatePerMin: 1}, logx.Nop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := d.SendMessage(ctx, 1, "hi", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if err := d.SendMessageWithMedia(ctx, 1, "cap", "https://img", "", ""); err != nil {
		t.Fatalf("media send: %v", err)
	}
	if s.callCount() != 4 {
		t.Fatalf("calls = %d, want 4", s.callCount())
	}
}

func TestSendAudioHoldsToWorkerRate(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d := New(s, Config{RatePerMin: 1}, logx.Nop())

	if err := d.SendAudio(context.Background(), 1, transport.Audio{Title: "ep"}); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.SendAudio(ctx, 1, transport.Audio{Title: "ep"}); err == nil {
		t.Fatal("second upload should be held by the limiter past the deadline")
	}
	if s.callCount() != 1 {
		t.Fatalf("calls = %d, want 1", s.callCount())
	}
}

func TestSendArticleFormatting(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(s)

	a := store.Article{Title: "Big News", Content: "First sentence. Second sentence.", URL: "https://example.com/a"}
	if err := d.SendArticle(context.Background(), 9, a, "https://img"); err != nil {
		t.Fatalf("SendArticle: %v", err)
	}
	call := s.calls[0]
	if call.kind != "photo" {
		t.Fatalf("kind = %q, want photo", call.kind)
	}
	if !strings.HasPrefix(call.text, "*Big News*") {
		t.Fatalf("text = %q", call.text)
	}
	if call.opt.LinkURL != a.URL {
		t.Fatalf("link = %q, want article URL", call.opt.LinkURL)
	}
}

func TestSendArticleBudgetCountsRunes(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	d, _ := newTestDispatcher(s)

	// Multi-byte title: the body budget must shrink by runes, not bytes.
	title := strings.Repeat("ы", 20)
	a := store.Article{Title: title, Content: strings.Repeat("я", 3000), URL: "https://example.com/a"}
	if err := d.SendArticle(context.Background(), 9, a, ""); err != nil {
		t.Fatalf("SendArticle: %v", err)
	}
	text := s.calls[0].text
	body := text[strings.Index(text, "\n\n")+2:]
	want := captionLimit - 20 - 2
	if n := utf8.RuneCountInString(body); n != want {
		t.Fatalf("body runes = %d, want %d", n, want)
	}
}

func TestTruncateAtSentence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{name: "fits", in: "Short.", limit: 100, want: "Short."},
		{name: "cuts at period", in: "One. Two. Three is quite long.", limit: 12, want: "One. Two."},
		{name: "cuts at bang", in: "Wow! Amazing content here", limit: 10, want: "Wow!"},
		{name: "no terminator", in: "just words without any ending", limit: 10, want: "just word…"},
		{name: "zero limit", in: "anything", limit: 0, want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := truncateAtSentence(tc.in, tc.limit); got != tc.want {
				t.Fatalf("truncateAtSentence(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
			}
		})
	}
	// Result never exceeds the limit.
	for limit := 1; limit < 40; limit++ {
		got := truncateAtSentence("Alpha beta. Gamma delta! Epsilon?", limit)
		if n := len([]rune(got)); n > limit {
			t.Fatalf("limit %d: len = %d (%q)", limit, n, got)
		}
	}
}
