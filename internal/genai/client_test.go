package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "newscast/pkg/logx"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, APIKey: "test-key"}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("want error for missing api key")
	}
}

func TestGenerateText(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "test-key" {
			t.Errorf("api key header = %q", got)
		}
		if !strings.Contains(r.URL.Path, ":generateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Contents) != 1 || req.Contents[0].Parts[0].Text != "say hi" {
			t.Errorf("request contents = %+v", req.Contents)
		}
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]}}]}`)
	})

	got, err := c.GenerateText(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if got != "hello world" {
		t.Fatalf("text = %q, want %q", got, "hello world")
	}
}

func TestGenerateTextEmptyCompletion(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"candidates":[]}`)
	})
	if _, err := c.GenerateText(context.Background(), "x"); err == nil {
		t.Fatal("want error for empty completion")
	}
}

func TestGenerateTextHTTPError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota exceeded"}`, http.StatusTooManyRequests)
	})
	_, err := c.GenerateText(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v, want body in message", err)
	}
}

func TestStreamSpeechConcatenatesChunks(t *testing.T) {
	t.Parallel()
	chunk := func(b []byte) string {
		return fmt.Sprintf(
			`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"audio/L16;rate=24000","data":%q}}]}}]}`,
			base64.StdEncoding.EncodeToString(b),
		)
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gc := req.GenerationConfig
		if gc == nil || gc.SpeechConfig == nil || len(gc.SpeechConfig.MultiSpeakerVoiceConfig.SpeakerVoiceConfigs) != 2 {
			t.Errorf("missing speaker voice configs: %+v", gc)
		}
		fmt.Fprintf(w, "[%s,%s]", chunk([]byte{1, 2}), chunk([]byte{3, 4}))
	})

	var got []byte
	err := c.StreamSpeech(context.Background(), SpeechRequest{
		Text: "Ann: hi\nBen: hello",
		Voices: []SpeakerVoice{
			{Speaker: "Ann", Voice: "Kore"},
			{Speaker: "Ben", Voice: "Puck"},
		},
	}, func(pcm []byte) error {
		got = append(got, pcm...)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamSpeech: %v", err)
	}
	if want := []byte{1, 2, 3, 4}; string(got) != string(want) {
		t.Fatalf("pcm = %v, want %v", got, want)
	}
}

func TestStreamSpeechCallbackErrorAborts(t *testing.T) {
	t.Parallel()
	chunkJSON := fmt.Sprintf(
		`{"candidates":[{"content":{"parts":[{"inlineData":{"data":%q}}]}}]}`,
		base64.StdEncoding.EncodeToString([]byte{9}),
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "[%s,%s]", chunkJSON, chunkJSON)
	})

	calls := 0
	err := c.StreamSpeech(context.Background(), SpeechRequest{Text: "x"}, func(pcm []byte) error {
		calls++
		return fmt.Errorf("stop")
	})
	if err == nil || !strings.Contains(err.Error(), "stop") {
		t.Fatalf("err = %v, want stop", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestStreamSpeechZeroChunks(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "[]")
	})
	calls := 0
	if err := c.StreamSpeech(context.Background(), SpeechRequest{Text: "x"}, func([]byte) error {
		calls++
		return nil
	}); err != nil {
		t.Fatalf("StreamSpeech: %v", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0", calls)
	}
}
