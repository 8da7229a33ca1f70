// Package audio converts raw synthesized speech into a deliverable format.
// Input is PCM16LE mono at 24kHz; output is 128kbps CBR MP3, produced by an
// ffmpeg child process over pipes.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	logx "newscast/pkg/logx"
)

// ErrInvalidAudioInput rejects input that cannot hold a single PCM16 sample.
// Checked before any process is spawned.
var ErrInvalidAudioInput = errors.New("audio: input is not valid PCM16 data")

const (
	pcmSampleBytes = 2 // 16-bit mono
	pcmSampleRate  = 24000

	stderrTail = 512
)

type Config struct {
	// FFmpegPath overrides the binary looked up on PATH.
	FFmpegPath string
	// Bitrate of the MP3 output, e.g. "128k".
	Bitrate string
	// Timeout bounds one transcode run. 0 applies a default.
	Timeout time.Duration
}

type Transcoder struct {
	cfg Config
	log logx.Logger
}

func NewTranscoder(cfg Config, log logx.Logger) *Transcoder {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "128k"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transcoder{cfg: cfg, log: log}
}

// Transcode converts PCM16LE/24kHz mono samples to MP3. A failed run is
// reported with the tail of ffmpeg's stderr; it is never retried here.
func (t *Transcoder) Transcode(ctx context.Context, pcm []byte) ([]byte, error) {
	if len(pcm) < pcmSampleBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidAudioInput, len(pcm))
	}
	if len(pcm)%pcmSampleBytes != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrInvalidAudioInput, len(pcm))
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprint(pcmSampleRate),
		"-ac", "1",
		"-i", "pipe:0",
		"-b:a", t.cfg.Bitrate,
		"-f", "mp3",
		"pipe:1",
	}
	cmd := exec.CommandContext(runCtx, t.cfg.FFmpegPath, args...)
	cmd.Stdin = bytes.NewReader(pcm)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("audio: transcode timed out after %s", t.cfg.Timeout)
		}
		return nil, fmt.Errorf("audio: ffmpeg failed: %w: %s", err, tailOf(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("audio: ffmpeg produced no output: %s", tailOf(stderr.String()))
	}

	t.log.Debug("transcoded",
		logx.Int("pcm_bytes", len(pcm)),
		logx.Int("mp3_bytes", stdout.Len()),
		logx.Duration("took", time.Since(start)),
	)
	return stdout.Bytes(), nil
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	if s == "" {
		return "(no stderr)"
	}
	return s
}
