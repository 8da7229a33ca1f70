// Package podcast turns a user's recent articles into a two-speaker audio
// episode: a generated dialogue script, synthesized speech, and an MP3
// delivered to the user.
package podcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrScriptGeneration covers every way the model can hand back an
	// unusable script: broken JSON, missing fields, unknown or identical
	// voices. There is no partial script.
	ErrScriptGeneration = errors.New("podcast: script generation failed")

	// ErrEmptyAudio means speech synthesis produced zero audio chunks.
	ErrEmptyAudio = errors.New("podcast: synthesized audio is empty")

	// ErrNoContent marks the non-fatal "nothing to talk about" outcome.
	ErrNoContent = errors.New("podcast: no recent articles")
)

// PromptCharLimit caps the combined article source fed to the model.
const PromptCharLimit = 15000

// voiceSet is the fixed set of prebuilt voices the model may pick from.
var voiceSet = map[string]bool{
	"Zephyr": true,
	"Puck":   true,
	"Charon": true,
	"Kore":   true,
	"Fenrir": true,
	"Leda":   true,
	"Orus":   true,
	"Aoede":  true,
}

// Line is one utterance of the dialogue.
type Line struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Script is a validated two-speaker dialogue. Speaker1 and Speaker2 are
// distinct voice names from the fixed voice set.
type Script struct {
	Speaker1 string `json:"speaker1"`
	Speaker2 string `json:"speaker2"`
	Dialogue []Line `json:"dialogue"`
}

// TopicArticles groups cleaned article text under its topic name for the
// prompt.
type TopicArticles struct {
	Topic    string
	Articles []SourceArticle
}

type SourceArticle struct {
	Title   string
	Content string
}

var htmlStripper = bluemonday.StrictPolicy()

// buildPrompt renders the script-generation prompt: topic-grouped article
// text, stripped of HTML and bounded by PromptCharLimit.
func buildPrompt(groups []TopicArticles, limit int) string {
	if limit <= 0 {
		limit = PromptCharLimit
	}

	var src strings.Builder
	for _, g := range groups {
		src.WriteString("## ")
		src.WriteString(g.Topic)
		src.WriteString("\n")
		for _, a := range g.Articles {
			src.WriteString("- ")
			src.WriteString(cleanText(a.Title))
			body := cleanText(a.Content)
			if body != "" {
				src.WriteString(": ")
				src.WriteString(body)
			}
			src.WriteString("\n")
		}
		src.WriteString("\n")
	}
	material := src.String()
	if rs := []rune(material); len(rs) > limit {
		material = string(rs[:limit])
	}

	voices := make([]string, 0, len(voiceSet))
	for v := range voiceSet {
		voices = append(voices, v)
	}

	var sb strings.Builder
	sb.WriteString("You are producing a short, lively two-host news podcast.\n")
	sb.WriteString("Write a dialogue discussing the stories below, grouped by topic.\n")
	sb.WriteString("Pick two DIFFERENT voices for the hosts from this set: ")
	sb.WriteString(strings.Join(voices, ", "))
	sb.WriteString(".\n")
	sb.WriteString("Respond with ONLY a JSON object of the form\n")
	sb.WriteString(`{"speaker1":"<voice>","speaker2":"<voice>","dialogue":[{"speaker":"<voice>","text":"..."}]}`)
	sb.WriteString("\n\nStories:\n\n")
	sb.WriteString(material)
	return sb.String()
}

func cleanText(s string) string {
	s = htmlStripper.Sanitize(s)
	return strings.Join(strings.Fields(s), " ")
}

// ParseScript decodes and validates the model's JSON envelope. The raw text
// may be wrapped in a markdown code fence.
func ParseScript(raw string) (Script, error) {
	raw = stripCodeFence(raw)

	var s Script
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Script{}, fmt.Errorf("%w: bad JSON: %v", ErrScriptGeneration, err)
	}
	if s.Speaker1 == "" || s.Speaker2 == "" {
		return Script{}, fmt.Errorf("%w: missing speaker voices", ErrScriptGeneration)
	}
	if s.Speaker1 == s.Speaker2 {
		return Script{}, fmt.Errorf("%w: speakers must use distinct voices", ErrScriptGeneration)
	}
	if !voiceSet[s.Speaker1] || !voiceSet[s.Speaker2] {
		return Script{}, fmt.Errorf("%w: unknown voice %q/%q", ErrScriptGeneration, s.Speaker1, s.Speaker2)
	}
	if len(s.Dialogue) == 0 {
		return Script{}, fmt.Errorf("%w: empty dialogue", ErrScriptGeneration)
	}
	for i, line := range s.Dialogue {
		if line.Speaker != s.Speaker1 && line.Speaker != s.Speaker2 {
			return Script{}, fmt.Errorf("%w: line %d spoken by unknown speaker %q", ErrScriptGeneration, i, line.Speaker)
		}
		if strings.TrimSpace(line.Text) == "" {
			return Script{}, fmt.Errorf("%w: line %d is empty", ErrScriptGeneration, i)
		}
	}
	return s, nil
}

func stripCodeFence(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	return strings.TrimSpace(raw)
}

// renderDialogue flattens the script into "Voice: line" markup for the
// speech request.
func renderDialogue(s Script) string {
	var sb strings.Builder
	sb.WriteString("TTS the following conversation:\n")
	for _, line := range s.Dialogue {
		sb.WriteString(line.Speaker)
		sb.WriteString(": ")
		sb.WriteString(line.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}
