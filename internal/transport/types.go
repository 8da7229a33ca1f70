// Package transport defines the platform-neutral delivery surface. The chat
// conversation layer consumes Updates; the dispatcher and podcast pipeline
// produce sends. Adapters translate both to a concrete platform (Telegram).
package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// LinkURL attaches a single "Read more" style URL button.
	LinkURL   string
	LinkTitle string
}

// Audio is a finished audio artifact to deliver.
type Audio struct {
	Data     []byte
	FileName string
	Title    string
	MIME     string
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photoURL, caption string, opt *SendOptions) (MessageRef, error)
	SendAudio(ctx context.Context, to ChatTarget, audio Audio, opt *SendOptions) (MessageRef, error)
}
