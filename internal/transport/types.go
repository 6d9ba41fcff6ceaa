// Package transport defines the chat boundary: inbound updates and outbound
// text. The Telegram implementation lives in transport/telegram/adapter.
package transport

import "context"

type UpdateKind string

const UpdateMessage UpdateKind = "message"

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
	IsPrivate    bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// TextSender is the outbound half, used by delivery, billing notices and
// the ops alert sink.
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type Adapter interface {
	TextSender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
