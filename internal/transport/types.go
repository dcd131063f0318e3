package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to an IM chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error

func (f SenderFunc) SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error {
	return f(ctx, to, text, opt)
}
