package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	kit "autoelect/internal/transport"
)

type Config struct {
	Token string
	// Timeout bounds each Bot API request.
	Timeout time.Duration
}

// Adapter is a send-only Telegram client. autoelect never reads updates;
// it only pushes notifications and forwarded log records.
type Adapter struct {
	bot *tele.Bot
}

func New(cfg Config) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true, // no getMe round-trip at startup; we never poll
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{bot: b}, nil
}

// telegramTextLimit stays under the Bot API's 4096 character cap.
const telegramTextLimit = 4000

// splitTelegramText packs whole lines into chunks of at most limit runes. A line that
// is longer than limit on its own is cut at rune boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	if utf8.RuneCountInString(s) <= limit {
		return []string{s}
	}

	var (
		chunks []string
		cur    []rune
	)
	flush := func() {
		if len(cur) > 0 {
			chunks = append(chunks, string(cur))
			cur = cur[:0]
		}
	}
	for _, line := range strings.Split(s, "\n") {
		rs := []rune(line)
		for len(rs) > limit {
			flush()
			chunks = append(chunks, string(rs[:limit]))
			rs = rs[limit:]
		}
		sep := 0
		if len(cur) > 0 {
			sep = 1
		}
		if len(cur)+sep+len(rs) > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			cur = append(cur, '\n')
		}
		cur = append(cur, rs...)
	}
	flush()
	return chunks
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
