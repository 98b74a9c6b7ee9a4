package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramTextLimit is the Bot API message size limit.
const telegramTextLimit = 4096

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (default https://api.telegram.org).
	APIURL string
}

// Telegram sends alerts through the Bot API. It never polls for updates.
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client:  &http.Client{Timeout: 10 * time.Second},
		Offline: true, // send-only: skip getMe at startup
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

// Send posts text. telebot has no context support, so ctx is only checked
// before the request; the HTTP client timeout bounds the call.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(text) > telegramTextLimit {
		text = truncate(text, telegramTextLimit-len("…"))
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.thread,
		DisableWebPagePreview: true,
	})
	return err
}
