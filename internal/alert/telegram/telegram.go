// Package telegram sends operator alerts to a Telegram chat through the Bot
// API. It never polls for updates.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"
)

// maxMessageLen is Telegram's limit for a text message.
const maxMessageLen = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

type Sender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

// Alert implements alert.Sender and logx.Alerter. telebot has no context
// support; ctx only short-circuits sends that are already cancelled.
func (s *Sender) Alert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = truncate(strings.TrimSpace(text), maxMessageLen)
	if text == "" {
		return nil
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, &tele.SendOptions{
		ThreadID:              s.cfg.ThreadID,
		DisableWebPagePreview: true,
	})
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n-3]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}
