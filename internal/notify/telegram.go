package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"golang.org/x/time/rate"
)

// TelegramConfig configures the bot sink. APIURL overrides the Bot API
// endpoint and is empty in production. Timeout bounds a whole Send,
// including the rate limiter wait, and defaults to DefaultTimeout.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	APIURL   string
	Timeout  time.Duration
}

// Telegram delivers messages through the Bot API.
type Telegram struct {
	bot     *bot.Bot
	chatID  any
	timeout time.Duration
	limiter *rate.Limiter
}

// Legacy Markdown only allows escaping outside entities.
var markdownEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "`", "\\`", "[", `\[`)

// NewTelegram creates the sink. Token and chat id are required.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}
	if cfg.ChatID == "" {
		return nil, errors.New("telegram chat id cannot be empty")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithHTTPClient(cfg.Timeout, &http.Client{Timeout: cfg.Timeout}),
	}
	if cfg.APIURL != "" {
		opts = append(opts, bot.WithServerURL(cfg.APIURL))
	}
	b, err := bot.New(cfg.BotToken, opts...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}

	// Numeric ids address users and groups; "@name" addresses channels.
	var chatID any = cfg.ChatID
	if id, err := strconv.ParseInt(cfg.ChatID, 10, 64); err == nil {
		chatID = id
	}

	return &Telegram{
		bot:     b,
		chatID:  chatID,
		timeout: cfg.Timeout,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}, nil
}

// Name implements Sink.
func (t *Telegram) Name() string { return "telegram" }

// Escape implements Escaper for legacy Markdown.
func (t *Telegram) Escape(text string) string {
	return markdownEscaper.Replace(text)
}

// Send delivers msg as a single Markdown message. msg is expected to come
// from RenderEscaped with t.Escape.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	params := &bot.SendMessageParams{
		ChatID:    t.chatID,
		Text:      msg.Text(),
		ParseMode: "Markdown",
	}
	if _, err := t.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send telegram message to %v: %w", t.chatID, err)
	}
	return nil
}
