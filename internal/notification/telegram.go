package notification

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbot "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"cryptosignal/internal/model"
)

// botAPI is the part of *tgbot.BotAPI the senders use.
type botAPI interface {
	Send(c tgbot.Chattable) (tgbot.Message, error)
}

// NewBot connects to the Bot API with token. Every request, including each
// send, is cut off after timeout since the client library takes no context.
func NewBot(token string, timeout time.Duration) (*tgbot.BotAPI, error) {
	return newBot(token, tgbot.APIEndpoint, timeout)
}

func newBot(token, endpoint string, timeout time.Duration) (*tgbot.BotAPI, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	bot, err := tgbot.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	return bot, nil
}

// TelegramSender delivers signal messages as HTML chat messages.
type TelegramSender struct {
	bot botAPI
	log *slog.Logger
}

// NewTelegramSender wraps a connected bot.
func NewTelegramSender(bot botAPI, log *slog.Logger) *TelegramSender {
	return &TelegramSender{bot: bot, log: log.With("component", "telegram")}
}

// ActionLabels maps action references to button captions.
var ActionLabels = map[string]string{
	"main_menu": "🏠 Menu",
}

func (t *TelegramSender) Send(ctx context.Context, recipient int64, text, actionRef string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDeliveryTransient, err)
	}
	msg := tgbot.NewMessage(recipient, text)
	msg.ParseMode = tgbot.ModeHTML
	msg.DisableWebPagePreview = true
	if actionRef != "" {
		label, ok := ActionLabels[actionRef]
		if !ok {
			label = actionRef
		}
		msg.ReplyMarkup = tgbot.NewInlineKeyboardMarkup(
			tgbot.NewInlineKeyboardRow(tgbot.NewInlineKeyboardButtonData(label, actionRef)),
		)
	}
	if _, err := t.bot.Send(msg); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps Bot API failures onto delivery sentinels: blocked or
// missing chats are permanent, flood control carries its retry-after,
// everything else is transient.
func classify(err error) error {
	var apiErr *tgbot.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", model.ErrDeliveryTransient, err)
	}
	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		return &model.RetryAfterError{Seconds: apiErr.RetryAfter}
	case apiErr.Code == http.StatusForbidden,
		strings.Contains(strings.ToLower(apiErr.Message), "chat not found"),
		apiErr.MigrateToChatID != 0:
		return fmt.Errorf("%w: %d %s", model.ErrDeliveryPermanent, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: %d %s", model.ErrDeliveryTransient, apiErr.Code, apiErr.Message)
}

// TelegramNotifier sends operator alerts to an admin chat.
type TelegramNotifier struct {
	bot    botAPI
	chatID int64
	log    *slog.Logger
}

// NewTelegramNotifier creates an alert notifier for chatID.
func NewTelegramNotifier(bot botAPI, chatID int64, log *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID, log: log.With("component", "telegram_alerts")}
}

func (t *TelegramNotifier) Send(_ context.Context, alert Alert) error {
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}
	msg := tgbot.NewMessage(t.chatID, fmt.Sprintf("%s <b>%s</b>\n\n%s",
		emoji, html.EscapeString(alert.Title), html.EscapeString(alert.Message)))
	msg.ParseMode = tgbot.ModeHTML
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send alert: %w", err)
	}
	t.log.Info("alert sent", "title", alert.Title)
	return nil
}
