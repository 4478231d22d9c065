// Package notify holds optional outbound bus.Sink implementations that
// relay orchestration events to human operators. They carry no authority
// over the store: a notify sink failing to deliver never affects the
// orchestrator (§7).
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/roboserve/internal/bus"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink forwards workflow.failed and system.updated(reason=invariant)
// events to a single Telegram chat. It implements bus.Sink.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramSink dials the Telegram bot API with token and targets chatID.
func NewTelegramSink(token string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notify sink: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSink{bot: bot, chatID: chatID, logger: logger}, nil
}

// Send implements bus.Sink. Only failure-shaped events produce a message;
// everything else is a silent no-op so the sink can be subscribed at the
// bus root without flooding the chat.
func (s *TelegramSink) Send(_ context.Context, event bus.Event) error {
	text, ok := s.render(event)
	if !ok {
		return nil
	}
	msg := tgbotapi.NewMessage(s.chatID, text)
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram notify send: %w", err)
	}
	return nil
}

func (s *TelegramSink) render(event bus.Event) (string, bool) {
	switch event.Type {
	case bus.TopicWorkflowFailed:
		return fmt.Sprintf("workflow run failed: %v", event.Data), true
	case bus.TopicSystemUpdated:
		data, ok := event.Data.(map[string]any)
		if !ok || data["reason"] != "invariant" {
			return "", false
		}
		return fmt.Sprintf("invariant violation: %v", data), true
	default:
		return "", false
	}
}
