package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink posts rendered messages to a single chat, HTML formatted.
type TelegramSink struct {
	api    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramSink authenticates against the Bot API.
func NewTelegramSink(token string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: token not set")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("telegram: chat id not set")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}

	logger.Info("telegram sink initialized", "username", api.Self.UserName)
	return &TelegramSink{
		api:    api,
		chatID: chatID,
		logger: logger.With("component", "telegram_sink"),
	}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Dispatch(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := tgbotapi.NewMessage(s.chatID, msg.HTML)
	m.ParseMode = tgbotapi.ModeHTML
	if _, err := s.api.Send(m); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

// LogSink writes notifications to the structured log. Always registered so a
// run without telegram credentials still surfaces every signal.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "log_sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Dispatch(_ context.Context, msg Message) error {
	s.logger.Info("notification", "title", msg.Title, "body", msg.Plain)
	return nil
}
