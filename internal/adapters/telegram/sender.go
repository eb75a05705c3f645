package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"promo-digest/internal/infra/metrics"
)

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender доставляет дайджест в Telegram-чат.
type Sender struct {
	bot    botAPI
	chatID int64
}

// NewSender создаёт отправителя дайджеста.
func NewSender(bot botAPI, chatID int64) *Sender {
	return &Sender{bot: bot, chatID: chatID}
}

// SendDigest отправляет текст, при необходимости разбив его на части.
// Возвращает id первого сообщения у провайдера.
func (s *Sender) SendDigest(ctx context.Context, text string) (string, error) {
	parts := SplitMessage(text)
	if len(parts) == 0 {
		return "", fmt.Errorf("telegram: пустой дайджест")
	}

	firstID := ""
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return firstID, err
		}
		msg := tgbotapi.NewMessage(s.chatID, part)
		msg.ParseMode = tgbotapi.ModeHTML
		msg.DisableWebPagePreview = true

		start := time.Now()
		sent, err := s.bot.Send(msg)
		metrics.ObserveNetworkRequest("telegram", "send_message", "digest", start, err)
		if err != nil {
			return firstID, fmt.Errorf("telegram: отправка части %d/%d: %w", i+1, len(parts), err)
		}
		if firstID == "" {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}
