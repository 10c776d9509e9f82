// Package alerts delivers operator notifications for settlements that
// need a human. Telegram is the production channel; LogNotifier is the
// fallback so stuck settlements are never silent.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"

	"github.com/marqueehq/marquee/internal/retry"
)

// TelegramNotifier pushes alerts into an operator chat.
type TelegramNotifier struct {
	bot    *bot.Bot
	chatID int64
	logger *slog.Logger
}

// NewTelegramNotifier connects the bot. The token is validated against
// the Telegram API during construction.
func NewTelegramNotifier(token string, chatID int64, logger *slog.Logger) (*TelegramNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: b, chatID: chatID, logger: logger}, nil
}

// NotifyStuckSettlement sends the stuck-settlement alert. Delivery is
// retried a few times; a still-failing send is the caller's to log.
func (t *TelegramNotifier) NotifyStuckSettlement(ctx context.Context, intentID, member string, missingTokens int64, cause string) error {
	text := stuckMessage(intentID, member, missingTokens, cause)

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		_, serr := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: t.chatID,
			Text:   text,
		})
		return serr
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}

	t.logger.Info("stuck settlement alert sent", "intentId", intentID, "chatId", t.chatID)
	return nil
}

// LogNotifier writes alerts to the log when no chat channel is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates the log-only alert channel.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// NotifyStuckSettlement logs the alert at error level.
func (l *LogNotifier) NotifyStuckSettlement(ctx context.Context, intentID, member string, missingTokens int64, cause string) error {
	l.logger.Error("OPERATOR ALERT: stuck settlement",
		"intentId", intentID,
		"member", member,
		"tokensNotCharged", missingTokens,
		"cause", cause)
	return nil
}

func stuckMessage(intentID, member string, missingTokens int64, cause string) string {
	return fmt.Sprintf(
		"STUCK SETTLEMENT\n\n"+
			"Intent: %s\n"+
			"Member: %s\n"+
			"Tokens not charged: %d\n"+
			"Cause: %s\n\n"+
			"The card payment landed but the purchase charge did not finish. "+
			"Resolve it via POST /v1/admin/settlements/%s/resolve once the member's balance covers the purchase.",
		intentID, member, missingTokens, cause, intentID,
	)
}
