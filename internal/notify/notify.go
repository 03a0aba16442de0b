// Package notify sends operator notifications over Telegram on safety
// transitions and retry-budget exhaustion, grounded on bot.TelegramBot's
// NewTelegramBot/sendMarkdown pattern but narrowed to the copy-trader's
// operator-facing events.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/hl-copytrader/internal/types"
)

// Telegram sends structured safety/execution alerts to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram constructs a Telegram notifier, or a nil-safe no-op if token
// is empty (notifications are optional, unlike the teacher's bot which
// requires the token).
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier initialized")
	return &Telegram{api: api, chatID: chatID}, nil
}

// NotifySafetyTransition implements safety.Notifier.
func (t *Telegram) NotifySafetyTransition(from, to types.SafetyMode, reasonCode, reasonMessage string) {
	if t == nil {
		return
	}
	emoji := "⚠️"
	if to == types.ModeHalt {
		emoji = "🛑"
	} else if to == types.ModeArmedLive {
		emoji = "✅"
	}
	msg := fmt.Sprintf("%s *SAFETY TRANSITION*\n\n%s → *%s*\nReason: `%s`\n%s", emoji, from, to, reasonCode, reasonMessage)
	t.sendMarkdown(msg)
}

// NotifyRetryBudgetExceeded sends an alert when an order's UNKNOWN
// resolution attempts exhaust the configured retry budget.
func (t *Telegram) NotifyRetryBudgetExceeded(correlationID string) {
	if t == nil {
		return
	}
	msg := fmt.Sprintf("🚨 *RETRY BUDGET EXCEEDED*\n\nOrder `%s` exhausted its UNKNOWN retry budget.", correlationID)
	t.sendMarkdown(msg)
}

// NotifyStartup announces the selected run mode on process boot.
func (t *Telegram) NotifyStartup(mode string) {
	if t == nil {
		return
	}
	t.sendMarkdown(fmt.Sprintf("🤖 *hl-copytrader started* in `%s` mode", mode))
}

func (t *Telegram) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("failed to send telegram message")
	}
}
