package notify

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// Telegram fans a user's notifications out to every enabled chat
// subscription. Sends are fire-and-forget; a dead chat only logs.
type Telegram struct {
	bot   *tgbotapi.BotAPI
	chats ChatSource
}

// NewTelegram connects the bot API with the given token.
func NewTelegram(token string, chats ChatSource) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("Telegram notifier connected")
	return &Telegram{bot: bot, chats: chats}, nil
}

func (t *Telegram) Notify(userID int64, message string) {
	chatIDs, err := t.chats.EnabledChatIDs(userID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", userID).Msg("failed to resolve notification chats")
		return
	}
	if len(chatIDs) == 0 {
		log.Debug().Int64("user_id", userID).Msg("no enabled chats for user, dropping notification")
		return
	}
	for _, chatID := range chatIDs {
		msg := tgbotapi.NewMessage(chatID, message)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			log.Error().Err(err).Int64("chat_id", chatID).Msg("failed to send telegram message")
		}
	}
}
