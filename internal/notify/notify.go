// Package notify delivers user-facing event messages. The engine talks to
// the Notifier interface; delivery failures are logged and never block or
// fail a trade operation.
package notify

import (
	"github.com/rs/zerolog/log"
)

// Notifier sends a message to one user. Implementations must be safe for
// concurrent use.
type Notifier interface {
	Notify(userID int64, message string)
}

// ChatSource resolves the chats subscribed to a user's notifications.
type ChatSource interface {
	EnabledChatIDs(userID int64) ([]int64, error)
}

// LogNotifier writes notifications to the log. Used when no Telegram token
// is configured and as the test double.
type LogNotifier struct{}

func (LogNotifier) Notify(userID int64, message string) {
	log.Info().Int64("user_id", userID).Str("message", message).Msg("notification")
}
