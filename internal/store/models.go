package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is an order's lifecycle state. IN_EXECUTION doubles as a per-order
// critical-section lock: only the worker that flipped the row into it may
// act on the order.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusInExecution      Status = "IN_EXECUTION"
	StatusExecuted         Status = "EXECUTED"
	StatusClosedTP         Status = "CLOSED_TP"
	StatusClosedSL         Status = "CLOSED_SL"
	StatusClosedManual     Status = "CLOSED_MANUAL"
	StatusClosedExternally Status = "CLOSED_EXTERNALLY"
	StatusCancelled        Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusClosedTP, StatusClosedSL, StatusClosedManual, StatusClosedExternally, StatusCancelled:
		return true
	}
	return false
}

// nonTerminal is the set scanned on every engine tick.
var nonTerminal = []Status{StatusPending, StatusInExecution, StatusExecuted}

// Exchange is a supported venue, seeded at startup.
type Exchange struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"uniqueIndex"`
	CreatedAt time.Time
}

// APIKey holds one user's credentials for one venue. Key material is stored
// as ciphertext; decryption belongs to the hosting application.
type APIKey struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	UserID     int64 `gorm:"index"`
	ExchangeID int64 `gorm:"index"`
	Label      string
	KeyCT      string `gorm:"type:text"`
	SecretCT   string `gorm:"type:text"`
	IsTestnet  bool
	CreatedAt  time.Time
}

// ChatSubscription links a user to a Telegram chat receiving their
// notifications.
type ChatSubscription struct {
	ID        int64 `gorm:"primaryKey;autoIncrement"`
	UserID    int64 `gorm:"index"`
	ChatID    int64
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
}

// Order is one trade plan and its live position state. Quantity starts as the
// planned base quantity and is overwritten with the actual filled quantity on
// execution.
type Order struct {
	ID         int64 `gorm:"primaryKey;autoIncrement"`
	UserID     int64 `gorm:"index"`
	ExchangeID int64 `gorm:"index"`
	APIKeyID   int64
	IsTestnet  bool

	Symbol   string `gorm:"index"`
	Side     string // spot-only service, always "LONG"
	Quantity decimal.Decimal `gorm:"type:decimal(20,8)"`

	EntryPrice    decimal.Decimal     `gorm:"type:decimal(20,8)"`
	MaxEntry      decimal.Decimal     `gorm:"type:decimal(20,8)"`
	TakeProfit    decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	StopLoss      decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	EntryInterval string
	StopInterval  string

	Status        Status `gorm:"index"`
	ExecutedPrice decimal.NullDecimal `gorm:"type:decimal(20,8)"`
	ExecutedAt    *time.Time
	ClosedAt      *time.Time
	CloseReason   string
	TPOrderID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Executed reports whether the order holds a position (filled entry, not yet
// closed).
func (o *Order) Executed() bool {
	return o.Status == StatusExecuted
}

// EffectiveEntry returns the price P&L and validation compare against: the
// actual fill price once executed, the planned entry before.
func (o *Order) EffectiveEntry() decimal.Decimal {
	if o.ExecutedPrice.Valid {
		return o.ExecutedPrice.Decimal
	}
	return o.EntryPrice
}
