// Package store is the gorm-backed persistence layer. SQLite by default,
// PostgreSQL when the DSN says so. The status column carries the optimistic
// concurrency control: every state transition is a conditional UPDATE on the
// expected current status, and a row that moved under us surfaces as
// ErrConflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrConflict means the row's status was not the expected one; another
	// worker got there first.
	ErrConflict = errors.New("order status changed concurrently")

	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("record not found")
)

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// Open connects and migrates. A postgres:// DSN selects PostgreSQL,
// anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&Exchange{}, &APIKey{}, &ChatSubscription{}, &Order{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Order operations

// CreateOrder persists a new order.
func (s *Store) CreateOrder(ctx context.Context, o *Order) error {
	return s.db.WithContext(ctx).Create(o).Error
}

// Order loads one order by id.
func (s *Store) Order(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &o, err
}

// UserOrder loads one order by id, scoped to its owner.
func (s *Store) UserOrder(ctx context.Context, userID, id int64) (*Order, error) {
	var o Order
	err := s.db.WithContext(ctx).First(&o, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	return &o, err
}

// OrderFilter narrows Orders listings.
type OrderFilter struct {
	UserID   int64
	Statuses []Status
	Symbol   string
}

// Orders lists orders matching the filter, newest first.
func (s *Store) Orders(ctx context.Context, f OrderFilter) ([]Order, error) {
	q := s.db.WithContext(ctx).Model(&Order{})
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}
	if f.Symbol != "" {
		q = q.Where("symbol = ?", f.Symbol)
	}
	var orders []Order
	err := q.Order("created_at DESC").Find(&orders).Error
	return orders, err
}

// NonTerminalOrders lists every order the engine still has work on.
func (s *Store) NonTerminalOrders(ctx context.Context) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("status IN ?", nonTerminal).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// StaleInExecution lists orders stuck in IN_EXECUTION since before the
// cutoff. These are crash leftovers; the reconciler resolves them.
func (s *Store) StaleInExecution(ctx context.Context, cutoff time.Time) ([]Order, error) {
	var orders []Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusInExecution, cutoff).
		Order("id").
		Find(&orders).Error
	return orders, err
}

// Transition flips an order's status iff it currently holds the expected
// status, applying extra column updates in the same statement. Zero rows
// affected means another worker moved the order first: ErrConflict.
func (s *Store) Transition(ctx context.Context, id int64, expected, next Status, updates map[string]any) error {
	set := map[string]any{"status": next}
	for k, v := range updates {
		set[k] = v
	}
	res := s.db.WithContext(ctx).Model(&Order{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %d %s -> %s: %w", id, expected, next, ErrConflict)
	}
	return nil
}

// UpdateFields patches arbitrary columns without a status change, guarded on
// the expected status so edits never race an executing worker.
func (s *Store) UpdateFields(ctx context.Context, id int64, expected Status, updates map[string]any) error {
	return s.Transition(ctx, id, expected, expected, updates)
}

// SplitExecuted carves an executed order into two in one transaction: the
// original keeps keepQty, the sibling is created EXECUTED with the remainder
// and the same fill price. Exit fields per leg are the caller's problem.
func (s *Store) SplitExecuted(ctx context.Context, orig *Order, keepQty, siblingQty decimal.Decimal, origUpdates map[string]any, sibling *Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		set := map[string]any{"quantity": keepQty}
		for k, v := range origUpdates {
			set[k] = v
		}
		res := tx.Model(&Order{}).
			Where("id = ? AND status = ?", orig.ID, StatusInExecution).
			Updates(set)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("order %d split: %w", orig.ID, ErrConflict)
		}
		sibling.Quantity = siblingQty
		return tx.Create(sibling).Error
	})
}

// Exchange operations

// SeedExchanges inserts the supported venues if missing and returns the full
// name -> id map.
func (s *Store) SeedExchanges(ctx context.Context, names ...string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, name := range names {
		var ex Exchange
		err := s.db.WithContext(ctx).FirstOrCreate(&ex, Exchange{Name: name}).Error
		if err != nil {
			return nil, err
		}
		out[name] = ex.ID
	}
	return out, nil
}

// ExchangeName resolves a venue id to its name.
func (s *Store) ExchangeName(ctx context.Context, id int64) (string, error) {
	var ex Exchange
	err := s.db.WithContext(ctx).First(&ex, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("exchange %d: %w", id, ErrNotFound)
	}
	return ex.Name, err
}

// API key operations

// CreateAPIKey persists a new credential row.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	return s.db.WithContext(ctx).Create(k).Error
}

// APIKey loads one credential row.
func (s *Store) APIKey(ctx context.Context, id int64) (*APIKey, error) {
	var k APIKey
	err := s.db.WithContext(ctx).First(&k, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("api key %d: %w", id, ErrNotFound)
	}
	return &k, err
}

// Chat subscription operations

// SubscribeChat upserts a chat subscription for a user.
func (s *Store) SubscribeChat(ctx context.Context, userID, chatID int64) error {
	var sub ChatSubscription
	return s.db.WithContext(ctx).
		Where(ChatSubscription{UserID: userID, ChatID: chatID}).
		Assign(ChatSubscription{Enabled: true}).
		FirstOrCreate(&sub).Error
}

// EnabledChatIDs lists the chats that receive a user's notifications.
func (s *Store) EnabledChatIDs(userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&ChatSubscription{}).
		Where("user_id = ? AND enabled = ?", userID, true).
		Pluck("chat_id", &ids).Error
	return ids, err
}
