package exchange

import (
	"fmt"
	"time"
)

// Interval is a candle interval used by entry and stop triggers. Market means
// "act immediately, no candle confirmation".
type Interval string

const (
	IntervalMarket Interval = "Market"
	Interval5m     Interval = "5m"
	Interval15m    Interval = "15m"
	Interval1h     Interval = "1h"
	Interval4h     Interval = "4h"
	Interval1d     Interval = "1d"
)

// ParseInterval validates a user-supplied interval string.
func ParseInterval(s string) (Interval, error) {
	switch Interval(s) {
	case IntervalMarket, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d:
		return Interval(s), nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Duration returns the candle span. Market has no candle and returns zero.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// IsMarket reports whether the interval bypasses candle confirmation.
func (i Interval) IsMarket() bool {
	return i == IntervalMarket || i == ""
}

// BinanceCode returns the Binance kline interval code.
func (i Interval) BinanceCode() string {
	switch i {
	case Interval5m:
		return "5m"
	case Interval15m:
		return "15m"
	case Interval1h:
		return "1h"
	case Interval4h:
		return "4h"
	case Interval1d:
		return "1d"
	default:
		return ""
	}
}

// BybitCode returns the Bybit v5 kline interval code.
func (i Interval) BybitCode() string {
	switch i {
	case Interval5m:
		return "5"
	case Interval15m:
		return "15"
	case Interval1h:
		return "60"
	case Interval4h:
		return "240"
	case Interval1d:
		return "D"
	default:
		return ""
	}
}
