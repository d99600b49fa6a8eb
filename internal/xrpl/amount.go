package xrpl

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DropsPerXRP is the number of drops in one XRP.
const DropsPerXRP = 1_000_000

// rippleEpoch is 2000-01-01T00:00:00Z in unix seconds.
const rippleEpoch = 946684800

var ErrInvalidAmount = errors.New("xrpl: invalid amount")

// 100 billion XRP, the total supply.
var maxDrops = decimal.New(100_000_000_000*DropsPerXRP, 0)

// XRPToDrops converts an XRP amount to whole drops. Amounts finer than one
// drop are rejected rather than rounded.
func XRPToDrops(xrp decimal.Decimal) (int64, error) {
	if xrp.IsNegative() {
		return 0, fmt.Errorf("%w: negative amount %s", ErrInvalidAmount, xrp)
	}
	drops := xrp.Shift(6)
	if !drops.IsInteger() {
		return 0, fmt.Errorf("%w: %s XRP is not a whole number of drops", ErrInvalidAmount, xrp)
	}
	if drops.GreaterThan(maxDrops) {
		return 0, fmt.Errorf("%w: %s XRP out of range", ErrInvalidAmount, xrp)
	}
	return drops.IntPart(), nil
}

// DropsToXRP converts drops to an XRP decimal.
func DropsToXRP(drops int64) decimal.Decimal {
	return decimal.New(drops, -6)
}

// ToRippleTime converts t to seconds since the ripple epoch.
func ToRippleTime(t time.Time) uint32 {
	secs := t.Unix() - rippleEpoch
	if secs < 0 {
		return 0
	}
	return uint32(secs)
}

// FromRippleTime converts ripple-epoch seconds to a time.Time.
func FromRippleTime(secs uint32) time.Time {
	return time.Unix(int64(secs)+rippleEpoch, 0).UTC()
}
