package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Side is one outcome of an Up/Down contract.
type Side string

const (
	SideUp   Side = "up"
	SideDown Side = "down"
)

// Sides lists both outcomes in a stable order.
var Sides = [2]Side{SideUp, SideDown}

// ParseSide accepts "up"/"down" as well as the "Yes"/"No" outcome labels.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "yes":
		return SideUp, nil
	case "down", "no":
		return SideDown, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

// Instrument is the current fixed-window Up/Down contract for a coin.
type Instrument struct {
	Coin            string
	IntervalMinutes int
	Slug            string
	ConditionID     string
	Question        string
	UpTokenID       string
	DownTokenID     string
	WindowStart     time.Time
	WindowEnd       time.Time
}

// TokenID returns the outcome token id for the given side.
func (i Instrument) TokenID(side Side) string {
	if side == SideDown {
		return i.DownTokenID
	}
	return i.UpTokenID
}

// TokenIDs returns both outcome token ids (up first).
func (i Instrument) TokenIDs() []string {
	return []string{i.UpTokenID, i.DownTokenID}
}

// SideOf maps an asset id back to its outcome side.
func (i Instrument) SideOf(assetID string) (Side, bool) {
	switch assetID {
	case i.UpTokenID:
		return SideUp, true
	case i.DownTokenID:
		return SideDown, true
	}
	return "", false
}

// Expired reports whether the instrument window has ended at now.
func (i Instrument) Expired(now time.Time) bool {
	return !i.WindowEnd.IsZero() && !now.Before(i.WindowEnd)
}

// MarketLocator resolves the contract currently trading for a coin/interval.
type MarketLocator interface {
	CurrentInstrument(ctx context.Context, coin string, intervalMinutes int) (Instrument, error)
}
