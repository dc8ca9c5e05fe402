package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a full snapshot of bids and asks for an asset.
// Bids are sorted descending, asks ascending.
type OrderbookSnapshot struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	BestBid   float64
	BestAsk   float64
	MidPrice  float64
	Timestamp time.Time
}

// HasBothSides reports whether the snapshot has at least one bid and one ask.
func (s OrderbookSnapshot) HasBothSides() bool {
	return len(s.Bids) > 0 && len(s.Asks) > 0
}

// Crossed reports whether the best bid is at or above the best ask.
func (s OrderbookSnapshot) Crossed() bool {
	return s.HasBothSides() && s.BestBid >= s.BestAsk
}

// PriceChange is an incremental orderbook level update.
type PriceChange struct {
	AssetID   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64 // 0 means remove level
	Timestamp time.Time
}

// LastTradePrice is the most recent trade execution for an asset.
type LastTradePrice struct {
	AssetID   string
	Price     float64
	Size      float64
	Timestamp time.Time
}
