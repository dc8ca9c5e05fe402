package domain

import "time"

// MidPriceSample is one mid-price observation for an outcome token.
type MidPriceSample struct {
	AssetID   string
	Side      Side
	Mid       float64
	BestBid   float64
	BestAsk   float64
	Timestamp time.Time
	// Epoch increments whenever the book is rebuilt from a fresh full
	// snapshot; samples from different epochs are not comparable.
	Epoch uint64
}

// DropEvent reports a flash crash on one side of the market.
type DropEvent struct {
	AssetID        string
	Side           Side
	Drop           float64 // ReferencePrice - TriggerPrice
	ReferencePrice float64 // window maximum the drop is measured from
	TriggerPrice   float64
	Timestamp      time.Time
}
