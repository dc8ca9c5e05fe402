package domain

import "context"

// TradeJournal persists closed trades and run summaries.
type TradeJournal interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	UpsertRun(ctx context.Context, r RunRecord) error
	ListTrades(ctx context.Context, runID string, limit int) ([]TradeRecord, error)
}
