package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// Mirror copies published book snapshots into an external BookMirror off the
// feed task. Writes are best effort: a slow or failing mirror never delays
// book ingestion, and only the newest snapshot per instrument is kept while
// the mirror is busy.
type Mirror struct {
	sink   domain.BookMirror
	queue  chan domain.OrderbookSnapshot
	logger *slog.Logger
}

// NewMirror creates a Mirror writing to sink.
func NewMirror(sink domain.BookMirror, logger *slog.Logger) *Mirror {
	return &Mirror{
		sink:   sink,
		queue:  make(chan domain.OrderbookSnapshot, 64),
		logger: logger.With(slog.String("component", "book_mirror")),
	}
}

// Offer queues snap without blocking. It is dropped when the queue is full.
func (m *Mirror) Offer(snap domain.OrderbookSnapshot) {
	select {
	case m.queue <- snap:
	default:
	}
}

// Run writes queued snapshots until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	m.logger.Info("book mirror started")
	defer m.logger.Info("book mirror stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap := <-m.queue:
			latest := map[string]domain.OrderbookSnapshot{snap.AssetID: snap}
			m.drain(latest)
			for _, s := range latest {
				if err := m.sink.SetSnapshot(ctx, s); err != nil {
					m.logger.Debug("mirror write failed",
						slog.String("asset_id", s.AssetID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// drain collapses everything queued right now into latest.
func (m *Mirror) drain(latest map[string]domain.OrderbookSnapshot) {
	for {
		select {
		case s := <-m.queue:
			latest[s.AssetID] = s
		default:
			return
		}
	}
}
