// Package metrics holds the Prometheus collectors the engine updates while it
// runs:
//
//	flashbot_feed_messages_total{type}  feed messages by event type
//	flashbot_feed_reconnects_total      established connections lost
//	flashbot_drop_events_total{side}    flash crashes detected
//	flashbot_trades_total{result}       trades by result (open|win|loss)
//	flashbot_fills_total{outcome}       executor fills by outcome
//	flashbot_bankroll_usd               current cash bankroll
//	flashbot_realized_pnl_usd           cumulative realized P&L
//	flashbot_position_open              1 while a position is open
//	flashbot_events_dropped_total       mid samples dropped on a full queue
//
// Collectors are registered in init() and served by Serve at /metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashbot_feed_messages_total",
			Help: "Feed messages received by event type",
		},
		[]string{"type"},
	)

	feedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashbot_feed_reconnects_total",
			Help: "Established feed connections that were lost",
		},
	)

	dropEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashbot_drop_events_total",
			Help: "Flash crashes detected",
		},
		[]string{"side"}, // up|down
	)

	trades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashbot_trades_total",
			Help: "Trades counted by result (open|win|loss).",
		},
		[]string{"result"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashbot_fills_total",
			Help: "Executor fills by outcome",
		},
		[]string{"outcome"}, // FULL|PARTIAL|NONE|ERROR
	)

	bankroll = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flashbot_bankroll_usd",
			Help: "Cash bankroll in USD",
		},
	)

	realizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flashbot_realized_pnl_usd",
			Help: "Cumulative realized P&L in USD, net of fees",
		},
	)

	positionOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flashbot_position_open",
			Help: "1 while a position is open",
		},
	)

	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flashbot_events_dropped_total",
			Help: "Mid samples discarded because the engine queue was full",
		},
	)
)

func init() {
	prometheus.MustRegister(feedMessages, feedReconnects, dropEvents)
	prometheus.MustRegister(trades, fills)
	prometheus.MustRegister(bankroll, realizedPnL, positionOpen, eventsDropped)
}

func IncFeedMessage(kind string) { feedMessages.WithLabelValues(kind).Inc() }
func IncFeedReconnect()          { feedReconnects.Inc() }
func IncDropEvent(side string)   { dropEvents.WithLabelValues(side).Inc() }
func IncTrade(result string)     { trades.WithLabelValues(result).Inc() }
func IncFill(outcome string)     { fills.WithLabelValues(outcome).Inc() }
func IncEventsDropped()          { eventsDropped.Inc() }
func SetBankroll(v float64)      { bankroll.Set(v) }
func SetRealizedPnL(v float64)   { realizedPnL.Set(v) }

// SetPositionOpen flips the open-position gauge.
func SetPositionOpen(open bool) {
	if open {
		positionOpen.Set(1)
		return
	}
	positionOpen.Set(0)
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
