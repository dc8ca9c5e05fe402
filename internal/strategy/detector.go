package strategy

import (
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// DetectorConfig controls flash crash detection.
type DetectorConfig struct {
	// Threshold is the absolute probability drop that counts as a crash.
	Threshold float64
	Lookback  time.Duration
	// Cooldown suppresses repeat events per asset side. Zero means Lookback.
	Cooldown time.Duration
}

// dropEpsilon absorbs float error so a drop equal to the threshold never
// fires.
const dropEpsilon = 1e-9

// pricePoint records a single mid observation at a point in time.
type pricePoint struct {
	price float64
	at    time.Time
}

type seriesKey struct {
	assetID string
	side    domain.Side
}

type series struct {
	points    []pricePoint
	epoch     uint64
	lastFired time.Time
}

// Detector keeps a sliding window of mids per asset side and reports a
// DropEvent when the newest mid sits more than Threshold below the window
// maximum. It is owned by the decision task and not safe for concurrent use.
type Detector struct {
	cfg    DetectorConfig
	series map[seriesKey]*series
}

// NewDetector creates a Detector.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = cfg.Lookback
	}
	return &Detector{
		cfg:    cfg,
		series: make(map[seriesKey]*series),
	}
}

// Observe records s and reports whether it completes a flash crash.
func (d *Detector) Observe(s domain.MidPriceSample) (domain.DropEvent, bool) {
	if s.Mid <= 0 {
		return domain.DropEvent{}, false
	}
	key := seriesKey{assetID: s.AssetID, side: s.Side}
	ser, ok := d.series[key]
	if !ok {
		ser = &series{epoch: s.Epoch}
		d.series[key] = ser
	}
	// A rebuilt book starts a new window.
	if ser.epoch != s.Epoch {
		ser.points = ser.points[:0]
		ser.epoch = s.Epoch
	}

	ser.points = append(ser.points, pricePoint{price: s.Mid, at: s.Timestamp})
	ser.trim(s.Timestamp.Add(-d.cfg.Lookback))

	n := len(ser.points)
	if n < 2 {
		return domain.DropEvent{}, false
	}
	peak := ser.points[0].price
	for _, p := range ser.points[1 : n-1] {
		if p.price > peak {
			peak = p.price
		}
	}
	drop := peak - s.Mid
	if drop <= d.cfg.Threshold+dropEpsilon {
		return domain.DropEvent{}, false
	}
	if !ser.lastFired.IsZero() && s.Timestamp.Sub(ser.lastFired) < d.cfg.Cooldown {
		return domain.DropEvent{}, false
	}
	ser.lastFired = s.Timestamp

	return domain.DropEvent{
		AssetID:        s.AssetID,
		Side:           s.Side,
		Drop:           drop,
		ReferencePrice: peak,
		TriggerPrice:   s.Mid,
		Timestamp:      s.Timestamp,
	}, true
}

// Reset clears the windows of assetID. Cooldowns are kept.
func (d *Detector) Reset(assetID string) {
	for key, ser := range d.series {
		if key.assetID == assetID {
			ser.points = ser.points[:0]
		}
	}
}

// ResetAll forgets every window and cooldown.
func (d *Detector) ResetAll() {
	clear(d.series)
}

// WindowLen returns the number of samples held for an asset side.
func (d *Detector) WindowLen(assetID string, side domain.Side) int {
	if ser, ok := d.series[seriesKey{assetID: assetID, side: side}]; ok {
		return len(ser.points)
	}
	return 0
}

// trim removes points older than cutoff.
func (s *series) trim(cutoff time.Time) {
	i := 0
	for i < len(s.points) && s.points[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.points = append(s.points[:0], s.points[i:]...)
	}
}
