package polymarket

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexStrings unmarshals either a JSON array of strings or a string holding
// a JSON-encoded array, which is how Gamma ships outcomes and token ids.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*f = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		*f = nil
		return nil
	}
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		return fmt.Errorf("decode embedded list %q: %w", s, err)
	}
	*f = list
	return nil
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID              string      `json:"id"`
	Question        string      `json:"question"`
	ConditionID     string      `json:"conditionId"`
	Slug            string      `json:"slug"`
	Active          flexBool    `json:"active"`
	Closed          flexBool    `json:"closed"`
	AcceptingOrders flexBool    `json:"acceptingOrders"`
	Outcomes        flexStrings `json:"outcomes"`
	OutcomePrices   flexStrings `json:"outcomePrices"`
	ClobTokenIDs    flexStrings `json:"clobTokenIds"`
	StartDate       string      `json:"eventStartTime"`
	EndDate         string      `json:"endDate"`
}

// ToInstrument maps outcome labels to token ids. windowStart is the slug
// timestamp, which is authoritative for the window bounds.
func (m *APIMarket) ToInstrument(coin string, intervalMinutes int, windowStart time.Time) (domain.Instrument, error) {
	inst := domain.Instrument{
		Coin:            coin,
		IntervalMinutes: intervalMinutes,
		Slug:            m.Slug,
		ConditionID:     m.ConditionID,
		Question:        m.Question,
		WindowStart:     windowStart,
		WindowEnd:       windowStart.Add(time.Duration(intervalMinutes) * time.Minute),
	}

	outcomes := []string(m.Outcomes)
	if len(outcomes) == 0 {
		outcomes = []string{"Up", "Down"}
	}
	for i, label := range outcomes {
		if i >= len(m.ClobTokenIDs) {
			break
		}
		side, err := domain.ParseSide(label)
		if err != nil {
			continue
		}
		if side == domain.SideUp {
			inst.UpTokenID = m.ClobTokenIDs[i]
		} else {
			inst.DownTokenID = m.ClobTokenIDs[i]
		}
	}
	if inst.UpTokenID == "" || inst.DownTokenID == "" {
		return domain.Instrument{}, fmt.Errorf("market %s: missing up/down token ids", m.Slug)
	}

	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil && t.After(windowStart) {
			inst.WindowEnd = t
		}
	}
	return inst, nil
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope identifies the event type of a single market channel message.
type wsEnvelope struct {
	MsgType   string `json:"msg_type"`
	EventType string `json:"event_type"`
}

func (e wsEnvelope) kind() string {
	if e.EventType != "" {
		return e.EventType
	}
	return e.MsgType
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Buys      []WSPriceLevel `json:"buys"`
	Sells     []WSPriceLevel `json:"sells"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage is an incremental orderbook update. The current API
// batches levels in PriceChanges; older servers send one flat level.
type PriceChangeMessage struct {
	AssetID      string            `json:"asset_id"`
	Market       string            `json:"market"`
	Side         string            `json:"side"`
	Price        string            `json:"price"`
	Size         string            `json:"size"`
	Changes      []PriceChangeItem `json:"changes"`
	PriceChanges []PriceChangeItem `json:"price_changes"`
	Timestamp    string            `json:"timestamp"`
}

// PriceChangeItem is one level inside a batched price_change message.
type PriceChangeItem struct {
	AssetID string `json:"asset_id"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Price   string `json:"price"`
	Size    string `json:"size"` // "0" means level removed
}

// PriceMessage represents the most recent trade price for an asset.
type PriceMessage struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// MarketCommand is the JSON payload sent to the market channel to subscribe
// or unsubscribe asset ids.
type MarketCommand struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type"`      // always "market"
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// NewSubscribe builds a subscribe command for ids.
func NewSubscribe(ids []string) MarketCommand {
	return MarketCommand{AssetIDs: ids, Type: "market", Operation: "subscribe"}
}

// NewUnsubscribe builds an unsubscribe command for ids.
func NewUnsubscribe(ids []string) MarketCommand {
	return MarketCommand{AssetIDs: ids, Type: "market", Operation: "unsubscribe"}
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

func parseLevels(levels []WSPriceLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		p, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl.Price, err)
		}
		s, err := strconv.ParseFloat(lvl.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", lvl.Size, err)
		}
		if p < 0 || s < 0 {
			return nil, fmt.Errorf("negative level %s@%s", lvl.Size, lvl.Price)
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339 and falls
// back to the receive time.
func parseTimestamp(raw string, received time.Time) time.Time {
	if raw == "" {
		return received
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return received
}

// BookToDomainSnapshot converts a BookMessage to an unsorted
// domain.OrderbookSnapshot. Best prices are derived by the book cache.
func BookToDomainSnapshot(b *BookMessage, received time.Time) (domain.OrderbookSnapshot, error) {
	bids, asks := b.Bids, b.Asks
	if len(bids) == 0 && len(asks) == 0 {
		bids, asks = b.Buys, b.Sells
	}
	snap := domain.OrderbookSnapshot{
		AssetID:   b.AssetID,
		Timestamp: parseTimestamp(b.Timestamp, received),
	}
	if b.AssetID == "" {
		return snap, fmt.Errorf("book without asset_id")
	}
	var err error
	if snap.Bids, err = parseLevels(bids); err != nil {
		return snap, fmt.Errorf("book %s bids: %w", b.AssetID, err)
	}
	if snap.Asks, err = parseLevels(asks); err != nil {
		return snap, fmt.Errorf("book %s asks: %w", b.AssetID, err)
	}
	return snap, nil
}

// PriceChangesToDomain flattens a PriceChangeMessage into level updates.
func PriceChangesToDomain(p *PriceChangeMessage, received time.Time) ([]domain.PriceChange, error) {
	ts := parseTimestamp(p.Timestamp, received)

	items := p.PriceChanges
	if len(items) == 0 {
		items = p.Changes
	}
	if len(items) == 0 {
		items = []PriceChangeItem{{AssetID: p.AssetID, Side: p.Side, Price: p.Price, Size: p.Size}}
	}

	out := make([]domain.PriceChange, 0, len(items))
	for _, it := range items {
		assetID := it.AssetID
		if assetID == "" {
			assetID = p.AssetID
		}
		if assetID == "" {
			return nil, fmt.Errorf("price_change without asset_id")
		}
		side := strings.ToUpper(it.Side)
		if side != "BUY" && side != "SELL" {
			return nil, fmt.Errorf("price_change %s: unknown side %q", assetID, it.Side)
		}
		price, err := strconv.ParseFloat(it.Price, 64)
		if err != nil {
			return nil, fmt.Errorf("price_change %s price %q: %w", assetID, it.Price, err)
		}
		size, err := strconv.ParseFloat(it.Size, 64)
		if err != nil {
			return nil, fmt.Errorf("price_change %s size %q: %w", assetID, it.Size, err)
		}
		if price < 0 || size < 0 {
			return nil, fmt.Errorf("price_change %s: negative level %s@%s", assetID, it.Size, it.Price)
		}
		out = append(out, domain.PriceChange{
			AssetID:   assetID,
			Side:      side,
			Price:     price,
			Size:      size,
			Timestamp: ts,
		})
	}
	return out, nil
}

// PriceToDomainLastTrade converts a PriceMessage to a domain.LastTradePrice.
func PriceToDomainLastTrade(p *PriceMessage, received time.Time) domain.LastTradePrice {
	ltp := domain.LastTradePrice{
		AssetID:   p.AssetID,
		Timestamp: parseTimestamp(p.Timestamp, received),
	}
	ltp.Price, _ = strconv.ParseFloat(p.Price, 64)
	ltp.Size, _ = strconv.ParseFloat(p.Size, 64)
	return ltp
}
