package executor

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// PaperConfig is the realistic paper fill model.
type PaperConfig struct {
	// Realistic false fills every request in full at the requested price
	// with no fee.
	Realistic       bool
	NoFillProb      float64
	PartialFillMin  float64
	PartialFillMax  float64
	SlippageBps     float64
	TakerFeeBps     float64
	LiquidityUSDCap float64
}

// DefaultPaperConfig returns the conservative defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Realistic:       true,
		NoFillProb:      0.08,
		PartialFillMin:  0.35,
		PartialFillMax:  0.95,
		SlippageBps:     80,
		TakerFeeBps:     60,
		LiquidityUSDCap: 40,
	}
}

// PaperSimulator implements domain.Executor by simulating fills. All
// randomness comes from one seeded PCG stream whose state can be saved and
// restored, so a resumed session continues the same sequence of draws.
type PaperSimulator struct {
	cfg PaperConfig
	now func() time.Time

	mu  sync.Mutex
	pcg *rand.PCG
	rng *rand.Rand
}

// NewPaperSimulator creates a simulator seeded with seed.
func NewPaperSimulator(cfg PaperConfig, seed uint64) *PaperSimulator {
	pcg := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return &PaperSimulator{
		cfg: cfg,
		now: time.Now,
		pcg: pcg,
		rng: rand.New(pcg),
	}
}

// WithClock overrides the fill timestamp source.
func (p *PaperSimulator) WithClock(now func() time.Time) *PaperSimulator {
	p.now = now
	return p
}

// State returns the marshalled PRNG state.
func (p *PaperSimulator) State() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, _ := p.pcg.MarshalBinary() // never fails for PCG
	return b
}

// Restore resets the PRNG to a state produced by State.
func (p *PaperSimulator) Restore(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pcg.UnmarshalBinary(state); err != nil {
		return fmt.Errorf("executor/paper: restore rng: %w", err)
	}
	return nil
}

// Submit simulates req. Steps, in order: no-fill draw, liquidity cap,
// partial-fill draw, slippage against the trader, taker fee, and for buys a
// scale-down so cost plus fee never exceeds req.Bankroll.
func (p *PaperSimulator) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.Fill, error) {
	if err := ctx.Err(); err != nil {
		return domain.Fill{}, err
	}
	if req.Price <= 0 || req.Size <= 0 {
		return domain.NoFill(req, "blocked: size<=0", p.now()), nil
	}
	buy := req.Direction == domain.OrderSideBuy
	bankroll := req.Bankroll.InexactFloat64()
	if buy && bankroll <= 0 {
		return domain.NoFill(req, "blocked: bankroll<=0", p.now()), nil
	}

	if !p.cfg.Realistic {
		size := req.Size
		if buy && size*req.Price > bankroll {
			size = bankroll / req.Price
		}
		return p.fill(req, size, req.Price, 0, 0), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rng.Float64() < p.cfg.NoFillProb {
		return domain.NoFill(req, "no_fill", p.now()), nil
	}

	size := req.Size
	if p.cfg.LiquidityUSDCap > 0 {
		size = math.Min(size, p.cfg.LiquidityUSDCap/math.Max(req.Price, 1e-9))
	}
	if size <= 0 {
		return domain.NoFill(req, "blocked: liq_cap", p.now()), nil
	}

	lo, hi := p.cfg.PartialFillMin, p.cfg.PartialFillMax
	size *= lo + (hi-lo)*p.rng.Float64()

	slip := p.cfg.SlippageBps / 10000
	price := req.Price * (1 + slip)
	if !buy {
		price = req.Price * (1 - slip)
	}

	fee := size * price * p.cfg.TakerFeeBps / 10000
	if buy {
		if cost := size*price + fee; cost > bankroll {
			size *= bankroll / cost
			fee = size * price * p.cfg.TakerFeeBps / 10000
		}
	}
	if size <= 0 {
		return domain.NoFill(req, "blocked: size<=0", p.now()), nil
	}
	return p.fill(req, size, price, fee, p.cfg.SlippageBps), nil
}

// CancelAll is a no-op: simulated orders never rest.
func (p *PaperSimulator) CancelAll(context.Context) error { return nil }

func (p *PaperSimulator) fill(req domain.ExecutionRequest, size, price, fee, slipBps float64) domain.Fill {
	outcome := domain.FillFull
	if size < req.Size*(1-1e-9) {
		outcome = domain.FillPartial
	}
	return domain.Fill{
		RequestID:      req.ID,
		RequestedPrice: req.Price,
		RequestedSize:  req.Size,
		Price:          price,
		Size:           size,
		FeeUSD:         fee,
		SlippageBps:    slipBps,
		Outcome:        outcome,
		Reason:         "filled",
		FilledAt:       p.now(),
	}
}

var _ domain.Executor = (*PaperSimulator)(nil)
