// Package balance keeps the side-chain reserve inside a configured band.
//
// The arbiter pays gas and stakes on the side chain but holds its funds
// on the home chain. The reconciler tops the side chain up over the
// relay when the reserve runs low and sweeps the excess back home when
// it overflows. Transfers settle on-chain, so after acting it waits a
// few blocks before it trusts the balances again.
package balance

import (
	"context"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/swarmwatch/arbiter/pkg/events"
	"github.com/swarmwatch/arbiter/pkg/log"
	"github.com/swarmwatch/arbiter/pkg/metrics"
)

const (
	checkInterval = 10 * time.Second

	// Blocks to sit out after a relay transfer before acting again.
	cooldownBlocks = 5

	callTimeout = 30 * time.Second
)

// MarketAPI is the gateway surface the reconciler drives.
type MarketAPI interface {
	Balance(ctx context.Context, kind, chain string) (string, error)
	RelayDeposit(ctx context.Context, amount string) error
	RelayWithdraw(ctx context.Context, amount string) error
}

// Thresholds configures the reserve band, big integers in wei as
// decimal strings. A zero value disables the reconciler.
type Thresholds struct {
	MinSide string
	MaxSide string
	// Refill is deposited on top of the shortfall so the reserve does
	// not hover at the minimum.
	Refill string
}

func (t Thresholds) enabled() bool {
	return t.MinSide != "" && t.MaxSide != ""
}

// Reconciler watches the side-chain balance and moves funds over the
// relay to keep it between MinSide and MaxSide.
type Reconciler struct {
	bus    *events.Bus
	market MarketAPI

	minSide *big.Int
	maxSide *big.Int
	refill  *big.Int

	curBlock       atomic.Uint64
	lastActedBlock atomic.Uint64

	logger zerolog.Logger
}

// New creates the reconciler. It returns an error when the thresholds
// do not parse or do not form a band.
func New(bus *events.Bus, api MarketAPI, t Thresholds) (*Reconciler, error) {
	if !t.enabled() {
		return nil, nil
	}
	minSide, ok := new(big.Int).SetString(t.MinSide, 10)
	if !ok {
		return nil, fmt.Errorf("bad min_side %q", t.MinSide)
	}
	maxSide, ok := new(big.Int).SetString(t.MaxSide, 10)
	if !ok {
		return nil, fmt.Errorf("bad max_side %q", t.MaxSide)
	}
	refill := new(big.Int)
	if t.Refill != "" {
		if refill, ok = new(big.Int).SetString(t.Refill, 10); !ok {
			return nil, fmt.Errorf("bad refill_amount %q", t.Refill)
		}
	}
	if minSide.Cmp(maxSide) >= 0 {
		return nil, fmt.Errorf("min_side %s is not below max_side %s", minSide, maxSide)
	}
	return &Reconciler{
		bus:     bus,
		market:  api,
		minSide: minSide,
		maxSide: maxSide,
		refill:  refill,
		logger:  log.WithComponent("balance"),
	}, nil
}

func (r *Reconciler) Register() {
	r.bus.Subscribe(events.EventBlock, r.onBlock)
	r.bus.Periodic(checkInterval, r.reconcile)
}

func (r *Reconciler) onBlock(ev events.Event) {
	n := ev.(events.Block).Number
	for {
		cur := r.curBlock.Load()
		if n <= cur {
			return
		}
		if r.curBlock.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (r *Reconciler) reconcile() {
	cur := r.curBlock.Load()
	if cur == 0 {
		return
	}
	if last := r.lastActedBlock.Load(); last != 0 && cur-last < cooldownBlocks {
		r.logger.Debug().Uint64("since", cur-last).Msg("Cooling down after transfer")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	side, err := r.balance(ctx, "side")
	if err != nil {
		r.logger.Warn().Err(err).Msg("Side balance unavailable")
		return
	}
	home, err := r.balance(ctx, "home")
	if err != nil {
		r.logger.Warn().Err(err).Msg("Home balance unavailable")
		return
	}
	r.logger.Debug().Str("side", side.String()).Str("home", home.String()).Msg("Balances")

	switch {
	case side.Cmp(r.minSide) < 0:
		// shortfall plus refill so we do not bounce on the minimum
		amount := new(big.Int).Sub(r.minSide, side)
		amount.Add(amount, r.refill)
		if amount.Cmp(home) > 0 {
			r.logger.Error().Str("amount", amount.String()).Str("home", home.String()).
				Msg("Home chain cannot cover side-chain refill")
			return
		}
		r.logger.Info().Str("amount", amount.String()).Msg("Refilling side chain")
		if err := r.market.RelayDeposit(ctx, amount.String()); err != nil {
			r.logger.Error().Err(err).Msg("Relay deposit failed")
			metrics.ErrorsTotal.WithLabelValues("balance").Inc()
			return
		}
		r.lastActedBlock.Store(cur)
		metrics.RelayTransfers.WithLabelValues("deposit").Inc()

	// Sitting exactly on the maximum leaves nothing to move, so only a
	// strict excess triggers a withdraw.
	case side.Cmp(r.maxSide) > 0:
		amount := new(big.Int).Sub(side, r.maxSide)
		r.logger.Info().Str("amount", amount.String()).Msg("Sweeping excess home")
		if err := r.market.RelayWithdraw(ctx, amount.String()); err != nil {
			r.logger.Error().Err(err).Msg("Relay withdraw failed")
			metrics.ErrorsTotal.WithLabelValues("balance").Inc()
			return
		}
		r.lastActedBlock.Store(cur)
		metrics.RelayTransfers.WithLabelValues("withdraw").Inc()
	}
}

func (r *Reconciler) balance(ctx context.Context, chain string) (*big.Int, error) {
	raw, err := r.market.Balance(ctx, "nct", chain)
	if err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("bad balance %q on %s", raw, chain)
	}
	return value, nil
}
