// Package engine sequences one distribution cycle: harvest withheld fees,
// gate on USD value, swap into the cycle's payout asset, compute shares and
// dispatch holder transfers. The carry accumulator and the payout-asset
// cursor are the only state that crosses cycle boundaries.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/disburser/engine/pkg/dispatch"
	"github.com/malbeclabs/disburser/engine/pkg/holders"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/metrics"
	"github.com/malbeclabs/disburser/engine/pkg/price"
	"github.com/malbeclabs/disburser/engine/pkg/shares"
	"github.com/malbeclabs/disburser/engine/pkg/swap"
)

// Harvester reports the exact amount of withheld fees moved into the engine's
// account this round.
type Harvester interface {
	Harvest(ctx context.Context) (uint64, error)
}

// Swapper converts the pool into the payout asset and splits the verified
// proceeds.
type Swapper interface {
	Execute(ctx context.Context, amount uint64, asset dispatch.Asset) (swap.Proceeds, error)
}

// Dispatcher pays the computed holder shares.
type Dispatcher interface {
	Dispatch(ctx context.Context, asset dispatch.Asset, transfers []dispatch.Transfer) dispatch.Resultset
}

// Outcome classifies how a cycle ended.
type Outcome string

const (
	OutcomeSkippedBelowThreshold Outcome = "skipped_below_threshold"
	OutcomeDistributed           Outcome = "distributed"
	OutcomeFailedPartial         Outcome = "failed_partial"
)

// State is the cross-cycle state: the under-threshold carry in fee-mint
// smallest units, and the round-robin payout-asset cursor.
type State struct {
	Carry        uint64 `json:"carry"`
	PayoutCursor int    `json:"payout_cursor"`
}

// Result is the structured outcome of one cycle.
type Result struct {
	ID          uuid.UUID `json:"id"`
	Outcome     Outcome   `json:"outcome"`
	Withdrawn   uint64    `json:"withdrawn"`
	Pool        uint64    `json:"pool"`
	USDValue    float64   `json:"usd_value"`
	PayoutAsset string    `json:"payout_asset"`
	Received    uint64    `json:"received"`
	HolderPool  uint64    `json:"holder_pool"`
	Treasury    uint64    `json:"treasury"`
	Paid        int       `json:"paid"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	CompletedAt time.Time `json:"completed_at"`
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Client     ledger.Client
	Harvester  Harvester
	Oracle     price.Oracle
	Swapper    Swapper
	Dispatcher Dispatcher
	Holders    holders.Source

	// Mint is the fee mint; its supply is the share denominator. MintDecimals
	// is used for the USD valuation; zero means a whole-unit mint.
	Mint         solana.PublicKey
	MintDecimals uint8

	// PayoutAssets is the rotating payout list; one asset is selected per
	// cycle by the state's cursor.
	PayoutAssets []dispatch.Asset

	// ThresholdUSD gates whether a cycle distributes or carries forward.
	ThresholdUSD float64

	// MinHolderUSD skips holders whose fee-mint balance values below this.
	MinHolderUSD float64

	// FallbackPriceUSD is used when the oracle fails and no previous price is
	// known. The gate must never abort a cycle on a price-fetch failure.
	FallbackPriceUSD float64

	// FloorToOneUnit lifts zero shares to one smallest unit.
	FloorToOneUnit bool

	PageLimit int
	Interval  time.Duration

	InitialState State
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Harvester == nil {
		return errors.New("harvester is required")
	}
	if cfg.Oracle == nil {
		return errors.New("price oracle is required")
	}
	if cfg.Swapper == nil {
		return errors.New("swapper is required")
	}
	if cfg.Dispatcher == nil {
		return errors.New("dispatcher is required")
	}
	if cfg.Holders == nil {
		return errors.New("holder source is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if len(cfg.PayoutAssets) == 0 {
		return errors.New("at least one payout asset is required")
	}
	if cfg.InitialState.PayoutCursor < 0 {
		return errors.New("initial payout cursor must not be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ThresholdUSD <= 0 {
		cfg.ThresholdUSD = 50.0
	}
	if cfg.MinHolderUSD < 0 {
		cfg.MinHolderUSD = 0
	}
	if cfg.FallbackPriceUSD <= 0 {
		cfg.FallbackPriceUSD = 0.00001
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return nil
}

// Engine owns the cycle loop. RunCycle is safe to call directly; the Start
// loop serializes scheduled cycles with a mutex so an overrunning cycle
// delays the next tick instead of overlapping it.
type Engine struct {
	log *slog.Logger
	cfg Config

	runMu sync.Mutex

	mu         sync.RWMutex
	state      State
	lastResult *Result
	started    bool
	lastPrice  float64
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:   cfg.Logger,
		cfg:   cfg,
		state: cfg.InitialState,
	}, nil
}

// Start launches the scheduler loop. The first cycle runs immediately, then
// on every interval tick until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	go func() {
		e.log.Info("engine: scheduler started", "interval", e.cfg.Interval.String())
		e.runScheduled(ctx)

		ticker := e.cfg.Clock.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				e.log.Info("engine: scheduler stopped")
				return
			case <-ticker.Chan():
				e.runScheduled(ctx)
			}
		}
	}()
}

func (e *Engine) runScheduled(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.RLock()
	state := e.state
	e.mu.RUnlock()

	next, result, err := e.RunCycle(ctx, state)
	if err != nil {
		// The cycle reports per-stage failures through the Result; an error
		// here is unexpected but must never take the scheduler down.
		e.log.Error("engine: cycle failed", "error", err)
		return
	}

	e.mu.Lock()
	e.state = next
	e.lastResult = &result
	e.mu.Unlock()
}

// Status is what the ops server exposes.
type Status struct {
	Started    bool    `json:"started"`
	State      State   `json:"state"`
	LastResult *Result `json:"last_result,omitempty"`
}

func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{Started: e.started, State: e.state, LastResult: e.lastResult}
}

// RunCycle executes one harvest→gate→swap→distribute pass. The payout cursor
// advances exactly once regardless of outcome; the carry survives only a
// below-threshold skip — once the gate passes, the distribution attempt
// consumes it whether or not every transfer lands.
func (e *Engine) RunCycle(ctx context.Context, state State) (State, Result, error) {
	result := Result{ID: uuid.New()}
	log := e.log.With("cycle", result.ID.String())

	// State may come from a caller rather than the scheduler loop, so the
	// cursor is normalized into range, negative values included.
	cursor := state.PayoutCursor % len(e.cfg.PayoutAssets)
	if cursor < 0 {
		cursor += len(e.cfg.PayoutAssets)
	}
	asset := e.cfg.PayoutAssets[cursor]
	next := State{PayoutCursor: (cursor + 1) % len(e.cfg.PayoutAssets)}
	result.PayoutAsset = assetName(asset)

	log.Info("engine: cycle started",
		"carry", state.Carry, "payout_asset", result.PayoutAsset, "cursor", cursor)

	start := e.cfg.Clock.Now()
	withdrawn, err := e.cfg.Harvester.Harvest(ctx)
	metrics.CycleStageDuration.WithLabelValues("harvest").Observe(e.cfg.Clock.Since(start).Seconds())
	if err != nil {
		log.Error("engine: harvest failed, continuing with zero withdrawn", "error", err)
		withdrawn = 0
	}
	result.Withdrawn = withdrawn
	metrics.WithdrawnAmount.Add(float64(withdrawn))

	result.Pool = state.Carry + withdrawn
	if result.Pool == 0 {
		log.Info("engine: nothing to distribute")
		result.Outcome = OutcomeSkippedBelowThreshold
		return e.finish(next, result, log)
	}

	priceUSD := e.currentPrice(ctx, log)
	result.USDValue = float64(result.Pool) / math.Pow10(int(e.cfg.MintDecimals)) * priceUSD
	if result.USDValue < e.cfg.ThresholdUSD {
		log.Info("engine: pool below threshold, carrying forward",
			"pool", result.Pool, "usd_value", result.USDValue, "threshold", e.cfg.ThresholdUSD)
		result.Outcome = OutcomeSkippedBelowThreshold
		next.Carry = result.Pool
		return e.finish(next, result, log)
	}

	start = e.cfg.Clock.Now()
	proceeds, err := e.cfg.Swapper.Execute(ctx, result.Pool, asset)
	metrics.CycleStageDuration.WithLabelValues("swap").Observe(e.cfg.Clock.Since(start).Seconds())
	if err != nil {
		log.Error("engine: swap failed, nothing distributed this cycle", "error", err)
		result.Outcome = OutcomeFailedPartial
		return e.finish(next, result, log)
	}
	result.Received = proceeds.Received
	result.HolderPool = proceeds.HolderPool
	result.Treasury = proceeds.Treasury
	metrics.SwapReceivedAmount.Add(float64(proceeds.Received))

	transfers, err := e.holderTransfers(ctx, proceeds.HolderPool, priceUSD)
	if err != nil {
		log.Error("engine: holder share computation failed, holder pool not distributed", "error", err)
		result.Outcome = OutcomeFailedPartial
		return e.finish(next, result, log)
	}

	start = e.cfg.Clock.Now()
	rs := e.cfg.Dispatcher.Dispatch(ctx, asset, transfers)
	metrics.CycleStageDuration.WithLabelValues("dispatch").Observe(e.cfg.Clock.Since(start).Seconds())

	result.Paid = len(rs.Succeeded)
	result.Skipped = len(rs.Skipped)
	result.Failed = len(rs.Failed)
	metrics.TransfersTotal.WithLabelValues("succeeded").Add(float64(result.Paid))
	metrics.TransfersTotal.WithLabelValues("skipped").Add(float64(result.Skipped))
	metrics.TransfersTotal.WithLabelValues("failed").Add(float64(result.Failed))

	if result.Failed > 0 {
		result.Outcome = OutcomeFailedPartial
	} else {
		result.Outcome = OutcomeDistributed
	}
	return e.finish(next, result, log)
}

func (e *Engine) finish(next State, result Result, log *slog.Logger) (State, Result, error) {
	result.CompletedAt = e.cfg.Clock.Now()
	metrics.CyclesTotal.WithLabelValues(string(result.Outcome)).Inc()
	metrics.CarryAmount.Set(float64(next.Carry))
	metrics.PayoutCursor.Set(float64(next.PayoutCursor))

	log.Info("engine: cycle finished",
		"outcome", string(result.Outcome), "pool", result.Pool, "usd_value", result.USDValue,
		"received", result.Received, "paid", result.Paid, "skipped", result.Skipped,
		"failed", result.Failed, "carry_out", next.Carry)
	return next, result, nil
}

// currentPrice returns the oracle price, falling back to the last known price
// and then to the configured fallback. Price failures never abort a cycle.
func (e *Engine) currentPrice(ctx context.Context, log *slog.Logger) float64 {
	p, err := e.cfg.Oracle.USDPrice(ctx, e.cfg.Mint)
	if err == nil {
		e.mu.Lock()
		e.lastPrice = p
		e.mu.Unlock()
		return p
	}

	e.mu.RLock()
	last := e.lastPrice
	e.mu.RUnlock()
	if last > 0 {
		log.Warn("engine: price fetch failed, using last known price", "price", last, "error", err)
		return last
	}
	log.Warn("engine: price fetch failed, using fallback price", "price", e.cfg.FallbackPriceUSD, "error", err)
	return e.cfg.FallbackPriceUSD
}

func (e *Engine) holderTransfers(ctx context.Context, holderPool uint64, priceUSD float64) ([]dispatch.Transfer, error) {
	if holderPool == 0 {
		return nil, nil
	}

	var hs []holders.Holder
	for offset := 0; ; {
		page, err := e.cfg.Holders.ListPage(ctx, offset, e.cfg.PageLimit)
		if err != nil {
			return nil, err
		}
		hs = append(hs, page...)
		if len(page) < e.cfg.PageLimit {
			break
		}
		offset += len(page)
	}

	supply, err := e.cfg.Client.GetTokenSupply(ctx, e.cfg.Mint)
	if err != nil {
		return nil, err
	}

	ss, err := shares.Compute(hs, holderPool, supply, shares.Policy{
		MinHolderUSD:   e.cfg.MinHolderUSD,
		TokenPriceUSD:  priceUSD,
		Decimals:       e.cfg.MintDecimals,
		FloorToOneUnit: e.cfg.FloorToOneUnit,
	})
	if err != nil {
		return nil, err
	}

	transfers := make([]dispatch.Transfer, 0, len(ss))
	for _, s := range ss {
		transfers = append(transfers, dispatch.Transfer{Holder: s.Holder.Owner, Amount: s.Amount})
	}
	return transfers, nil
}

func assetName(asset dispatch.Asset) string {
	if asset.Native {
		return "SOL"
	}
	return asset.Mint.String()
}
