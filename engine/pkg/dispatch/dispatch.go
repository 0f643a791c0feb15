// Package dispatch fans a list of per-holder transfers out into bounded
// batches of ledger transactions, confirms them, and runs a single
// individual-retry pass over anything that failed as part of a batch.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/engine/pkg/token2022"
)

// Asset identifies what is being paid out. Native assets transfer lamports
// directly to the holder's wallet; everything else goes through a settlement
// token account resolved per holder.
type Asset struct {
	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
	Decimals     uint8
	Native       bool
}

// Transfer is one holder payout in smallest units.
type Transfer struct {
	Holder solana.PublicKey
	Amount uint64
}

// FailedTransfer is a transfer that survived the batch pass and the
// individual second pass without confirming.
type FailedTransfer struct {
	Transfer
	Reason string
}

// Resultset partitions the dispatched transfers by terminal status. Skipped
// holders failed an eligibility check before any transaction was built.
type Resultset struct {
	Succeeded []Transfer
	Skipped   []Transfer
	Failed    []FailedTransfer
}

type DispatcherConfig struct {
	Logger   *slog.Logger
	Client   ledger.Client
	Sender   *ledger.Sender
	Resolver *settle.Resolver

	// BatchSize is the maximum number of transfer operations packed into one
	// transaction.
	BatchSize int
}

func (cfg *DispatcherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Sender == nil {
		return errors.New("sender is required")
	}
	if cfg.Resolver == nil {
		return errors.New("settlement account resolver is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 6
	}
	return nil
}

type Dispatcher struct {
	log *slog.Logger
	cfg DispatcherConfig
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dispatcher{log: cfg.Logger, cfg: cfg}, nil
}

type pendingTransfer struct {
	transfer    Transfer
	instruction solana.Instruction
}

// Dispatch pays every eligible transfer. Batches that fail after the sender's
// own retries are exploded into individual transactions for exactly one more
// pass; transfers still failing then are dropped with a log line. Dispatch
// itself never returns an error: per-holder outcomes are in the Resultset.
func (d *Dispatcher) Dispatch(ctx context.Context, asset Asset, transfers []Transfer) Resultset {
	var result Resultset

	var source solana.PublicKey
	if !asset.Native {
		var err error
		source, err = d.cfg.Resolver.Resolve(ctx, d.cfg.Sender.Authority(), asset.Mint, asset.TokenProgram)
		if err != nil {
			d.log.Error("dispatch: failed to resolve source token account, failing all transfers",
				"mint", asset.Mint.String(), "error", err)
			for _, t := range transfers {
				result.Failed = append(result.Failed, FailedTransfer{Transfer: t, Reason: err.Error()})
			}
			return result
		}
	}

	pending := make([]pendingTransfer, 0, len(transfers))
	for _, t := range transfers {
		ix, skipReason, err := d.buildInstruction(ctx, asset, source, t)
		if err != nil {
			result.Failed = append(result.Failed, FailedTransfer{Transfer: t, Reason: err.Error()})
			continue
		}
		if skipReason != "" {
			d.log.Warn("dispatch: skipping ineligible holder",
				"holder", t.Holder.String(), "amount", t.Amount, "reason", skipReason)
			result.Skipped = append(result.Skipped, t)
			continue
		}
		pending = append(pending, pendingTransfer{transfer: t, instruction: ix})
	}

	var retryQueue []pendingTransfer
	for start := 0; start < len(pending); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(pending))
		batch := pending[start:end]

		ixs := make([]solana.Instruction, 0, len(batch))
		for _, p := range batch {
			ixs = append(ixs, p.instruction)
		}

		fee := d.cfg.Sender.PriorityFee(ctx)
		sig, err := d.cfg.Sender.Send(ctx, ixs, &ledger.SendOpts{PriorityFee: fee})
		if err != nil {
			d.log.Warn("dispatch: batch failed, queueing transfers for individual retry",
				"size", len(batch), "error", err)
			retryQueue = append(retryQueue, batch...)
			continue
		}
		d.log.Debug("dispatch: batch confirmed", "size", len(batch), "signature", sig.String())
		for _, p := range batch {
			result.Succeeded = append(result.Succeeded, p.transfer)
		}
	}

	// Second pass: each failed transfer gets exactly one more run through the
	// submit/confirm protocol on its own, then is dropped for good.
	for _, p := range retryQueue {
		fee := d.cfg.Sender.PriorityFee(ctx)
		sig, err := d.cfg.Sender.Send(ctx, []solana.Instruction{p.instruction}, &ledger.SendOpts{PriorityFee: fee})
		if err != nil {
			d.log.Error("dispatch: dropping transfer after individual retry",
				"holder", p.transfer.Holder.String(), "amount", p.transfer.Amount, "error", err)
			result.Failed = append(result.Failed, FailedTransfer{Transfer: p.transfer, Reason: err.Error()})
			continue
		}
		d.log.Debug("dispatch: individual retry confirmed",
			"holder", p.transfer.Holder.String(), "signature", sig.String())
		result.Succeeded = append(result.Succeeded, p.transfer)
	}

	return result
}

// buildInstruction returns the transfer instruction for one holder, or a
// non-empty skip reason when the holder fails an eligibility check.
func (d *Dispatcher) buildInstruction(ctx context.Context, asset Asset, source solana.PublicKey, t Transfer) (solana.Instruction, string, error) {
	if t.Amount == 0 {
		return nil, "zero amount", nil
	}
	if !t.Holder.IsOnCurve() {
		return nil, "holder key is not on the ed25519 curve", nil
	}

	if asset.Native {
		info, err := d.cfg.Client.GetAccountInfo(ctx, t.Holder)
		if err != nil {
			return nil, "", err
		}
		if info != nil && !info.Owner.Equals(solana.SystemProgramID) {
			return nil, "holder account is program-owned", nil
		}
		ix := system.NewTransferInstruction(t.Amount, d.cfg.Sender.Authority(), t.Holder).Build()
		return ix, "", nil
	}

	dest, err := d.cfg.Resolver.Resolve(ctx, t.Holder, asset.Mint, asset.TokenProgram)
	if err != nil {
		// Settlement account resolution failure means the holder cannot be
		// paid this cycle, not that the dispatch failed.
		return nil, "settlement account unavailable: " + err.Error(), nil
	}
	ix, err := token2022.NewTransferCheckedInstruction(
		asset.TokenProgram, source, asset.Mint, dest, d.cfg.Sender.Authority(), t.Amount, asset.Decimals)
	if err != nil {
		return nil, "", err
	}
	return ix, "", nil
}
