// Package swap converts a withdrawn fee amount into the cycle's payout asset
// through an external router, verifies the proceeds by balance delta, and
// splits them into a holder pool and a treasury cut.
package swap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/malbeclabs/disburser/engine/pkg/dispatch"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/engine/pkg/swaprouter"
	"github.com/malbeclabs/disburser/engine/pkg/token2022"
)

// ErrSwapVerificationFailed is returned when the payout-asset balance did not
// increase after the swap transaction confirmed. The router's claimed output
// is never trusted; the balance delta is the only ground truth.
var ErrSwapVerificationFailed = errors.New("swap verification failed: no balance increase observed")

// Proceeds is the verified outcome of one swap-and-split round, in smallest
// units of the payout asset.
type Proceeds struct {
	Received     uint64
	HolderPool   uint64
	Treasury     uint64
	TreasuryPaid bool
}

type SettlementConfig struct {
	Logger   *slog.Logger
	Client   ledger.Client
	Sender   *ledger.Sender
	Router   swaprouter.Router
	Resolver *settle.Resolver

	// InputMint is the asset being sold, i.e. the harvested fee mint.
	InputMint solana.PublicKey

	// Treasury receives the non-holder fraction. Zero disables the payout.
	Treasury solana.PublicKey

	// HolderBps is the holder-pool fraction in basis points.
	HolderBps   int
	SlippageBps int
}

func (cfg *SettlementConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Sender == nil {
		return errors.New("sender is required")
	}
	if cfg.Router == nil {
		return errors.New("swap router is required")
	}
	if cfg.Resolver == nil {
		return errors.New("settlement account resolver is required")
	}
	if cfg.InputMint.IsZero() {
		return errors.New("input mint is required")
	}
	if cfg.HolderBps <= 0 || cfg.HolderBps > 10_000 {
		cfg.HolderBps = 8000
	}
	if cfg.SlippageBps <= 0 {
		cfg.SlippageBps = 100
	}
	return nil
}

type Settlement struct {
	log *slog.Logger
	cfg SettlementConfig
}

func NewSettlement(cfg SettlementConfig) (*Settlement, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Settlement{log: cfg.Logger, cfg: cfg}, nil
}

// Execute sells amount of the input mint for the payout asset, verifies the
// proceeds, splits them and pays the treasury cut. The treasury transfer is
// best-effort: its failure is logged, not returned.
func (s *Settlement) Execute(ctx context.Context, amount uint64, asset dispatch.Asset) (Proceeds, error) {
	if amount == 0 {
		return Proceeds{}, errors.New("swap amount must be greater than 0")
	}

	before, err := s.payoutBalance(ctx, asset)
	if err != nil {
		return Proceeds{}, err
	}

	outputMint := asset.Mint
	if asset.Native {
		outputMint = solana.WrappedSol
	}
	tx, err := s.cfg.Router.SwapTransaction(ctx, s.cfg.InputMint, outputMint, amount, s.cfg.SlippageBps, s.cfg.Sender.Authority())
	if err != nil {
		return Proceeds{}, fmt.Errorf("failed to obtain swap transaction: %w", err)
	}

	sig, err := s.cfg.Sender.SendPrebuilt(ctx, tx)
	if err != nil {
		return Proceeds{}, fmt.Errorf("failed to execute swap: %w", err)
	}

	after, err := s.payoutBalance(ctx, asset)
	if err != nil {
		return Proceeds{}, err
	}
	if after <= before {
		return Proceeds{}, fmt.Errorf("%w (before=%d after=%d signature=%s)",
			ErrSwapVerificationFailed, before, after, sig.String())
	}

	received := after - before
	holderPool := fractionBps(received, uint64(s.cfg.HolderBps))
	proceeds := Proceeds{
		Received:   received,
		HolderPool: holderPool,
		Treasury:   received - holderPool,
	}

	s.log.Info("swap: proceeds verified",
		"received", proceeds.Received, "holder_pool", proceeds.HolderPool,
		"treasury", proceeds.Treasury, "signature", sig.String())

	proceeds.TreasuryPaid = s.payTreasury(ctx, asset, proceeds.Treasury)
	return proceeds, nil
}

// payoutBalance reads the engine's balance of the payout asset. A missing
// token account reads as zero.
func (s *Settlement) payoutBalance(ctx context.Context, asset dispatch.Asset) (uint64, error) {
	if asset.Native {
		balance, err := s.cfg.Client.GetBalance(ctx, s.cfg.Sender.Authority())
		if err != nil {
			return 0, fmt.Errorf("failed to read native balance: %w", err)
		}
		return balance, nil
	}
	ata, err := token2022.FindAssociatedTokenAddress(s.cfg.Sender.Authority(), asset.Mint, asset.TokenProgram)
	if err != nil {
		return 0, err
	}
	balance, err := s.cfg.Client.GetTokenAccountBalance(ctx, ata)
	if err != nil {
		return 0, fmt.Errorf("failed to read payout token balance: %w", err)
	}
	return balance, nil
}

func (s *Settlement) payTreasury(ctx context.Context, asset dispatch.Asset, amount uint64) bool {
	if amount == 0 || s.cfg.Treasury.IsZero() {
		return false
	}

	ix, err := s.treasuryInstruction(ctx, asset, amount)
	if err != nil {
		s.log.Error("swap: treasury payout skipped", "amount", amount, "error", err)
		return false
	}

	fee := s.cfg.Sender.PriorityFee(ctx)
	sig, err := s.cfg.Sender.Send(ctx, []solana.Instruction{ix}, &ledger.SendOpts{PriorityFee: fee})
	if err != nil {
		s.log.Error("swap: treasury payout failed", "amount", amount, "error", err)
		return false
	}
	s.log.Debug("swap: treasury payout confirmed", "amount", amount, "signature", sig.String())
	return true
}

func (s *Settlement) treasuryInstruction(ctx context.Context, asset dispatch.Asset, amount uint64) (solana.Instruction, error) {
	if asset.Native {
		return system.NewTransferInstruction(amount, s.cfg.Sender.Authority(), s.cfg.Treasury).Build(), nil
	}

	source, err := s.cfg.Resolver.Resolve(ctx, s.cfg.Sender.Authority(), asset.Mint, asset.TokenProgram)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source token account: %w", err)
	}
	dest, err := s.cfg.Resolver.Resolve(ctx, s.cfg.Treasury, asset.Mint, asset.TokenProgram)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve treasury token account: %w", err)
	}
	return token2022.NewTransferCheckedInstruction(
		asset.TokenProgram, source, asset.Mint, dest, s.cfg.Sender.Authority(), amount, asset.Decimals)
}

// fractionBps returns floor(amount * bps / 10000) without overflowing.
func fractionBps(amount, bps uint64) uint64 {
	hi, lo := bits.Mul64(amount, bps)
	q, _ := bits.Div64(hi, lo, 10_000)
	return q
}
