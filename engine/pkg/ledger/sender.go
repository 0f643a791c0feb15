package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/disburser/utils/pkg/retry"
)

// ErrConfirmTimeout is returned when a transaction is not observed as
// confirmed within the confirmation window. It is retryable.
var ErrConfirmTimeout = errors.New("transaction was not confirmed before timeout")

type SenderConfig struct {
	Logger *slog.Logger
	Client Client
	Clock  clockwork.Clock
	Signer solana.PrivateKey

	Retry            retry.Config
	ConfirmTimeout   time.Duration
	PollInterval     time.Duration
	ComputeUnitLimit uint32
	PriorityFeeFloor uint64 // microlamports per compute unit
}

func (cfg *SenderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Signer == nil {
		return errors.New("signer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	cfg.Retry.Clock = cfg.Clock
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 45 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ComputeUnitLimit == 0 {
		cfg.ComputeUnitLimit = 600_000
	}
	if cfg.PriorityFeeFloor == 0 {
		cfg.PriorityFeeFloor = 10_000
	}
	return nil
}

// Sender owns the submit/confirm/retry protocol shared by every component
// that writes to the ledger. Each attempt attaches a fresh blockhash, and a
// signature-status lookup guards against resubmitting a transaction that
// already confirmed.
type Sender struct {
	log *slog.Logger
	cfg SenderConfig
}

func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sender{log: cfg.Logger, cfg: cfg}, nil
}

// Authority returns the public key transactions are signed and paid with.
func (s *Sender) Authority() solana.PublicKey {
	return s.cfg.Signer.PublicKey()
}

// PriorityFee returns the median of recent network prioritization fee samples
// in microlamports, or the configured floor when the samples are missing or
// all zero.
func (s *Sender) PriorityFee(ctx context.Context) uint64 {
	fees, err := s.cfg.Client.GetRecentPrioritizationFees(ctx)
	if err != nil {
		s.log.Debug("ledger: priority fee sampling failed, using floor", "error", err, "floor", s.cfg.PriorityFeeFloor)
		return s.cfg.PriorityFeeFloor
	}
	if len(fees) == 0 {
		return s.cfg.PriorityFeeFloor
	}
	sorted := make([]uint64, len(fees))
	copy(sorted, fees)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]
	if median == 0 {
		return s.cfg.PriorityFeeFloor
	}
	return median
}

// SendOpts controls per-transaction budget parameters. A nil opts sends
// without a compute-budget prelude.
type SendOpts struct {
	PriorityFee uint64
}

// Send builds a transaction from the given instructions, signs it and drives
// it to confirmation, retrying with backoff on transient failures.
func (s *Sender) Send(ctx context.Context, instructions []solana.Instruction, opts *SendOpts) (solana.Signature, error) {
	if len(instructions) == 0 {
		return solana.Signature{}, errors.New("no instructions to send")
	}

	ixs := instructions
	if opts != nil {
		prelude := []solana.Instruction{
			computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).Build(),
			computebudget.NewSetComputeUnitPriceInstruction(opts.PriorityFee).Build(),
		}
		ixs = append(prelude, instructions...)
	}

	var lastSig solana.Signature
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		// A previous attempt may have landed even though confirmation timed
		// out. Check before resubmitting to avoid paying twice.
		if !lastSig.IsZero() && s.confirmedWithoutError(ctx, lastSig) {
			s.log.Debug("ledger: previous attempt already confirmed", "signature", lastSig.String())
			return nil
		}

		blockhash, err := s.cfg.Client.GetLatestBlockhash(ctx)
		if err != nil {
			return err
		}

		tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(s.Authority()))
		if err != nil {
			return fmt.Errorf("failed to build transaction: %w", err)
		}
		if err := s.sign(tx); err != nil {
			return err
		}

		sig, err := s.cfg.Client.SendTransaction(ctx, tx)
		if err != nil {
			return err
		}
		lastSig = sig

		return s.confirm(ctx, sig)
	})
	if err != nil {
		// The last attempt may have landed just after its confirmation window
		// closed. Without a terminal status check the caller would treat a
		// paid transaction as failed and could submit it again.
		if !lastSig.IsZero() && s.confirmedWithoutError(ctx, lastSig) {
			s.log.Debug("ledger: transaction confirmed after retries were exhausted", "signature", lastSig.String())
			return lastSig, nil
		}
		return lastSig, err
	}
	return lastSig, nil
}

// SendPrebuilt signs and submits a transaction constructed elsewhere (e.g. a
// swap-router payload) and drives it to confirmation. The transaction is
// resubmitted as-is on retry since its blockhash is owned by the builder.
func (s *Sender) SendPrebuilt(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := s.sign(tx); err != nil {
		return solana.Signature{}, err
	}

	var lastSig solana.Signature
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		if !lastSig.IsZero() && s.confirmedWithoutError(ctx, lastSig) {
			return nil
		}

		sig, err := s.cfg.Client.SendTransaction(ctx, tx)
		if err != nil {
			return err
		}
		lastSig = sig

		return s.confirm(ctx, sig)
	})
	if err != nil {
		if !lastSig.IsZero() && s.confirmedWithoutError(ctx, lastSig) {
			s.log.Debug("ledger: transaction confirmed after retries were exhausted", "signature", lastSig.String())
			return lastSig, nil
		}
		return lastSig, err
	}
	return lastSig, nil
}

// confirmedWithoutError reports whether sig is observed on the ledger as
// confirmed and free of execution errors.
func (s *Sender) confirmedWithoutError(ctx context.Context, sig solana.Signature) bool {
	status, err := s.cfg.Client.GetSignatureStatus(ctx, sig)
	return err == nil && status.Confirmed && status.Err == nil
}

func (s *Sender) sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.Authority()) {
			return &s.cfg.Signer
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

func (s *Sender) confirm(ctx context.Context, sig solana.Signature) error {
	deadline := s.cfg.Clock.Now().Add(s.cfg.ConfirmTimeout)
	for {
		status, err := s.cfg.Client.GetSignatureStatus(ctx, sig)
		if err != nil {
			s.log.Debug("ledger: signature status poll failed", "signature", sig.String(), "error", err)
		} else {
			if status.Err != nil {
				return status.Err
			}
			if status.Confirmed {
				return nil
			}
		}

		if !s.cfg.Clock.Now().Before(deadline) {
			return fmt.Errorf("%w: %s", ErrConfirmTimeout, sig.String())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.PollInterval):
		}
	}
}
