package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/token2022"
)

// ErrAccountNotObservable is returned when a created settlement account never
// became visible on the ledger within the bounded verification attempts.
var ErrAccountNotObservable = errors.New("settlement account not observable after creation")

type ResolverConfig struct {
	Logger *slog.Logger
	Client ledger.Client
	Sender *ledger.Sender
	Store  Store
	Clock  clockwork.Clock

	// CreateAttempts bounds how many create+verify rounds run before giving
	// up on a holder.
	CreateAttempts int

	// VerifyDelay is the wait between account-observability polls; ledger
	// finality lag means the collaborator's returned address may not be
	// readable immediately.
	VerifyDelay time.Duration
	VerifyPolls int
}

func (cfg *ResolverConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Sender == nil {
		return errors.New("sender is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CreateAttempts <= 0 {
		cfg.CreateAttempts = 3
	}
	if cfg.VerifyDelay <= 0 {
		cfg.VerifyDelay = 2 * time.Second
	}
	if cfg.VerifyPolls <= 0 {
		cfg.VerifyPolls = 5
	}
	return nil
}

// Resolver returns the settlement token account for a holder, creating it on
// the ledger when no valid cached entry exists.
type Resolver struct {
	log *slog.Logger
	cfg ResolverConfig
}

func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Resolver{log: cfg.Logger, cfg: cfg}, nil
}

// Resolve returns a settlement account for owner/mint that is known to exist
// and be owned by tokenProgram. Successful creations are persisted
// write-through so a crash mid-cycle does not lose the paid creation cost.
func (r *Resolver) Resolve(ctx context.Context, owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	cached, ok, err := r.cfg.Store.Get(ctx, owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to read settlement account cache: %w", err)
	}
	if ok {
		valid, err := r.validate(ctx, cached, tokenProgram)
		if err != nil {
			return solana.PublicKey{}, err
		}
		if valid {
			return cached, nil
		}
		r.log.Warn("settle: evicting invalid cached settlement account",
			"owner", owner.String(), "mint", mint.String(), "account", cached.String())
		if err := r.cfg.Store.Delete(ctx, owner, mint); err != nil {
			return solana.PublicKey{}, fmt.Errorf("failed to evict settlement account cache entry: %w", err)
		}
	}

	account, err := r.create(ctx, owner, mint, tokenProgram)
	if err != nil {
		return solana.PublicKey{}, err
	}

	if err := r.cfg.Store.Put(ctx, owner, mint, account); err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to persist settlement account: %w", err)
	}
	return account, nil
}

func (r *Resolver) validate(ctx context.Context, account, tokenProgram solana.PublicKey) (bool, error) {
	info, err := r.cfg.Client.GetAccountInfo(ctx, account)
	if err != nil {
		return false, fmt.Errorf("failed to validate settlement account: %w", err)
	}
	return info != nil && info.Owner.Equals(tokenProgram), nil
}

func (r *Resolver) create(ctx context.Context, owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.CreateAttempts; attempt++ {
		ix, ata, err := token2022.NewCreateAssociatedTokenAccountIdempotentInstruction(
			r.cfg.Sender.Authority(), owner, mint, tokenProgram)
		if err != nil {
			return solana.PublicKey{}, err
		}

		if _, err := r.cfg.Sender.Send(ctx, []solana.Instruction{ix}, nil); err != nil {
			lastErr = err
			r.log.Warn("settle: settlement account creation failed",
				"owner", owner.String(), "attempt", attempt, "error", err)
			continue
		}

		// The creation return value is not trusted blindly: confirm the
		// account is actually observable before caching it.
		observed, err := r.waitObservable(ctx, ata, tokenProgram)
		if err != nil {
			return solana.PublicKey{}, err
		}
		if observed {
			return ata, nil
		}
		lastErr = ErrAccountNotObservable
	}
	return solana.PublicKey{}, fmt.Errorf("failed to create settlement account for %s after %d attempts: %w",
		owner.String(), r.cfg.CreateAttempts, lastErr)
}

func (r *Resolver) waitObservable(ctx context.Context, account, tokenProgram solana.PublicKey) (bool, error) {
	for poll := 0; poll < r.cfg.VerifyPolls; poll++ {
		valid, err := r.validate(ctx, account, tokenProgram)
		if err == nil && valid {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-r.cfg.Clock.After(r.cfg.VerifyDelay):
		}
	}
	return false, nil
}
