// Package harvest moves withheld transfer fees from every holder token
// account onto the fee mint and withdraws them into the engine's own token
// account, reporting the exact withdrawn amount by balance delta.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/disburser/engine/pkg/holders"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/engine/pkg/token2022"
)

type CoordinatorConfig struct {
	Logger   *slog.Logger
	Client   ledger.Client
	Sender   *ledger.Sender
	Resolver *settle.Resolver
	Holders  holders.Source

	// Mint is the Token-2022 fee mint whose withheld fees are harvested.
	Mint solana.PublicKey

	// MaxAccountsPerHarvest bounds how many source token accounts one harvest
	// instruction references.
	MaxAccountsPerHarvest int

	// Concurrency bounds how many harvest batches are in flight at once.
	Concurrency int

	// PageLimit is the holder-enumeration page size.
	PageLimit int
}

func (cfg *CoordinatorConfig) Validate() error {
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
	if cfg.Holders == nil {
		return errors.New("holder source is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.MaxAccountsPerHarvest <= 0 {
		cfg.MaxAccountsPerHarvest = 25
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	return nil
}

// Coordinator drives one harvest-and-withdraw round. Any harvest batch that
// exhausts its retries aborts the whole round: the reported amount feeds split
// math downstream and must be exact, so a partial harvest is worse than none.
type Coordinator struct {
	log *slog.Logger
	cfg CoordinatorConfig
}

func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{log: cfg.Logger, cfg: cfg}, nil
}

// Harvest collects withheld fees from all holder accounts and withdraws them
// to the authority's token account, returning the withdrawn amount in
// smallest units.
func (c *Coordinator) Harvest(ctx context.Context) (uint64, error) {
	destination, err := c.cfg.Resolver.Resolve(ctx, c.cfg.Sender.Authority(), c.cfg.Mint, solana.Token2022ProgramID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve harvest destination account: %w", err)
	}

	initial, err := c.cfg.Client.GetTokenAccountBalance(ctx, destination)
	if err != nil {
		return 0, fmt.Errorf("failed to read destination balance: %w", err)
	}

	accounts, err := c.listHolderAccounts(ctx)
	if err != nil {
		return 0, err
	}

	if err := c.harvestToMint(ctx, accounts); err != nil {
		return 0, err
	}

	if err := c.withdrawFromMint(ctx, destination); err != nil {
		return 0, err
	}

	final, err := c.cfg.Client.GetTokenAccountBalance(ctx, destination)
	if err != nil {
		return 0, fmt.Errorf("failed to re-read destination balance: %w", err)
	}
	if final < initial {
		return 0, fmt.Errorf("destination balance decreased during harvest: %d -> %d", initial, final)
	}

	withdrawn := final - initial
	c.log.Info("harvest: round complete",
		"mint", c.cfg.Mint.String(), "accounts", len(accounts), "withdrawn", withdrawn)
	return withdrawn, nil
}

func (c *Coordinator) listHolderAccounts(ctx context.Context) ([]solana.PublicKey, error) {
	var accounts []solana.PublicKey
	for offset := 0; ; {
		page, err := c.cfg.Holders.ListPage(ctx, offset, c.cfg.PageLimit)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate holder accounts: %w", err)
		}
		for _, h := range page {
			accounts = append(accounts, h.TokenAccount)
		}
		if len(page) < c.cfg.PageLimit {
			return accounts, nil
		}
		offset += len(page)
	}
}

func (c *Coordinator) harvestToMint(ctx context.Context, accounts []solana.PublicKey) error {
	if len(accounts) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for start := 0; start < len(accounts); start += c.cfg.MaxAccountsPerHarvest {
		end := min(start+c.cfg.MaxAccountsPerHarvest, len(accounts))
		batch := accounts[start:end]

		g.Go(func() error {
			ix, err := token2022.NewHarvestWithheldTokensToMintInstruction(c.cfg.Mint, batch)
			if err != nil {
				return err
			}
			fee := c.cfg.Sender.PriorityFee(gctx)
			sig, err := c.cfg.Sender.Send(gctx, []solana.Instruction{ix}, &ledger.SendOpts{PriorityFee: fee})
			if err != nil {
				return fmt.Errorf("failed to harvest batch of %d accounts: %w", len(batch), err)
			}
			c.log.Debug("harvest: batch confirmed", "accounts", len(batch), "signature", sig.String())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("harvest aborted: %w", err)
	}
	return nil
}

func (c *Coordinator) withdrawFromMint(ctx context.Context, destination solana.PublicKey) error {
	ix, err := token2022.NewWithdrawWithheldTokensFromMintInstruction(c.cfg.Mint, destination, c.cfg.Sender.Authority())
	if err != nil {
		return err
	}
	fee := c.cfg.Sender.PriorityFee(ctx)
	sig, err := c.cfg.Sender.Send(ctx, []solana.Instruction{ix}, &ledger.SendOpts{PriorityFee: fee})
	if err != nil {
		return fmt.Errorf("failed to withdraw withheld fees from mint: %w", err)
	}
	c.log.Debug("harvest: withdrawal confirmed", "signature", sig.String())
	return nil
}
