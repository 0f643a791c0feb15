package harvest_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/disburser/engine/pkg/harvest"
	"github.com/malbeclabs/disburser/engine/pkg/holders"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/ledger/ledgertest"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/utils/pkg/retry"
	disbursertesting "github.com/malbeclabs/disburser/utils/pkg/testing"
)

type fakeSource struct {
	holders []holders.Holder
	err     error
}

func (s *fakeSource) ListPage(ctx context.Context, offset, limit int) ([]holders.Holder, error) {
	if s.err != nil {
		return nil, s.err
	}
	if offset >= len(s.holders) {
		return nil, nil
	}
	end := min(offset+limit, len(s.holders))
	return s.holders[offset:end], nil
}

func holderAccounts(n int) []holders.Holder {
	out := make([]holders.Holder, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, holders.Holder{
			Owner:        solana.NewWallet().PublicKey(),
			TokenAccount: solana.NewWallet().PublicKey(),
			Amount:       uint64(1 + i),
		})
	}
	return out
}

type fixture struct {
	client      *ledgertest.Client
	coordinator *harvest.Coordinator
	destination solana.PublicKey
	balance     atomic.Uint64
}

func newFixture(t *testing.T, source holders.Source, maxPerHarvest int) *fixture {
	t.Helper()
	log := disbursertesting.NewLogger()
	signer := solana.NewWallet().PrivateKey
	mint := solana.NewWallet().PublicKey()

	f := &fixture{
		client:      &ledgertest.Client{},
		destination: solana.NewWallet().PublicKey(),
	}
	f.balance.Store(100)
	f.client.GetAccountInfoFunc = func(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
		return &ledger.Account{Owner: solana.Token2022ProgramID, DataLen: 165}, nil
	}
	f.client.GetTokenAccountBalanceFunc = func(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
		require.Equal(t, f.destination, tokenAccount)
		return f.balance.Load(), nil
	}

	sender, err := ledger.NewSender(ledger.SenderConfig{
		Logger: log,
		Client: f.client,
		Signer: signer,
		Retry:  retry.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond},
	})
	require.NoError(t, err)

	store := settle.NewMemoryStore()
	require.NoError(t, store.Put(context.Background(), signer.PublicKey(), mint, f.destination))

	resolver, err := settle.NewResolver(settle.ResolverConfig{
		Logger:         log,
		Client:         f.client,
		Sender:         sender,
		Store:          store,
		CreateAttempts: 1,
		VerifyDelay:    time.Millisecond,
		VerifyPolls:    1,
	})
	require.NoError(t, err)

	coordinator, err := harvest.NewCoordinator(harvest.CoordinatorConfig{
		Logger:                log,
		Client:                f.client,
		Sender:                sender,
		Resolver:              resolver,
		Holders:               source,
		Mint:                  mint,
		MaxAccountsPerHarvest: maxPerHarvest,
		Concurrency:           1,
		PageLimit:             7,
	})
	require.NoError(t, err)
	f.coordinator = coordinator
	return f
}

func TestDisburser_Harvest_BatchesAndReportsDelta(t *testing.T) {
	t.Parallel()

	source := &fakeSource{holders: holderAccounts(60)}
	f := newFixture(t, source, 25)

	// The withdrawal lands the fees on the destination account.
	sends := atomic.Int64{}
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		if sends.Add(1) == 4 { // 3 harvest batches, then the withdrawal
			f.balance.Store(600)
		}
		return tx.Signatures[0], nil
	}

	withdrawn, err := f.coordinator.Harvest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(500), withdrawn)

	sent := f.client.SentTransactions()
	require.Len(t, sent, 4)
	for _, tx := range sent {
		// Compute-budget prelude plus the harvest or withdraw instruction.
		require.Len(t, tx.Message.Instructions, 3)
	}
}

func TestDisburser_Harvest_NoHolderAccountsStillWithdraws(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSource{}, 25)
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		f.balance.Store(130) // mint itself held withheld fees
		return tx.Signatures[0], nil
	}

	withdrawn, err := f.coordinator.Harvest(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(30), withdrawn)
	require.Len(t, f.client.SentTransactions(), 1)
}

func TestDisburser_Harvest_AbortsWhenBatchFails(t *testing.T) {
	t.Parallel()

	source := &fakeSource{holders: holderAccounts(30)}
	f := newFixture(t, source, 25)
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		return solana.Signature{}, errors.New("node is down")
	}

	_, err := f.coordinator.Harvest(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "harvest aborted")
}

func TestDisburser_Harvest_EnumerationFailureSurfaces(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeSource{err: errors.New("rpc unavailable")}, 25)

	_, err := f.coordinator.Harvest(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to enumerate holder accounts")
	require.Empty(t, f.client.SentTransactions())
}

func TestDisburser_Harvest_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := harvest.NewCoordinator(harvest.CoordinatorConfig{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "logger is required")
}
