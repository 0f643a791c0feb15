package swap_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/disburser/engine/pkg/dispatch"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/ledger/ledgertest"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/engine/pkg/swap"
	"github.com/malbeclabs/disburser/utils/pkg/retry"
	disbursertesting "github.com/malbeclabs/disburser/utils/pkg/testing"
)

type fakeRouter struct {
	err error

	gotInput  solana.PublicKey
	gotOutput solana.PublicKey
	gotAmount uint64
	payer     solana.PublicKey
}

func (r *fakeRouter) SwapTransaction(ctx context.Context, input, output solana.PublicKey, amount uint64, slippageBps int, user solana.PublicKey) (*solana.Transaction, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.gotInput, r.gotOutput, r.gotAmount = input, output, amount
	ix := system.NewTransferInstruction(1, r.payer, solana.NewWallet().PublicKey()).Build()
	return solana.NewTransaction([]solana.Instruction{ix}, solana.HashFromBytes(make([]byte, 32)), solana.TransactionPayer(r.payer))
}

type fixture struct {
	client     *ledgertest.Client
	store      settle.Store
	settlement *swap.Settlement
	router     *fakeRouter
	authority  solana.PublicKey
	treasury   solana.PublicKey
	inputMint  solana.PublicKey
	balance    atomic.Uint64
}

// seedAccounts pre-caches settlement token accounts for the authority and the
// treasury so Resolve is served from cache without creation transactions.
func (f *fixture) seedAccounts(t *testing.T, mint solana.PublicKey) {
	t.Helper()
	require.NoError(t, f.store.Put(context.Background(), f.authority, mint, solana.NewWallet().PublicKey()))
	require.NoError(t, f.store.Put(context.Background(), f.treasury, mint, solana.NewWallet().PublicKey()))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := disbursertesting.NewLogger()
	signer := solana.NewWallet().PrivateKey

	f := &fixture{
		client:    &ledgertest.Client{},
		authority: signer.PublicKey(),
		treasury:  solana.NewWallet().PublicKey(),
		inputMint: solana.NewWallet().PublicKey(),
	}
	f.router = &fakeRouter{payer: f.authority}
	f.client.GetAccountInfoFunc = func(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
		return &ledger.Account{Owner: solana.TokenProgramID, DataLen: 165}, nil
	}
	f.client.GetBalanceFunc = func(ctx context.Context, addr solana.PublicKey) (uint64, error) {
		return f.balance.Load(), nil
	}
	f.client.GetTokenAccountBalanceFunc = func(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
		return f.balance.Load(), nil
	}

	sender, err := ledger.NewSender(ledger.SenderConfig{
		Logger: log,
		Client: f.client,
		Signer: signer,
		Retry:  retry.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond},
	})
	require.NoError(t, err)

	f.store = settle.NewMemoryStore()
	resolver, err := settle.NewResolver(settle.ResolverConfig{
		Logger:         log,
		Client:         f.client,
		Sender:         sender,
		Store:          f.store,
		CreateAttempts: 1,
		VerifyDelay:    time.Millisecond,
		VerifyPolls:    1,
	})
	require.NoError(t, err)

	settlement, err := swap.NewSettlement(swap.SettlementConfig{
		Logger:    log,
		Client:    f.client,
		Sender:    sender,
		Router:    f.router,
		Resolver:  resolver,
		InputMint: f.inputMint,
		Treasury:  f.treasury,
	})
	require.NoError(t, err)
	f.settlement = settlement
	return f
}

func splAsset() dispatch.Asset {
	return dispatch.Asset{
		Mint:         solana.NewWallet().PublicKey(),
		TokenProgram: solana.TokenProgramID,
		Decimals:     6,
	}
}

func TestDisburser_Swap_ProceedsVerifiedAndSplit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.balance.Store(100)
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		f.balance.Store(1100)
		return tx.Signatures[0], nil
	}

	asset := splAsset()
	f.seedAccounts(t, asset.Mint)
	proceeds, err := f.settlement.Execute(context.Background(), 50_000, asset)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), proceeds.Received)
	require.Equal(t, uint64(800), proceeds.HolderPool)
	require.Equal(t, uint64(200), proceeds.Treasury)
	require.True(t, proceeds.TreasuryPaid)

	require.Equal(t, f.inputMint, f.router.gotInput)
	require.Equal(t, asset.Mint, f.router.gotOutput)
	require.Equal(t, uint64(50_000), f.router.gotAmount)

	// Swap transaction plus one treasury transfer.
	require.Len(t, f.client.SentTransactions(), 2)
}

func TestDisburser_Swap_NativeUsesLamportBalance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.balance.Store(5000)
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		f.balance.Store(6000)
		return tx.Signatures[0], nil
	}

	proceeds, err := f.settlement.Execute(context.Background(), 777, dispatch.Asset{Native: true})
	require.NoError(t, err)
	require.Equal(t, uint64(1000), proceeds.Received)
	require.Equal(t, solana.WrappedSol, f.router.gotOutput)
	require.True(t, proceeds.TreasuryPaid)
}

func TestDisburser_Swap_VerificationFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.balance.Store(100) // balance never moves

	_, err := f.settlement.Execute(context.Background(), 50_000, splAsset())
	require.ErrorIs(t, err, swap.ErrSwapVerificationFailed)

	// The swap itself was submitted; no treasury transfer followed.
	require.Len(t, f.client.SentTransactions(), 1)
}

func TestDisburser_Swap_RouterErrorPropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.router.err = errors.New("no route for pair")

	_, err := f.settlement.Execute(context.Background(), 50_000, splAsset())
	require.Error(t, err)
	require.Contains(t, err.Error(), "no route for pair")
	require.Empty(t, f.client.SentTransactions())
}

func TestDisburser_Swap_TreasuryFailureIsBestEffort(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.balance.Store(0)
	f.client.SendTransactionFunc = func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
		f.balance.Store(1000)
		// Treasury transactions carry the compute-budget prelude; the swap
		// payload is a single instruction.
		if len(tx.Message.Instructions) > 1 {
			return solana.Signature{}, errors.New("node is down")
		}
		return tx.Signatures[0], nil
	}

	asset := splAsset()
	f.seedAccounts(t, asset.Mint)
	proceeds, err := f.settlement.Execute(context.Background(), 50_000, asset)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), proceeds.Received)
	require.Equal(t, uint64(200), proceeds.Treasury)
	require.False(t, proceeds.TreasuryPaid)
}

func TestDisburser_Swap_ZeroAmountRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.settlement.Execute(context.Background(), 0, splAsset())
	require.Error(t, err)
	require.Contains(t, err.Error(), "amount must be greater than 0")
}
