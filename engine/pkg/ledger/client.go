// Package ledger wraps the Solana RPC surface the engine consumes behind a
// narrow interface, and provides the shared transaction Sender used by the
// harvest coordinator, the dispatcher and the swap settlement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"golang.org/x/time/rate"
)

// Account is the subset of on-ledger account state the engine inspects.
type Account struct {
	Owner    solana.PublicKey
	Lamports uint64
	DataLen  int
}

// SignatureStatus describes the confirmation state of a submitted transaction.
type SignatureStatus struct {
	Confirmed bool
	Err       error // non-nil when the transaction landed but failed on-chain
}

// Client is the ledger RPC surface consumed by the engine. A nil-account,
// nil-error return from GetAccountInfo means the account does not exist.
type Client interface {
	GetLatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*Account, error)
	GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error)
	GetTokenAccountBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
	GetTokenSupply(ctx context.Context, mint solana.PublicKey) (uint64, error)
	GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

type RPCClientConfig struct {
	URL string

	// SendRate bounds transaction submissions per second. Zero disables
	// the limiter.
	SendRate  rate.Limit
	SendBurst int
}

func (cfg *RPCClientConfig) Validate() error {
	if cfg.URL == "" {
		return errors.New("rpc url is required")
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	return nil
}

// RPCClient implements Client against a real Solana JSON-RPC endpoint.
type RPCClient struct {
	rpc     *solanarpc.Client
	limiter *rate.Limiter
}

func NewRPCClient(cfg RPCClientConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &RPCClient{rpc: solanarpc.New(cfg.URL)}
	if cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(cfg.SendRate, cfg.SendBurst)
	}
	return c, nil
}

func (c *RPCClient) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, solanarpc.CommitmentConfirmed)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return solana.Signature{}, fmt.Errorf("failed to wait for send rate limiter: %w", err)
		}
	}
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

func (c *RPCClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return SignatureStatus{}, fmt.Errorf("failed to get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return SignatureStatus{}, nil
	}
	st := out.Value[0]
	status := SignatureStatus{
		Confirmed: st.ConfirmationStatus == solanarpc.ConfirmationStatusConfirmed ||
			st.ConfirmationStatus == solanarpc.ConfirmationStatusFinalized,
	}
	if st.Err != nil {
		status.Err = fmt.Errorf("transaction failed on-chain: %v", st.Err)
	}
	return status, nil
}

func (c *RPCClient) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*Account, error) {
	out, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}
	if out == nil || out.Value == nil {
		return nil, nil
	}
	acct := &Account{
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
	}
	if data := out.Value.Data; data != nil {
		acct.DataLen = len(data.GetBinary())
	}
	return acct, nil
}

func (c *RPCClient) GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, addr, solanarpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return out.Value, nil
}

func (c *RPCClient) GetTokenAccountBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetTokenAccountBalance(ctx, tokenAccount, solanarpc.CommitmentConfirmed)
	if err != nil {
		if errors.Is(err, solanarpc.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get token account balance: %w", err)
	}
	if out == nil || out.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token balance %q: %w", out.Value.Amount, err)
	}
	return amount, nil
}

func (c *RPCClient) GetTokenSupply(ctx context.Context, mint solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetTokenSupply(ctx, mint, solanarpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("failed to get token supply: %w", err)
	}
	if out == nil || out.Value == nil {
		return 0, errors.New("empty token supply response")
	}
	supply, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token supply %q: %w", out.Value.Amount, err)
	}
	return supply, nil
}

func (c *RPCClient) GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	out, err := c.rpc.GetRecentPrioritizationFees(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent prioritization fees: %w", err)
	}
	fees := make([]uint64, 0, len(out))
	for _, f := range out {
		fees = append(fees, f.PrioritizationFee)
	}
	return fees, nil
}
