// Package ledgertest provides a configurable in-memory ledger.Client for
// package tests.
package ledgertest

import (
	"context"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/disburser/engine/pkg/ledger"
)

// Client is a fake ledger.Client. Each method delegates to the corresponding
// func field when set; the zero value behaves like an empty, healthy ledger
// that confirms everything immediately.
type Client struct {
	mu sync.Mutex

	GetLatestBlockhashFunc          func(ctx context.Context) (solana.Hash, error)
	SendTransactionFunc             func(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	GetSignatureStatusFunc          func(ctx context.Context, sig solana.Signature) (ledger.SignatureStatus, error)
	GetAccountInfoFunc              func(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error)
	GetBalanceFunc                  func(ctx context.Context, addr solana.PublicKey) (uint64, error)
	GetTokenAccountBalanceFunc      func(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error)
	GetTokenSupplyFunc              func(ctx context.Context, mint solana.PublicKey) (uint64, error)
	GetRecentPrioritizationFeesFunc func(ctx context.Context) ([]uint64, error)

	sent []*solana.Transaction
}

// SentTransactions returns all transactions submitted so far.
func (c *Client) SentTransactions() []*solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.Transaction, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (solana.Hash, error) {
	if c.GetLatestBlockhashFunc != nil {
		return c.GetLatestBlockhashFunc(ctx)
	}
	return solana.HashFromBytes(make([]byte, 32)), nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	c.sent = append(c.sent, tx)
	c.mu.Unlock()
	if c.SendTransactionFunc != nil {
		return c.SendTransactionFunc(ctx, tx)
	}
	if len(tx.Signatures) > 0 {
		return tx.Signatures[0], nil
	}
	return solana.Signature{}, nil
}

func (c *Client) GetSignatureStatus(ctx context.Context, sig solana.Signature) (ledger.SignatureStatus, error) {
	if c.GetSignatureStatusFunc != nil {
		return c.GetSignatureStatusFunc(ctx, sig)
	}
	return ledger.SignatureStatus{Confirmed: true}, nil
}

func (c *Client) GetAccountInfo(ctx context.Context, addr solana.PublicKey) (*ledger.Account, error) {
	if c.GetAccountInfoFunc != nil {
		return c.GetAccountInfoFunc(ctx, addr)
	}
	return nil, nil
}

func (c *Client) GetBalance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	if c.GetBalanceFunc != nil {
		return c.GetBalanceFunc(ctx, addr)
	}
	return 0, nil
}

func (c *Client) GetTokenAccountBalance(ctx context.Context, tokenAccount solana.PublicKey) (uint64, error) {
	if c.GetTokenAccountBalanceFunc != nil {
		return c.GetTokenAccountBalanceFunc(ctx, tokenAccount)
	}
	return 0, nil
}

func (c *Client) GetTokenSupply(ctx context.Context, mint solana.PublicKey) (uint64, error) {
	if c.GetTokenSupplyFunc != nil {
		return c.GetTokenSupplyFunc(ctx, mint)
	}
	return 0, nil
}

func (c *Client) GetRecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	if c.GetRecentPrioritizationFeesFunc != nil {
		return c.GetRecentPrioritizationFeesFunc(ctx)
	}
	return nil, nil
}
