// Package holders enumerates token accounts of the fee mint. The engine
// consumes the Source contract; RPCSource implements it over
// getProgramAccounts with a client-side snapshot served in pages.
package holders

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// Holder is one token account of the fee mint, snapshotted at cycle start.
type Holder struct {
	Owner        solana.PublicKey
	TokenAccount solana.PublicKey
	Amount       uint64
}

// Source pages through the current holder set. A page shorter than limit
// (including an empty one) signals end of list. Implementations refresh their
// snapshot when offset 0 is requested.
type Source interface {
	ListPage(ctx context.Context, offset, limit int) ([]Holder, error)
}

// ProgramAccountsClient is the slice of the RPC client the source needs.
// *rpc.Client satisfies it.
type ProgramAccountsClient interface {
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *solanarpc.GetProgramAccountsOpts) (solanarpc.GetProgramAccountsResult, error)
}

type RPCSourceConfig struct {
	Logger *slog.Logger
	Client ProgramAccountsClient
	Mint   solana.PublicKey

	// TokenProgram defaults to the Token-2022 program.
	TokenProgram solana.PublicKey
}

func (cfg *RPCSourceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Mint.IsZero() {
		return errors.New("mint is required")
	}
	if cfg.TokenProgram.IsZero() {
		cfg.TokenProgram = solana.Token2022ProgramID
	}
	return nil
}

// RPCSource implements Source against a Solana RPC node.
type RPCSource struct {
	log *slog.Logger
	cfg RPCSourceConfig

	mu       sync.Mutex
	snapshot []Holder
}

func NewRPCSource(cfg RPCSourceConfig) (*RPCSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCSource{log: cfg.Logger, cfg: cfg}, nil
}

func (s *RPCSource) ListPage(ctx context.Context, offset, limit int) ([]Holder, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be greater than 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if offset == 0 {
		if err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}

	if offset >= len(s.snapshot) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.snapshot) {
		end = len(s.snapshot)
	}
	page := make([]Holder, end-offset)
	copy(page, s.snapshot[offset:end])
	return page, nil
}

func (s *RPCSource) refresh(ctx context.Context) error {
	mintBytes := solana.Base58(s.cfg.Mint.Bytes())
	accounts, err := s.cfg.Client.GetProgramAccountsWithOpts(ctx, s.cfg.TokenProgram, &solanarpc.GetProgramAccountsOpts{
		Commitment: solanarpc.CommitmentConfirmed,
		Encoding:   solana.EncodingBase64,
		Filters: []solanarpc.RPCFilter{
			{Memcmp: &solanarpc.RPCFilterMemcmp{Offset: 0, Bytes: mintBytes}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to enumerate holder accounts: %w", err)
	}

	snapshot := make([]Holder, 0, len(accounts))
	for _, acct := range accounts {
		if acct == nil || acct.Account == nil || acct.Account.Data == nil {
			continue
		}
		h, ok := decodeTokenAccount(acct.Pubkey, acct.Account.Data.GetBinary())
		if !ok {
			s.log.Warn("holders: skipping undecodable token account", "account", acct.Pubkey.String())
			continue
		}
		if h.Amount == 0 {
			continue
		}
		snapshot = append(snapshot, h)
	}

	s.log.Debug("holders: snapshot refreshed", "mint", s.cfg.Mint.String(), "count", len(snapshot))
	s.snapshot = snapshot
	return nil
}

// decodeTokenAccount reads the base token-account layout. Token-2022 accounts
// carry extension bytes past offset 165; only the base fields matter here.
func decodeTokenAccount(addr solana.PublicKey, data []byte) (Holder, bool) {
	const (
		ownerOffset  = 32
		amountOffset = 64
		stateOffset  = 108
		baseLen      = 165
	)
	if len(data) < baseLen {
		return Holder{}, false
	}
	if data[stateOffset] == 0 { // uninitialized
		return Holder{}, false
	}
	return Holder{
		Owner:        solana.PublicKeyFromBytes(data[ownerOffset : ownerOffset+32]),
		TokenAccount: addr,
		Amount:       binary.LittleEndian.Uint64(data[amountOffset : amountOffset+8]),
	}, true
}
