// Package swaprouter obtains executable swap transactions from an external
// aggregator. The router's claimed output amount is informational only; the
// engine verifies actual proceeds by balance delta after execution.
package swaprouter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Router produces a transaction that swaps amount of input mint into output
// mint for the given user, honoring the slippage bound.
type Router interface {
	SwapTransaction(ctx context.Context, input, output solana.PublicKey, amount uint64, slippageBps int, user solana.PublicKey) (*solana.Transaction, error)
}

type HTTPRouterConfig struct {
	Logger  *slog.Logger
	BaseURL string

	// HTTPClient defaults to a client with a 15s timeout; quote+build can be
	// slow under congestion.
	HTTPClient *http.Client
}

func (cfg *HTTPRouterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return nil
}

// HTTPRouter implements Router against a Jupiter-style quote/swap API.
type HTTPRouter struct {
	log *slog.Logger
	cfg HTTPRouterConfig
}

func NewHTTPRouter(cfg HTTPRouterConfig) (*HTTPRouter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPRouter{log: cfg.Logger, cfg: cfg}, nil
}

type swapRequest struct {
	QuoteResponse       json.RawMessage `json:"quoteResponse"`
	UserPublicKey       string          `json:"userPublicKey"`
	AsLegacyTransaction bool            `json:"asLegacyTransaction"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

func (r *HTTPRouter) SwapTransaction(ctx context.Context, input, output solana.PublicKey, amount uint64, slippageBps int, user solana.PublicKey) (*solana.Transaction, error) {
	quote, err := r.quote(ctx, input, output, amount, slippageBps)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(swapRequest{
		QuoteResponse:       quote,
		UserPublicKey:       user.String(),
		AsLegacyTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal swap request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create swap request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch swap transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected swap api status code: %d", resp.StatusCode)
	}

	var out swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode swap response: %w", err)
	}
	if out.SwapTransaction == "" {
		return nil, errors.New("swap response contained no transaction")
	}

	raw, err := base64.StdEncoding.DecodeString(out.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("failed to decode swap transaction payload: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize swap transaction: %w", err)
	}
	return tx, nil
}

func (r *HTTPRouter) quote(ctx context.Context, input, output solana.PublicKey, amount uint64, slippageBps int) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("inputMint", input.String())
	params.Set("outputMint", output.String())
	params.Set("amount", strconv.FormatUint(amount, 10))
	params.Set("slippageBps", strconv.Itoa(slippageBps))
	params.Set("asLegacyTransaction", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.BaseURL+"/quote?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected quote api status code: %d", resp.StatusCode)
	}

	var quote json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("failed to decode quote response: %w", err)
	}
	return quote, nil
}
