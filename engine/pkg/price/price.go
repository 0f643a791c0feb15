// Package price fetches USD valuations for mints from an external price API.
package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ErrNoPrice is returned when the feed has no data for the requested mint.
var ErrNoPrice = errors.New("no price data for mint")

// Oracle returns the USD price of one whole token of the given mint.
type Oracle interface {
	USDPrice(ctx context.Context, mint solana.PublicKey) (float64, error)
}

type HTTPOracleConfig struct {
	Logger  *slog.Logger
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func (cfg *HTTPOracleConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// HTTPOracle implements Oracle against a Jupiter-style price endpoint.
type HTTPOracle struct {
	log *slog.Logger
	cfg HTTPOracleConfig
}

func NewHTTPOracle(cfg HTTPOracleConfig) (*HTTPOracle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPOracle{log: cfg.Logger, cfg: cfg}, nil
}

type priceResponse struct {
	Data map[string]struct {
		Price string `json:"price"`
	} `json:"data"`
}

func (o *HTTPOracle) USDPrice(ctx context.Context, mint solana.PublicKey) (float64, error) {
	endpoint := fmt.Sprintf("%s/price?ids=%s", o.cfg.BaseURL, url.QueryEscape(mint.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create price request: %w", err)
	}

	resp, err := o.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected price api status code: %d", resp.StatusCode)
	}

	var out priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	entry, ok := out.Data[mint.String()]
	if !ok || entry.Price == "" {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, mint.String())
	}
	p, err := strconv.ParseFloat(entry.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse price %q: %w", entry.Price, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, mint.String())
	}
	return p, nil
}
