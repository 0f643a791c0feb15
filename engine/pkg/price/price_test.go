package price_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/disburser/engine/pkg/price"
	disbursertesting "github.com/malbeclabs/disburser/utils/pkg/testing"
)

func TestDisburser_Price_HTTPOracle(t *testing.T) {
	t.Parallel()

	mint := solana.NewWallet().PublicKey()

	newOracle := func(t *testing.T, handler http.HandlerFunc) *price.HTTPOracle {
		t.Helper()
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		o, err := price.NewHTTPOracle(price.HTTPOracleConfig{
			Logger:  disbursertesting.NewLogger(),
			BaseURL: srv.URL,
		})
		require.NoError(t, err)
		return o
	}

	t.Run("parses price for mint", func(t *testing.T) {
		t.Parallel()
		o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, mint.String(), r.URL.Query().Get("ids"))
			fmt.Fprintf(w, `{"data":{"%s":{"price":"0.0125"}}}`, mint.String())
		})

		p, err := o.USDPrice(context.Background(), mint)
		require.NoError(t, err)
		require.InDelta(t, 0.0125, p, 1e-12)
	})

	t.Run("missing mint returns ErrNoPrice", func(t *testing.T) {
		t.Parallel()
		o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"data":{}}`)
		})

		_, err := o.USDPrice(context.Background(), mint)
		require.ErrorIs(t, err, price.ErrNoPrice)
	})

	t.Run("zero price returns ErrNoPrice", func(t *testing.T) {
		t.Parallel()
		o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"data":{"%s":{"price":"0"}}}`, mint.String())
		})

		_, err := o.USDPrice(context.Background(), mint)
		require.ErrorIs(t, err, price.ErrNoPrice)
	})

	t.Run("non-200 status is an error", func(t *testing.T) {
		t.Parallel()
		o := newOracle(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := o.USDPrice(context.Background(), mint)
		require.Error(t, err)
		require.Contains(t, err.Error(), "status code: 503")
	})

	t.Run("missing base url is rejected", func(t *testing.T) {
		t.Parallel()
		_, err := price.NewHTTPOracle(price.HTTPOracleConfig{Logger: disbursertesting.NewLogger()})
		require.Error(t, err)
		require.Contains(t, err.Error(), "base url is required")
	})
}
