package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	solanarpc "github.com/gagliardetto/solana-go/rpc"

	"github.com/malbeclabs/disburser/engine/pkg/dispatch"
	"github.com/malbeclabs/disburser/engine/pkg/engine"
	"github.com/malbeclabs/disburser/engine/pkg/harvest"
	"github.com/malbeclabs/disburser/engine/pkg/holders"
	"github.com/malbeclabs/disburser/engine/pkg/ledger"
	"github.com/malbeclabs/disburser/engine/pkg/metrics"
	"github.com/malbeclabs/disburser/engine/pkg/price"
	"github.com/malbeclabs/disburser/engine/pkg/server"
	"github.com/malbeclabs/disburser/engine/pkg/settle"
	"github.com/malbeclabs/disburser/engine/pkg/swap"
	"github.com/malbeclabs/disburser/engine/pkg/swaprouter"
	"github.com/malbeclabs/disburser/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	rpcURLFlag := flag.String("rpc-url", "", "Solana RPC endpoint (or set RPC_URL env var)")
	keypairFlag := flag.String("keypair", "", "Path to the withdraw authority keypair file (or set KEYPAIR_PATH env var)")
	mintFlag := flag.String("mint", "", "Token-2022 fee mint address (or set FEE_MINT env var)")
	mintDecimalsFlag := flag.Uint8("mint-decimals", 9, "Decimals of the fee mint")
	treasuryFlag := flag.String("treasury", "", "Treasury wallet address; empty disables the treasury payout (or set TREASURY env var)")
	payoutAssetsFlag := flag.StringSlice("payout-asset", []string{"SOL"},
		"Payout asset, repeatable; 'SOL' or '<mint>:<decimals>[:token2022]'")

	priceURLFlag := flag.String("price-url", "https://lite-api.jup.ag/price/v2", "Price API base URL (or set PRICE_API_URL env var)")
	swapURLFlag := flag.String("swap-url", "https://lite-api.jup.ag/swap/v1", "Swap API base URL (or set SWAP_API_URL env var)")
	databaseURLFlag := flag.String("database-url", "", "Postgres connection string for the settlement account store; empty uses an in-memory store (or set DATABASE_URL env var)")
	listenAddrFlag := flag.String("listen-addr", "0.0.0.0:8080", "Ops HTTP server listen address")

	intervalFlag := flag.Duration("interval", 15*time.Minute, "Cycle interval")
	thresholdUSDFlag := flag.Float64("threshold-usd", 50.0, "Minimum pool USD value for a cycle to distribute")
	minHolderUSDFlag := flag.Float64("min-holder-usd", 0.25, "Minimum holder balance USD value to receive a share")
	holderBpsFlag := flag.Int("holder-bps", 8000, "Holder-pool fraction of swap proceeds in basis points")
	slippageBpsFlag := flag.Int("slippage-bps", 100, "Maximum swap slippage in basis points")
	batchSizeFlag := flag.Int("batch-size", 6, "Transfers per dispatch transaction")
	harvestConcurrencyFlag := flag.Int("harvest-concurrency", 4, "Harvest batches in flight at once")
	sendRateFlag := flag.Float64("send-rate", 0, "Transaction submissions per second; 0 disables rate limiting")

	flag.Parse()

	// A local .env is a dev convenience; missing is fine.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	for env, target := range map[string]*string{
		"RPC_URL":       rpcURLFlag,
		"KEYPAIR_PATH":  keypairFlag,
		"FEE_MINT":      mintFlag,
		"TREASURY":      treasuryFlag,
		"PRICE_API_URL": priceURLFlag,
		"SWAP_API_URL":  swapURLFlag,
		"DATABASE_URL":  databaseURLFlag,
	} {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}

	if *rpcURLFlag == "" {
		return fmt.Errorf("--rpc-url is required")
	}
	if *keypairFlag == "" {
		return fmt.Errorf("--keypair is required")
	}
	if *mintFlag == "" {
		return fmt.Errorf("--mint is required")
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: version}); err != nil {
			return fmt.Errorf("failed to init sentry: %w", err)
		}
		defer sentry.Flush(5 * time.Second)
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(*keypairFlag)
	if err != nil {
		return fmt.Errorf("failed to load keypair: %w", err)
	}

	mint, err := parseAddress(*mintFlag)
	if err != nil {
		return fmt.Errorf("invalid fee mint: %w", err)
	}

	var treasury solana.PublicKey
	if *treasuryFlag != "" {
		treasury, err = parseAddress(*treasuryFlag)
		if err != nil {
			return fmt.Errorf("invalid treasury address: %w", err)
		}
	}

	payoutAssets, err := parsePayoutAssets(*payoutAssetsFlag)
	if err != nil {
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := ledger.NewRPCClient(ledger.RPCClientConfig{
		URL:      *rpcURLFlag,
		SendRate: rate.Limit(*sendRateFlag),
	})
	if err != nil {
		return err
	}

	sender, err := ledger.NewSender(ledger.SenderConfig{
		Logger: log,
		Client: client,
		Signer: signer,
	})
	if err != nil {
		return err
	}

	var store settle.Store
	if *databaseURLFlag != "" {
		if err := settle.RunMigrations(log, *databaseURLFlag); err != nil {
			return err
		}
		pgStore, err := settle.NewPostgresStoreFromConnStr(ctx, log, *databaseURLFlag)
		if err != nil {
			return err
		}
		defer pgStore.Close()
		store = pgStore
	} else {
		log.Warn("main: no database configured, settlement account cache will not survive restarts")
		store = settle.NewMemoryStore()
	}

	resolver, err := settle.NewResolver(settle.ResolverConfig{
		Logger: log,
		Client: client,
		Sender: sender,
		Store:  store,
	})
	if err != nil {
		return err
	}

	source, err := holders.NewRPCSource(holders.RPCSourceConfig{
		Logger: log,
		Client: solanarpc.New(*rpcURLFlag),
		Mint:   mint,
	})
	if err != nil {
		return err
	}

	coordinator, err := harvest.NewCoordinator(harvest.CoordinatorConfig{
		Logger:      log,
		Client:      client,
		Sender:      sender,
		Resolver:    resolver,
		Holders:     source,
		Mint:        mint,
		Concurrency: *harvestConcurrencyFlag,
	})
	if err != nil {
		return err
	}

	oracle, err := price.NewHTTPOracle(price.HTTPOracleConfig{
		Logger:  log,
		BaseURL: *priceURLFlag,
	})
	if err != nil {
		return err
	}

	router, err := swaprouter.NewHTTPRouter(swaprouter.HTTPRouterConfig{
		Logger:  log,
		BaseURL: *swapURLFlag,
	})
	if err != nil {
		return err
	}

	settlement, err := swap.NewSettlement(swap.SettlementConfig{
		Logger:      log,
		Client:      client,
		Sender:      sender,
		Router:      router,
		Resolver:    resolver,
		InputMint:   mint,
		Treasury:    treasury,
		HolderBps:   *holderBpsFlag,
		SlippageBps: *slippageBpsFlag,
	})
	if err != nil {
		return err
	}

	dispatcher, err := dispatch.NewDispatcher(dispatch.DispatcherConfig{
		Logger:    log,
		Client:    client,
		Sender:    sender,
		Resolver:  resolver,
		BatchSize: *batchSizeFlag,
	})
	if err != nil {
		return err
	}

	eng, err := engine.New(engine.Config{
		Logger:       log,
		Client:       client,
		Harvester:    coordinator,
		Oracle:       oracle,
		Swapper:      settlement,
		Dispatcher:   dispatcher,
		Holders:      source,
		Mint:         mint,
		MintDecimals: *mintDecimalsFlag,
		PayoutAssets: payoutAssets,
		ThresholdUSD: *thresholdUSDFlag,
		MinHolderUSD: *minHolderUSDFlag,
		Interval:     *intervalFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger: log,
		Engine: eng,
		Addr:   *listenAddrFlag,
	})
	if err != nil {
		return err
	}

	log.Info("main: starting disburser",
		"version", version, "authority", signer.PublicKey().String(),
		"mint", mint.String(), "payout_assets", len(payoutAssets), "interval", intervalFlag.String())

	eng.Start(ctx)
	return srv.Start(ctx)
}

// parseAddress validates a base58 address before constructing the key, so a
// truncated or mistyped flag fails at startup with a clear error.
func parseAddress(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("not valid base58: %w", err)
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("decoded to %d bytes, want %d", len(raw), solana.PublicKeyLength)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

// parsePayoutAssets parses the rotating payout list. Each entry is either
// "SOL" or "<mint>:<decimals>" with an optional ":token2022" suffix for mints
// owned by the Token-2022 program.
func parsePayoutAssets(entries []string) ([]dispatch.Asset, error) {
	assets := make([]dispatch.Asset, 0, len(entries))
	for _, entry := range entries {
		if strings.EqualFold(entry, "SOL") {
			assets = append(assets, dispatch.Asset{Native: true})
			continue
		}

		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid payout asset %q, want '<mint>:<decimals>[:token2022]'", entry)
		}
		mint, err := parseAddress(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid payout asset mint %q: %w", parts[0], err)
		}
		decimals, err := strconv.ParseUint(parts[1], 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid payout asset decimals %q: %w", parts[1], err)
		}

		tokenProgram := solana.TokenProgramID
		if len(parts) == 3 {
			if parts[2] != "token2022" {
				return nil, fmt.Errorf("invalid payout asset suffix %q, want 'token2022'", parts[2])
			}
			tokenProgram = solana.Token2022ProgramID
		}

		assets = append(assets, dispatch.Asset{
			Mint:         mint,
			TokenProgram: tokenProgram,
			Decimals:     uint8(decimals),
		})
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("at least one payout asset is required")
	}
	return assets, nil
}
