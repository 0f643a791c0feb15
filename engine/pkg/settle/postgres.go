package settle

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies the settlement-account schema with goose.
func RunMigrations(log *slog.Logger, connStr string) error {
	goose.SetBaseFS(embedMigrations)

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("settle: migrations applied")
	return nil
}

type PostgresStoreConfig struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *PostgresStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	return nil
}

// PostgresStore is a durable Store backed by Postgres.
type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PostgresStore{log: cfg.Logger, pool: cfg.Pool}, nil
}

// NewPostgresStoreFromConnStr opens a pool, verifies connectivity and wraps
// it in a store. The caller owns the pool lifetime via Close.
func NewPostgresStoreFromConnStr(ctx context.Context, log *slog.Logger, connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return NewPostgresStore(PostgresStoreConfig{Logger: log, Pool: pool})
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Get(ctx context.Context, owner, mint solana.PublicKey) (solana.PublicKey, bool, error) {
	var account string
	err := s.pool.QueryRow(ctx,
		`SELECT account FROM settlement_accounts WHERE owner = $1 AND mint = $2`,
		owner.String(), mint.String(),
	).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return solana.PublicKey{}, false, nil
		}
		return solana.PublicKey{}, false, fmt.Errorf("failed to query settlement account: %w", err)
	}

	pk, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return solana.PublicKey{}, false, fmt.Errorf("failed to parse cached settlement account %q: %w", account, err)
	}
	return pk, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, owner, mint, account solana.PublicKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_accounts (owner, mint, account)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner, mint) DO UPDATE SET account = EXCLUDED.account, updated_at = now()`,
		owner.String(), mint.String(), account.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert settlement account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, owner, mint solana.PublicKey) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM settlement_accounts WHERE owner = $1 AND mint = $2`,
		owner.String(), mint.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete settlement account: %w", err)
	}
	return nil
}
