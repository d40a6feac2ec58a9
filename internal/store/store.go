// Package store persists call and order records to Postgres.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/serviolabs/servio/pkg/core/tools"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store implements the call log and order store on one pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, runs pending migrations and returns the store.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("store: database url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := migrate(databaseURL); err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

// migrate runs goose migrations over a short-lived database/sql handle;
// pgx stdlib bridges the pool-less connection goose expects.
func migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("store: open migration connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CallStarted records the call's beginning. Replays are ignored.
func (s *Store) CallStarted(ctx context.Context, callID, caller string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (call_sid, caller_phone) VALUES ($1, $2)
		 ON CONFLICT (call_sid) DO NOTHING`,
		callID, nullable(caller))
	if err != nil {
		return fmt.Errorf("store: save call start: %w", err)
	}
	return nil
}

// SaveUtterance appends one transcript line.
func (s *Store) SaveUtterance(ctx context.Context, callID, role, text string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO utterances (call_sid, speaker, text) VALUES ($1, $2, $3)`,
		callID, role, text)
	if err != nil {
		return fmt.Errorf("store: save utterance: %w", err)
	}
	return nil
}

// CallEnded stamps the call's end and final state.
func (s *Store) CallEnded(ctx context.Context, callID, finalState string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE calls SET ended_at = now(), final_state = $2 WHERE call_sid = $1`,
		callID, finalState)
	if err != nil {
		return fmt.Errorf("store: save call end: %w", err)
	}
	return nil
}

// SaveOrder writes one finished order with its items as jsonb.
func (s *Store) SaveOrder(ctx context.Context, order tools.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("store: encode order items: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO orders (id, call_sid, caller_phone, items, subtotal, tax_amount, total, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		order.ID, order.CallID, nullable(order.Caller), items,
		order.Subtotal, order.TaxAmount, order.Total, order.Status, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save order: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
