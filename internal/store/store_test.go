package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/serviolabs/servio/pkg/core/tools"
)

func TestMigrationsAreWellFormed(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, entry := range entries {
		raw, err := migrations.ReadFile("migrations/" + entry.Name())
		if err != nil {
			t.Fatalf("read %s: %v", entry.Name(), err)
		}
		content := string(raw)
		if !strings.Contains(content, "-- +goose Up") {
			t.Errorf("%s is missing the goose up marker", entry.Name())
		}
		if !strings.Contains(content, "-- +goose Down") {
			t.Errorf("%s is missing the goose down marker", entry.Name())
		}
	}
}

// TestStoreRoundTrip runs against a real database. Skipped unless
// SERVIO_TEST_DATABASE_URL points at a disposable Postgres.
func TestStoreRoundTrip(t *testing.T) {
	databaseURL := os.Getenv("SERVIO_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("SERVIO_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, databaseURL, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	callID := "CA-" + ulid.Make().String()
	if err := s.CallStarted(ctx, callID, "+15550001111"); err != nil {
		t.Fatalf("CallStarted: %v", err)
	}
	// Duplicate start events must not fail.
	if err := s.CallStarted(ctx, callID, "+15550001111"); err != nil {
		t.Fatalf("CallStarted replay: %v", err)
	}
	if err := s.SaveUtterance(ctx, callID, "user", "one pad thai please"); err != nil {
		t.Fatalf("SaveUtterance: %v", err)
	}
	if err := s.SaveOrder(ctx, tools.Order{
		ID:        ulid.Make().String(),
		CallID:    callID,
		Caller:    "+15550001111",
		Items:     []tools.OrderItem{{Name: "Pad Thai", Quantity: 1, Variation: "Chicken"}},
		Subtotal:  12.95,
		TaxAmount: 1.07,
		Total:     14.02,
		Status:    tools.OrderDone,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}
	if err := s.CallEnded(ctx, callID, "CLOSED"); err != nil {
		t.Fatalf("CallEnded: %v", err)
	}

	var caller string
	err = s.pool.QueryRow(ctx,
		`SELECT caller_phone FROM calls WHERE call_sid = $1`, callID).Scan(&caller)
	if err != nil {
		t.Fatalf("query call: %v", err)
	}
	if caller != "+15550001111" {
		t.Errorf("caller = %q", caller)
	}
}
