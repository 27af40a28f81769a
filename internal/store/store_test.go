package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foreman/internal/store"
	"foreman/internal/testsupport"
)

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	ctx := context.Background()

	first, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.CheckHealth(ctx); err != nil {
		t.Fatalf("CheckHealth failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening an initialized database accepts the recorded version.
	second, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = second.Close() }()

	if err := second.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestOpenRejectsUnknownSchemaVersion(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := st.Exec(context.Background(), "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := store.Open(cfg); !errors.Is(err, store.ErrSchemaMismatch) {
		t.Fatalf("expected schema mismatch, got %v", err)
	}
}

func TestWithRetryStopsOnNonBusyErrors(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := store.WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt for a non-busy error, got %d", calls)
	}
}

func TestTimeRoundTrip(t *testing.T) {
	moment := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.FixedZone("X", 3600))

	encoded := store.FormatTime(moment)
	decoded, err := store.ParseTime(encoded)
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !decoded.Equal(moment) {
		t.Fatalf("round trip changed the instant: %v vs %v", decoded, moment)
	}
	if decoded.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", decoded.Location())
	}

	if _, err := store.ParseTime(""); err == nil {
		t.Fatal("expected error for empty timestamp")
	}
}

func TestPlaceholders(t *testing.T) {
	cases := map[int]string{
		0: "",
		1: "?",
		3: "?,?,?",
	}
	for count, want := range cases {
		if got := store.Placeholders(count); got != want {
			t.Fatalf("Placeholders(%d) = %q, want %q", count, got, want)
		}
	}
}
