// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"testing"

	"foreman/internal/config"
	"foreman/internal/store"
)

// NewConfig returns a validated config rooted in a per-test temp directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = base
	cfg.Paths.LogDir = base

	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate test config: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a store for the given config and closes it when the
// test finishes.
func MustOpenStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := st.Close(); closeErr != nil {
			t.Errorf("close store: %v", closeErr)
		}
	})
	return st
}
