package main

import (
	"errors"
	"testing"

	"github.com/transfa/crowdfunding-service/internal/config"
	"github.com/transfa/crowdfunding-service/internal/token"
)

func TestSeedLocalTokens(t *testing.T) {
	registry, err := seedLocalTokens(config.Config{LocalTokens: "eur", LocalTokenGenesis: "usd:alice:1000"}, "escrow")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if len(registry.IDs()) != 2 {
		t.Fatalf("expected usd and eur registered, got %v", registry.IDs())
	}
	usd, ok := registry.Lookup("usd")
	if !ok || usd.BalanceOf("alice") != 1000 || usd.Allowance("alice", "escrow") != 1000 {
		t.Fatalf("expected alice funded and custody approved, got ok=%v", ok)
	}

	if _, err := seedLocalTokens(config.Config{}, "escrow"); err == nil {
		t.Fatal("expected an empty in-process registry to be refused")
	}
	if _, err := seedLocalTokens(config.Config{LocalTokenGenesis: "usd:alice"}, "escrow"); !errors.Is(err, token.ErrInvalidGenesis) {
		t.Fatalf("expected ErrInvalidGenesis, got %v", err)
	}
}
