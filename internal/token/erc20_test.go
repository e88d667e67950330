package token

import (
	"context"
	"errors"
	"testing"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

const custody domain.Address = "escrow"

func TestERC20_TransferFromSpendsAllowance(t *testing.T) {
	tok := NewERC20("usd")
	if err := tok.Mint("alice", 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Approve("alice", custody, 60); err != nil {
		t.Fatalf("approve: %v", err)
	}

	if err := tok.TransferFrom(custody, "alice", custody, 40); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if got := tok.Allowance("alice", custody); got != 20 {
		t.Fatalf("expected remaining allowance 20, got %d", got)
	}
	if tok.BalanceOf("alice") != 60 || tok.BalanceOf(custody) != 40 {
		t.Fatalf("unexpected balances alice=%d escrow=%d", tok.BalanceOf("alice"), tok.BalanceOf(custody))
	}

	err := tok.TransferFrom(custody, "alice", custody, 21)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
}

func TestERC20_Guards(t *testing.T) {
	tok := NewERC20("usd")
	if err := tok.Mint("alice", 10); err != nil {
		t.Fatalf("mint: %v", err)
	}

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{name: "overdraw", run: func() error { return tok.Transfer("alice", "bob", 11) }, wantErr: ErrInsufficientBalance},
		{name: "empty recipient", run: func() error { return tok.Transfer("alice", " ", 1) }, wantErr: ErrInvalidRecipient},
		{name: "zero amount", run: func() error { return tok.Transfer("alice", "bob", 0) }, wantErr: ErrInvalidAmount},
		{name: "mint to nobody", run: func() error { return tok.Mint("", 1) }, wantErr: ErrInvalidRecipient},
		{name: "negative approval", run: func() error { return tok.Approve("alice", "bob", -1) }, wantErr: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if tok.TotalSupply() != tok.BalanceOf("alice")+tok.BalanceOf("bob") {
		t.Fatal("expected supply to be conserved after rejected operations")
	}
}

func TestRegistry_ResolvesCustodians(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(custody)
	tok := NewERC20("usd")
	registry.Register(tok)
	if err := tok.Mint("alice", 50); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Approve("alice", custody, 50); err != nil {
		t.Fatalf("approve: %v", err)
	}

	capability, err := registry.Token(ctx, "usd")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := capability.TransferIn(ctx, "alice", 30); err != nil {
		t.Fatalf("transfer in: %v", err)
	}
	if err := capability.TransferOut(ctx, "bob", 10); err != nil {
		t.Fatalf("transfer out: %v", err)
	}
	balance, err := capability.BalanceOf(ctx, custody)
	if err != nil || balance != 20 {
		t.Fatalf("expected custody balance 20, got %d (%v)", balance, err)
	}
	allowance, err := capability.Allowance(ctx, "alice", custody)
	if err != nil || allowance != 20 {
		t.Fatalf("expected allowance 20, got %d (%v)", allowance, err)
	}

	if _, err := registry.Token(ctx, "eur"); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestCustodian_HonoursCancelledContext(t *testing.T) {
	tok := NewERC20("usd")
	c := NewCustodian(tok, custody)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.TransferOut(ctx, "bob", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
