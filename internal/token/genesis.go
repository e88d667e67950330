package token

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

var ErrInvalidGenesis = errors.New("invalid token genesis entry")

// GenesisEntry is one starting balance for the in-process registry.
type GenesisEntry struct {
	Token   domain.Address
	Account domain.Address
	Amount  int64
}

// ParseGenesis parses comma-separated "token:account:amount" entries. Blank entries are
// skipped.
func ParseGenesis(raw string) ([]GenesisEntry, error) {
	var entries []GenesisEntry
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w %q: want token:account:amount", ErrInvalidGenesis, item)
		}
		entry := GenesisEntry{
			Token:   domain.NormalizeAddress(parts[0]),
			Account: domain.NormalizeAddress(parts[1]),
		}
		if entry.Token.IsZero() || entry.Account.IsZero() {
			return nil, fmt.Errorf("%w %q: token and account are required", ErrInvalidGenesis, item)
		}
		amount, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("%w %q: amount must be a positive integer", ErrInvalidGenesis, item)
		}
		entry.Amount = amount
		entries = append(entries, entry)
	}
	return entries, nil
}

// Seed registers every listed token and applies the genesis entries. Each entry mints
// its amount to the account and raises the account's allowance for the custody account
// by the same amount, so the balance can be pledged right away. Tokens named only by a
// genesis entry are registered too.
func (r *Registry) Seed(tokens []domain.Address, genesis []GenesisEntry) error {
	for _, id := range tokens {
		if id = domain.NormalizeAddress(id.String()); !id.IsZero() {
			r.lookupOrRegister(id)
		}
	}
	for _, entry := range genesis {
		tok := r.lookupOrRegister(entry.Token)
		if err := tok.Mint(entry.Account, entry.Amount); err != nil {
			return fmt.Errorf("failed to mint %d %s to %s: %w", entry.Amount, entry.Token, entry.Account, err)
		}
		allowance := tok.Allowance(entry.Account, r.custody)
		if allowance > math.MaxInt64-entry.Amount {
			allowance = math.MaxInt64 - entry.Amount
		}
		if err := tok.Approve(entry.Account, r.custody, allowance+entry.Amount); err != nil {
			return fmt.Errorf("failed to approve custody for %s on %s: %w", entry.Account, entry.Token, err)
		}
	}
	return nil
}

// IDs returns the registered token ids in no particular order.
func (r *Registry) IDs() []domain.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]domain.Address, 0, len(r.tokens))
	for id := range r.tokens {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) lookupOrRegister(id domain.Address) *ERC20 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		return t
	}
	t := NewERC20(id)
	r.tokens[id] = t
	return t
}
