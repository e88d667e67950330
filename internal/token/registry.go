/**
 * @description
 * Registry of in-process tokens. It resolves a campaign's token id to a custodian that
 * moves funds between backers and the escrow custody account.
 */

package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/transfa/crowdfunding-service/internal/app"
	"github.com/transfa/crowdfunding-service/internal/domain"
)

// Registry resolves token identities to in-process custodians.
type Registry struct {
	custody domain.Address

	mu     sync.RWMutex
	tokens map[domain.Address]*ERC20
}

// NewRegistry creates a registry whose custodians hold funds in custody.
func NewRegistry(custody domain.Address) *Registry {
	return &Registry{custody: custody, tokens: make(map[domain.Address]*ERC20)}
}

// Register adds a token, replacing any token with the same id.
func (r *Registry) Register(t *ERC20) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.ID()] = t
}

// Lookup returns the registered token with the given id.
func (r *Registry) Lookup(id domain.Address) (*ERC20, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[id]
	return t, ok
}

// Token implements app.TokenResolver.
func (r *Registry) Token(ctx context.Context, id domain.Address) (app.Token, error) {
	t, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, id)
	}
	return NewCustodian(t, r.custody), nil
}
