/**
 * @description
 * Collaborator interfaces of the ledger: the escrow token, the resolver that maps a
 * campaign's token id to it, the event publisher and the clock.
 */

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

// Token is the capability the ledger uses to move one fungible token in and out of escrow
// custody. Implementations receive the ledger operation's context, and may call back into
// the ledger with it.
type Token interface {
	// TransferIn moves amount from the backer into escrow custody. It is expected to fail
	// when the backer's allowance or balance is insufficient.
	TransferIn(ctx context.Context, from domain.Address, amount int64) error
	// TransferOut moves amount from escrow custody to the recipient.
	TransferOut(ctx context.Context, to domain.Address, amount int64) error
	BalanceOf(ctx context.Context, account domain.Address) (int64, error)
	Allowance(ctx context.Context, owner, spender domain.Address) (int64, error)
}

// TokenResolver returns the Token capability for a campaign's token identity.
type TokenResolver interface {
	Token(ctx context.Context, token domain.Address) (Token, error)
}

// EventPublisher receives committed ledger events.
type EventPublisher interface {
	PublishLedgerEvent(ctx context.Context, event domain.LedgerEvent) error
}

// Clock supplies the current time to every timing check.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// transferError marks a collaborator failure. Both the kind and the cause stay
// reachable through errors.Is.
func transferError(cause error) error {
	return fmt.Errorf("%w: %w", domain.ErrTransferFailed, cause)
}

// collaboratorToken counts the transfers in progress on its ledger.
type collaboratorToken struct {
	Token
	ledger *Ledger
}

func (t collaboratorToken) TransferIn(ctx context.Context, from domain.Address, amount int64) error {
	t.ledger.collaborating.Add(1)
	defer t.ledger.collaborating.Add(-1)
	return t.Token.TransferIn(ctx, from, amount)
}

func (t collaboratorToken) TransferOut(ctx context.Context, to domain.Address, amount int64) error {
	t.ledger.collaborating.Add(1)
	defer t.ledger.collaborating.Add(-1)
	return t.Token.TransferOut(ctx, to, amount)
}
