/**
 * @description
 * Package token provides an in-process fungible token ledger with ERC-20 semantics. It
 * backs the escrow in single-process deployments and in tests; production deployments
 * reach a remote token service through pkg/tokenclient instead.
 *
 * @notes
 * - transfer requires balances[from] >= amount and a non-empty recipient.
 * - transferFrom additionally requires allowances[from][spender] >= amount.
 * - sum(balances) == totalSupply holds after every operation.
 */

package token

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")
	ErrInvalidRecipient      = errors.New("recipient address must not be empty")
	ErrInvalidAmount         = errors.New("token amount must be greater than zero")
	ErrSupplyOverflow        = errors.New("token supply would overflow")
	ErrUnknownToken          = errors.New("unknown token")
)

// ERC20 is one fungible token. It is safe for concurrent use.
type ERC20 struct {
	id domain.Address

	mu          sync.Mutex
	totalSupply int64
	balances    map[domain.Address]int64
	allowances  map[domain.Address]map[domain.Address]int64
}

// NewERC20 creates an empty token identified by id.
func NewERC20(id domain.Address) *ERC20 {
	return &ERC20{
		id:         id,
		balances:   make(map[domain.Address]int64),
		allowances: make(map[domain.Address]map[domain.Address]int64),
	}
}

// ID returns the token identity campaigns refer to.
func (t *ERC20) ID() domain.Address { return t.id }

// Mint creates amount new tokens for to.
func (t *ERC20) Mint(to domain.Address, amount int64) error {
	if to.IsZero() {
		return ErrInvalidRecipient
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalSupply > math.MaxInt64-amount {
		return ErrSupplyOverflow
	}
	t.totalSupply += amount
	t.balances[to] += amount
	return nil
}

// Approve sets spender's allowance over owner's balance.
func (t *ERC20) Approve(owner, spender domain.Address, amount int64) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[domain.Address]int64)
	}
	t.allowances[owner][spender] = amount
	return nil
}

// Transfer moves amount from one account to another.
func (t *ERC20) Transfer(from, to domain.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom spends spender's allowance to move amount from owner to to.
func (t *ERC20) TransferFrom(spender, owner, to domain.Address, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner][spender] < amount {
		return fmt.Errorf("%w: %s allowed %d to %s, needs %d", ErrInsufficientAllowance, owner, t.allowances[owner][spender], spender, amount)
	}
	if err := t.move(owner, to, amount); err != nil {
		return err
	}
	t.allowances[owner][spender] -= amount
	return nil
}

// BalanceOf returns account's balance.
func (t *ERC20) BalanceOf(account domain.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[account]
}

// Allowance returns spender's remaining allowance over owner's balance.
func (t *ERC20) Allowance(owner, spender domain.Address) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowances[owner][spender]
}

// TotalSupply returns the number of tokens in existence.
func (t *ERC20) TotalSupply() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalSupply
}

func (t *ERC20) move(from, to domain.Address, amount int64) error {
	if to.IsZero() {
		return ErrInvalidRecipient
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if t.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientBalance, from, t.balances[from], amount)
	}
	t.balances[from] -= amount
	t.balances[to] += amount
	return nil
}

// Custodian adapts an ERC20 to the escrow's token capability. Pledges are pulled from
// backers with their allowance to the custody account; payouts are sent from custody.
type Custodian struct {
	token   *ERC20
	custody domain.Address
}

// NewCustodian binds token to the custody account.
func NewCustodian(token *ERC20, custody domain.Address) *Custodian {
	return &Custodian{token: token, custody: custody}
}

func (c *Custodian) TransferIn(ctx context.Context, from domain.Address, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.token.TransferFrom(c.custody, from, c.custody, amount)
}

func (c *Custodian) TransferOut(ctx context.Context, to domain.Address, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.token.Transfer(c.custody, to, amount)
}

func (c *Custodian) BalanceOf(ctx context.Context, account domain.Address) (int64, error) {
	return c.token.BalanceOf(account), nil
}

func (c *Custodian) Allowance(ctx context.Context, owner, spender domain.Address) (int64, error) {
	return c.token.Allowance(owner, spender), nil
}
