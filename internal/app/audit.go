/**
 * @description
 * Custody audit for the crowdfunding-service. The ledger's unclaimed pledged totals must
 * be backed by the custody account's token balances; this job compares the two and
 * reports any shortfall. It only reads.
 */
package app

import (
	"context"
	"log/slog"
	"sort"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

// CustodyReport is the audit result for one token.
type CustodyReport struct {
	Token     domain.Address `json:"token"`
	Expected  int64          `json:"expected"`
	Balance   int64          `json:"balance"`
	Shortfall int64          `json:"shortfall"`
	Campaigns int            `json:"campaigns"`
}

// CustodyAuditor compares escrowed totals with custody balances.
type CustodyAuditor struct {
	ledger  *Ledger
	tokens  TokenResolver
	custody domain.Address
	logger  *slog.Logger
}

// NewCustodyAuditor creates an auditor for the given custody account.
func NewCustodyAuditor(ledger *Ledger, tokens TokenResolver, custody domain.Address, logger *slog.Logger) *CustodyAuditor {
	return &CustodyAuditor{
		ledger:  ledger,
		tokens:  tokens,
		custody: custody,
		logger:  logger,
	}
}

// Audit returns one report per token that has unclaimed campaigns, ordered by token.
func (a *CustodyAuditor) Audit(ctx context.Context) ([]CustodyReport, error) {
	campaigns, err := a.ledger.Campaigns(ctx)
	if err != nil {
		return nil, err
	}

	byToken := make(map[domain.Address]*CustodyReport)
	for _, c := range campaigns {
		if c.Claimed {
			continue
		}
		r, ok := byToken[c.Token]
		if !ok {
			r = &CustodyReport{Token: c.Token}
			byToken[c.Token] = r
		}
		r.Expected += c.Pledged
		r.Campaigns++
	}

	reports := make([]CustodyReport, 0, len(byToken))
	for id, r := range byToken {
		tok, err := a.tokens.Token(ctx, id)
		if err != nil {
			return nil, transferError(err)
		}
		balance, err := tok.BalanceOf(ctx, a.custody)
		if err != nil {
			return nil, transferError(err)
		}
		r.Balance = balance
		if balance < r.Expected {
			r.Shortfall = r.Expected - balance
		}
		reports = append(reports, *r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Token < reports[j].Token })
	return reports, nil
}

// RunCustodyAudit is the cron entry point.
func (a *CustodyAuditor) RunCustodyAudit() {
	a.logger.Info("starting custody audit job")
	ctx := context.Background()

	reports, err := a.Audit(ctx)
	if err != nil {
		a.logger.Error("custody audit failed", "error", err)
		return
	}
	for _, r := range reports {
		if r.Shortfall > 0 {
			a.logger.Error("custody shortfall detected",
				"token", r.Token,
				"expected", r.Expected,
				"balance", r.Balance,
				"shortfall", r.Shortfall,
			)
			continue
		}
		a.logger.Info("custody balance covers escrow", "token", r.Token, "expected", r.Expected, "balance", r.Balance)
	}

	a.logger.Info("custody audit job finished", "tokens", len(reports))
}
