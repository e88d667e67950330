/**
 * @description
 * Read-only ledger queries. Inside an operation they read its uncommitted state;
 * otherwise they read committed state.
 */

package app

import (
	"context"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

// Campaign returns the campaign record.
func (l *Ledger) Campaign(ctx context.Context, id uint64) (*domain.Campaign, error) {
	var c *domain.Campaign
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		var err error
		c, err = loadCampaign(ctx, repo, id)
		return err
	})
	return c, err
}

// Status returns the campaign together with its phase at the current time.
func (l *Ledger) Status(ctx context.Context, id uint64) (*domain.CampaignStatus, error) {
	c, err := l.Campaign(ctx, id)
	if err != nil {
		return nil, err
	}
	now := l.clock.Now()
	return &domain.CampaignStatus{Campaign: *c, Phase: c.PhaseAt(now), AsOf: now.UTC()}, nil
}

// Campaigns lists every live campaign ordered by id.
func (l *Ledger) Campaigns(ctx context.Context) ([]domain.Campaign, error) {
	var out []domain.Campaign
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		var err error
		out, err = repo.Campaigns(ctx)
		return err
	})
	return out, err
}

// PledgedAmount returns backer's current pledge to a campaign. It is zero for backers
// that never pledged and for ids with no campaign.
func (l *Ledger) PledgedAmount(ctx context.Context, id uint64, backer domain.Address) (int64, error) {
	var amount int64
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		p, err := repo.Pledge(ctx, id, backer)
		if err != nil {
			return err
		}
		amount = p.Amount
		return nil
	})
	return amount, err
}

// Pledges lists every pledge record of a campaign, including zeroed ones.
func (l *Ledger) Pledges(ctx context.Context, id uint64) ([]domain.Pledge, error) {
	var out []domain.Pledge
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		if _, err := loadCampaign(ctx, repo, id); err != nil {
			return err
		}
		var err error
		out, err = repo.Pledges(ctx, id)
		return err
	})
	return out, err
}

// Params returns the global parameters.
func (l *Ledger) Params(ctx context.Context) (*domain.Params, error) {
	var params *domain.Params
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		var err error
		params, err = loadParams(ctx, repo)
		return err
	})
	return params, err
}

// LayoutVersion returns the stored layout version.
func (l *Ledger) LayoutVersion(ctx context.Context) (layout.Version, error) {
	var v layout.Version
	err := l.view(ctx, func(ctx context.Context, repo *store.Repository) error {
		var err error
		v, err = repo.Version(ctx)
		return err
	})
	return v, err
}
