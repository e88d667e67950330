/**
 * @description
 * Campaign operations of the ledger: launch, cancel, pledge, unpledge, claim and refund.
 * Each operation checks its preconditions against the stored records, updates them, and
 * only then moves tokens, so a callback from the token sees the new state.
 *
 * @notes
 * - A pledge window is inclusive of both ends; claim and refund open strictly after end.
 * - Claim marks the campaign claimed before paying out; refund zeroes the pledge before
 *   paying out. A failed payout rolls both back.
 */

package app

import (
	"context"
	"math"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

// Launch registers a campaign for caller and returns its id.
func (l *Ledger) Launch(ctx context.Context, caller domain.Address, goal int64, token domain.Address, startAt, endAt time.Time) (uint64, error) {
	var id uint64
	err := l.execute(ctx, "launch", func(ctx context.Context, x *execution) error {
		params, err := loadParams(ctx, x.repo)
		if err != nil {
			return err
		}
		if caller.IsZero() || token.IsZero() {
			return domain.ErrInvalidAddress
		}
		now := l.clock.Now()
		if !startAt.After(now) || !endAt.After(startAt) {
			return domain.ErrInvalidWindow
		}
		if !layout.Storable(startAt) || !layout.Storable(endAt) {
			return domain.ErrInvalidWindow
		}
		duration := endAt.Sub(startAt)
		if duration > params.MaxDuration {
			return domain.ErrWindowTooLong
		}
		if duration < params.MinDuration {
			return domain.ErrWindowTooShort
		}
		if goal <= 0 {
			return domain.ErrInvalidGoal
		}

		id, err = x.repo.NextCampaignID(ctx)
		if err != nil {
			return err
		}
		c := &domain.Campaign{
			ID:         id,
			Creator:    caller,
			Token:      token,
			Goal:       goal,
			StartAt:    startAt.UTC(),
			EndAt:      endAt.UTC(),
			LaunchedAt: now.UTC(),
		}
		if err := x.repo.PutCampaign(ctx, c); err != nil {
			return err
		}
		x.emit(campaignEvent(domain.EventCampaignLaunched, caller, c, 0, now))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Cancel removes a campaign that has not started yet. Only its creator may cancel it.
func (l *Ledger) Cancel(ctx context.Context, caller domain.Address, id uint64) error {
	return l.execute(ctx, "cancel", func(ctx context.Context, x *execution) error {
		if _, err := loadParams(ctx, x.repo); err != nil {
			return err
		}
		c, err := loadCampaign(ctx, x.repo, id)
		if err != nil {
			return err
		}
		if c.Creator != caller {
			return domain.ErrNotCreator
		}
		now := l.clock.Now()
		if !now.Before(c.StartAt) {
			return domain.ErrAlreadyStarted
		}
		if err := x.repo.CancelCampaign(ctx, id); err != nil {
			return err
		}
		x.emit(campaignEvent(domain.EventCampaignCancelled, caller, c, 0, now))
		return nil
	})
}

// Pledge commits amount from caller into the campaign while its window is open.
func (l *Ledger) Pledge(ctx context.Context, caller domain.Address, id uint64, amount int64) error {
	return l.execute(ctx, "pledge", func(ctx context.Context, x *execution) error {
		if _, err := loadParams(ctx, x.repo); err != nil {
			return err
		}
		c, err := loadCampaign(ctx, x.repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		if err := requireOpen(c, now); err != nil {
			return err
		}
		if caller.IsZero() {
			return domain.ErrInvalidAddress
		}
		if amount <= 0 {
			return domain.ErrZeroAmount
		}
		if c.Pledged > math.MaxInt64-amount {
			return domain.ErrAmountOverflow
		}

		p, err := x.repo.Pledge(ctx, id, caller)
		if err != nil {
			return err
		}
		c.Pledged += amount
		p.Amount += amount
		if err := x.repo.PutCampaign(ctx, c); err != nil {
			return err
		}
		if err := x.repo.PutPledge(ctx, p); err != nil {
			return err
		}

		tok, err := l.token(ctx, c.Token)
		if err != nil {
			return err
		}
		if err := tok.TransferIn(ctx, caller, amount); err != nil {
			return transferError(err)
		}
		x.emit(campaignEvent(domain.EventCampaignPledged, caller, c, amount, now))
		return nil
	})
}

// Unpledge withdraws part or all of caller's pledge while the window is open.
func (l *Ledger) Unpledge(ctx context.Context, caller domain.Address, id uint64, amount int64) error {
	return l.execute(ctx, "unpledge", func(ctx context.Context, x *execution) error {
		if _, err := loadParams(ctx, x.repo); err != nil {
			return err
		}
		c, err := loadCampaign(ctx, x.repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		if err := requireOpen(c, now); err != nil {
			return err
		}
		if amount <= 0 {
			return domain.ErrZeroAmount
		}
		p, err := x.repo.Pledge(ctx, id, caller)
		if err != nil {
			return err
		}
		if p.Amount < amount {
			return domain.ErrInsufficient
		}

		c.Pledged -= amount
		p.Amount -= amount
		if err := x.repo.PutCampaign(ctx, c); err != nil {
			return err
		}
		if err := x.repo.PutPledge(ctx, p); err != nil {
			return err
		}

		tok, err := l.token(ctx, c.Token)
		if err != nil {
			return err
		}
		if err := tok.TransferOut(ctx, caller, amount); err != nil {
			return transferError(err)
		}
		x.emit(campaignEvent(domain.EventCampaignUnpledged, caller, c, amount, now))
		return nil
	})
}

// Claim pays the full pledged total to the creator of a campaign that met its goal.
// It returns the amount paid.
func (l *Ledger) Claim(ctx context.Context, caller domain.Address, id uint64) (int64, error) {
	var paid int64
	err := l.execute(ctx, "claim", func(ctx context.Context, x *execution) error {
		if _, err := loadParams(ctx, x.repo); err != nil {
			return err
		}
		c, err := loadCampaign(ctx, x.repo, id)
		if err != nil {
			return err
		}
		if c.Creator != caller {
			return domain.ErrNotCreator
		}
		now := l.clock.Now()
		if !now.After(c.EndAt) {
			return domain.ErrTooEarly
		}
		if c.Pledged < c.Goal {
			return domain.ErrGoalNotMet
		}
		if c.Claimed {
			return domain.ErrAlreadyClaimed
		}

		// claimed is persisted before funds leave custody.
		c.Claimed = true
		if err := x.repo.PutCampaign(ctx, c); err != nil {
			return err
		}

		tok, err := l.token(ctx, c.Token)
		if err != nil {
			return err
		}
		if err := tok.TransferOut(ctx, c.Creator, c.Pledged); err != nil {
			return transferError(err)
		}
		paid = c.Pledged
		x.emit(campaignEvent(domain.EventCampaignClaimed, caller, c, c.Pledged, now))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

// Refund returns caller's whole pledge from a campaign that ended below its goal.
// It returns the amount refunded.
func (l *Ledger) Refund(ctx context.Context, caller domain.Address, id uint64) (int64, error) {
	var refunded int64
	err := l.execute(ctx, "refund", func(ctx context.Context, x *execution) error {
		if _, err := loadParams(ctx, x.repo); err != nil {
			return err
		}
		c, err := loadCampaign(ctx, x.repo, id)
		if err != nil {
			return err
		}
		now := l.clock.Now()
		if !now.After(c.EndAt) {
			return domain.ErrTooEarly
		}
		if c.Pledged >= c.Goal {
			return domain.ErrGoalMet
		}
		p, err := x.repo.Pledge(ctx, id, caller)
		if err != nil {
			return err
		}
		if p.Amount == 0 {
			return domain.ErrNothingToRefund
		}

		amount := p.Amount
		p.Amount = 0
		c.Pledged -= amount
		if err := x.repo.PutPledge(ctx, p); err != nil {
			return err
		}
		if err := x.repo.PutCampaign(ctx, c); err != nil {
			return err
		}

		tok, err := l.token(ctx, c.Token)
		if err != nil {
			return err
		}
		if err := tok.TransferOut(ctx, caller, amount); err != nil {
			return transferError(err)
		}
		refunded = amount
		x.emit(campaignEvent(domain.EventCampaignRefunded, caller, c, amount, now))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

// requireOpen checks startAt <= now <= endAt.
func requireOpen(c *domain.Campaign, now time.Time) error {
	if now.Before(c.StartAt) {
		return domain.ErrNotStarted
	}
	if now.After(c.EndAt) {
		return domain.ErrEnded
	}
	return nil
}

func campaignEvent(eventType string, actor domain.Address, c *domain.Campaign, amount int64, at time.Time) domain.LedgerEvent {
	event := domain.NewLedgerEvent(eventType, actor, at)
	snapshot := *c
	event.CampaignID = c.ID
	event.Campaign = &snapshot
	event.Amount = amount
	return event
}
