/**
 * @description
 * Admin operations of the ledger: one-time initialization, the campaign duration bounds,
 * and storage layout upgrades. Every mutation except Initialize requires the admin
 * recorded in the parameters.
 */

package app

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

// Initialize writes the global parameters once. It also stamps the initial layout
// version on a store that has no marker yet.
func (l *Ledger) Initialize(ctx context.Context, admin domain.Address, maxDuration time.Duration) error {
	return l.execute(ctx, "initialize", func(ctx context.Context, x *execution) error {
		_, err := loadParams(ctx, x.repo)
		if err == nil {
			return domain.ErrAlreadyInitialized
		}
		if !errors.Is(err, domain.ErrNotInitialized) {
			return err
		}
		if admin.IsZero() {
			return domain.ErrInvalidAddress
		}
		if maxDuration <= 0 {
			return domain.ErrInvalidDuration
		}
		if !layout.Known(l.initialLayout) {
			return domain.ErrUnknownLayout
		}

		if err := x.repo.SetVersion(ctx, l.initialLayout); err != nil {
			return err
		}
		params := &domain.Params{Admin: admin, MaxDuration: maxDuration}
		if err := x.repo.PutParams(ctx, params); err != nil {
			return err
		}
		l.logger.Info("ledger initialized", "admin", admin, "max_duration", maxDuration, "layout_version", int(l.initialLayout))
		return nil
	})
}

// SetMaxDuration replaces the maximum campaign window. Existing campaigns keep theirs.
func (l *Ledger) SetMaxDuration(ctx context.Context, caller domain.Address, d time.Duration) error {
	return l.execute(ctx, "set_max_duration", func(ctx context.Context, x *execution) error {
		params, err := l.adminParams(ctx, x, caller)
		if err != nil {
			return err
		}
		if d <= 0 || d < params.MinDuration {
			return domain.ErrInvalidDuration
		}
		params.MaxDuration = d
		if err := x.repo.PutParams(ctx, params); err != nil {
			return err
		}
		x.emit(paramsEvent(domain.EventMaxDurationUpdated, caller, params, l.clock.Now()))
		return nil
	})
}

// SetMinDuration replaces the minimum campaign window. It needs layout v2.
func (l *Ledger) SetMinDuration(ctx context.Context, caller domain.Address, d time.Duration) error {
	return l.execute(ctx, "set_min_duration", func(ctx context.Context, x *execution) error {
		params, err := l.adminParams(ctx, x, caller)
		if err != nil {
			return err
		}
		v, err := x.repo.Version(ctx)
		if err != nil {
			return err
		}
		if v < layout.V2 {
			return domain.ErrLayoutOutdated
		}
		if d < 0 || d > params.MaxDuration {
			return domain.ErrInvalidDuration
		}
		params.MinDuration = d
		if err := x.repo.PutParams(ctx, params); err != nil {
			return err
		}
		x.emit(paramsEvent(domain.EventMinDurationUpdated, caller, params, l.clock.Now()))
		return nil
	})
}

// Upgrade moves the stored layout to target. Every campaign and pledge stays readable with
// its meaning unchanged; fields added by target read as their defaults until written.
// Upgrading to the current version is a no-op.
func (l *Ledger) Upgrade(ctx context.Context, caller domain.Address, target layout.Version) error {
	return l.execute(ctx, "upgrade", func(ctx context.Context, x *execution) error {
		if _, err := l.adminParams(ctx, x, caller); err != nil {
			return err
		}
		if !layout.Known(target) {
			return domain.ErrUnknownLayout
		}
		current, err := x.repo.Version(ctx)
		if err != nil {
			return err
		}
		if target < current {
			return domain.ErrLayoutDowngrade
		}
		if target == current {
			return nil
		}
		if err := x.repo.Migrate(ctx, target); err != nil {
			return err
		}

		params, err := loadParams(ctx, x.repo)
		if err != nil {
			return err
		}
		event := paramsEvent(domain.EventLedgerUpgraded, caller, params, l.clock.Now())
		event.Version = int(target)
		x.emit(event)
		l.logger.Info("ledger layout upgraded", "from", int(current), "to", int(target))
		return nil
	})
}

func (l *Ledger) adminParams(ctx context.Context, x *execution, caller domain.Address) (*domain.Params, error) {
	params, err := loadParams(ctx, x.repo)
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || caller != params.Admin {
		return nil, domain.ErrNotAdmin
	}
	return params, nil
}

func paramsEvent(eventType string, actor domain.Address, params *domain.Params, at time.Time) domain.LedgerEvent {
	event := domain.NewLedgerEvent(eventType, actor, at)
	snapshot := *params
	event.Params = &snapshot
	return event
}
