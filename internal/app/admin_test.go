package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

func TestSetMaxDuration(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, store.NewMemoryBackend())
	id, c := tl.launchOpen(t, 10)

	requireCode(t, tl.SetMaxDuration(ctx, alice, time.Hour), domain.ErrNotAdmin)
	requireCode(t, tl.SetMaxDuration(ctx, testAdmin, 0), domain.ErrInvalidDuration)
	requireCode(t, tl.SetMaxDuration(ctx, testAdmin, -time.Second), domain.ErrInvalidDuration)

	if err := tl.SetMaxDuration(ctx, testAdmin, 30*time.Minute); err != nil {
		t.Fatalf("set max duration: %v", err)
	}
	params, err := tl.Params(ctx)
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if params.MaxDuration != 30*time.Minute {
		t.Fatalf("expected 30m, got %s", params.MaxDuration)
	}

	start := t0.Add(time.Minute)
	_, err = tl.Launch(ctx, testCreator, 10, testToken, start, start.Add(time.Hour))
	requireCode(t, err, domain.ErrWindowTooLong)

	existing, err := tl.Campaign(ctx, id)
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	if !existing.EndAt.Equal(c.EndAt) {
		t.Fatal("expected existing campaign window to be unaffected")
	}

	last := tl.publisher.events[len(tl.publisher.events)-1]
	if last.EventType != domain.EventMaxDurationUpdated || last.Params == nil || last.Params.MaxDuration != 30*time.Minute {
		t.Fatalf("expected max duration event, got %+v", last)
	}
}

func TestSetMinDuration(t *testing.T) {
	ctx := context.Background()
	tl := newTestLedger(t, store.NewMemoryBackend())

	requireCode(t, tl.SetMinDuration(ctx, bob, time.Minute), domain.ErrNotAdmin)
	requireCode(t, tl.SetMinDuration(ctx, testAdmin, -time.Second), domain.ErrInvalidDuration)
	requireCode(t, tl.SetMinDuration(ctx, testAdmin, testMaxDuration+time.Second), domain.ErrInvalidDuration)

	if err := tl.SetMinDuration(ctx, testAdmin, 10*time.Minute); err != nil {
		t.Fatalf("set min duration: %v", err)
	}
	start := t0.Add(time.Minute)
	_, err := tl.Launch(ctx, testCreator, 10, testToken, start, start.Add(5*time.Minute))
	requireCode(t, err, domain.ErrWindowTooShort)
	if _, err := tl.Launch(ctx, testCreator, 10, testToken, start, start.Add(10*time.Minute)); err != nil {
		t.Fatalf("expected a window of exactly the minimum to launch, got %v", err)
	}

	requireCode(t, tl.SetMaxDuration(ctx, testAdmin, 5*time.Minute), domain.ErrInvalidDuration)
}

func TestSetMinDuration_RequiresUpgradedLayout(t *testing.T) {
	tl := newTestLedger(t, store.NewMemoryBackend(), WithInitialLayout(layout.V1))
	requireCode(t, tl.SetMinDuration(context.Background(), testAdmin, time.Minute), domain.ErrLayoutOutdated)
}

// A v1 ledger with live pledges is upgraded; every record keeps its meaning and the new
// parameter reads as its default.
func TestUpgrade_PreservesRecordsAndDefaultsNewFields(t *testing.T) {
	for name, backend := range map[string]func(t *testing.T) store.Backend{
		"memory": func(t *testing.T) store.Backend { return store.NewMemoryBackend() },
		"sqlite": newSQLiteBackend,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tl := newTestLedger(t, backend(t), WithInitialLayout(layout.V1))
			id, c := tl.launchOpen(t, 1_000)
			tl.clock.Set(c.StartAt)
			if err := tl.Pledge(ctx, alice, id, 500); err != nil {
				t.Fatalf("pledge: %v", err)
			}

			before, err := tl.Campaign(ctx, id)
			if err != nil {
				t.Fatalf("campaign: %v", err)
			}
			if !before.LaunchedAt.IsZero() {
				t.Fatalf("expected v1 records to carry no launch time, got %s", before.LaunchedAt)
			}

			requireCode(t, tl.Upgrade(ctx, alice, layout.V2), domain.ErrNotAdmin)
			requireCode(t, tl.Upgrade(ctx, testAdmin, layout.Version(7)), domain.ErrUnknownLayout)
			if err := tl.Upgrade(ctx, testAdmin, layout.V2); err != nil {
				t.Fatalf("upgrade: %v", err)
			}

			v, err := tl.LayoutVersion(ctx)
			if err != nil || v != layout.V2 {
				t.Fatalf("expected layout v2, got v%d (%v)", v, err)
			}
			if got := tl.pledgeOf(t, id, alice); got != 500 {
				t.Fatalf("expected alice pledge 500 after upgrade, got %d", got)
			}
			after, err := tl.Campaign(ctx, id)
			if err != nil {
				t.Fatalf("campaign: %v", err)
			}
			if *after != *before {
				t.Fatalf("expected campaign unchanged by upgrade, before=%+v after=%+v", before, after)
			}
			params, err := tl.Params(ctx)
			if err != nil {
				t.Fatalf("params: %v", err)
			}
			if params.Admin != testAdmin || params.MaxDuration != testMaxDuration || params.MinDuration != 0 {
				t.Fatalf("unexpected params after upgrade %+v", params)
			}

			if err := tl.SetMaxDuration(ctx, testAdmin, 100800*time.Second); err != nil {
				t.Fatalf("set max duration after upgrade: %v", err)
			}
			if err := tl.SetMinDuration(ctx, testAdmin, time.Minute); err != nil {
				t.Fatalf("set min duration after upgrade: %v", err)
			}

			// The old campaign keeps working and is rewritten at v2 on its next write.
			if err := tl.Pledge(ctx, bob, id, 500); err != nil {
				t.Fatalf("pledge after upgrade: %v", err)
			}
			tl.clock.Set(c.EndAt.Add(time.Second))
			paid, err := tl.Claim(ctx, testCreator, id)
			if err != nil {
				t.Fatalf("claim after upgrade: %v", err)
			}
			if paid != 1_000 {
				t.Fatalf("expected claim of 1000, got %d", paid)
			}

			requireCode(t, tl.Upgrade(ctx, testAdmin, layout.V1), domain.ErrLayoutDowngrade)
			if err := tl.Upgrade(ctx, testAdmin, layout.V2); err != nil {
				t.Fatalf("expected upgrade to current version to be a no-op, got %v", err)
			}

			var upgraded []domain.LedgerEvent
			for _, e := range tl.publisher.events {
				if e.EventType == domain.EventLedgerUpgraded {
					upgraded = append(upgraded, e)
				}
			}
			if len(upgraded) != 1 || upgraded[0].Version != int(layout.V2) {
				t.Fatalf("expected exactly one upgraded event to v2, got %+v", upgraded)
			}
		})
	}
}
