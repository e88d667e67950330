/**
 * @description
 * This file defines the `Repository`, which maps the ledger's typed records onto keys of a
 * storage transaction. All reads and writes of one ledger operation go through a single
 * Repository bound to that operation's Txn.
 *
 * @dependencies
 * - internal/domain: the record types.
 * - internal/store/layout: record encoding and the stored layout version.
 *
 * @notes
 * - Records are written at the stored layout version, so a ledger that has not been
 *   upgraded keeps writing records older code can read. Reads always use the newest
 *   layout this build knows and fill fields missing from older records with defaults.
 * - A missing layout marker means the ledger predates the marker and is at v1.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/transfa/crowdfunding-service/internal/domain"
	"github.com/transfa/crowdfunding-service/internal/store/layout"
)

const (
	campaignPrefix  = "campaign/"
	pledgePrefix    = "pledge/"
	cancelledPrefix = "cancelled/"

	paramsKey        = "meta/params"
	campaignSeqKey   = "meta/campaign_seq"
	layoutVersionKey = "meta/layout_version"
)

var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrParamsNotFound   = errors.New("ledger parameters not found")
)

// Repository provides typed access to ledger records inside one transaction.
type Repository struct {
	txn     Txn
	version layout.Version
}

// NewRepository binds a Repository to txn.
func NewRepository(txn Txn) *Repository {
	return &Repository{txn: txn}
}

// Txn returns the transaction the repository is bound to.
func (r *Repository) Txn() Txn { return r.txn }

// Version returns the stored layout version.
func (r *Repository) Version(ctx context.Context) (layout.Version, error) {
	if r.version != 0 {
		return r.version, nil
	}
	raw, ok, err := r.txn.Get(ctx, layoutVersionKey)
	if err != nil {
		return 0, fmt.Errorf("read layout version: %w", err)
	}
	if !ok {
		r.version = layout.V1
		return r.version, nil
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, fmt.Errorf("read layout version: %w: %q", layout.ErrCorruptRecord, raw)
	}
	v := layout.Version(n)
	if v > layout.Latest {
		return 0, fmt.Errorf("stored layout v%d: %w", v, layout.ErrRecordFromNewerLayout)
	}
	if !layout.Known(v) {
		return 0, fmt.Errorf("stored layout v%d: %w", v, layout.ErrUnknownVersion)
	}
	r.version = v
	return v, nil
}

// SetVersion records v as the stored layout version.
func (r *Repository) SetVersion(ctx context.Context, v layout.Version) error {
	if !layout.Known(v) {
		return fmt.Errorf("set layout v%d: %w", v, layout.ErrUnknownVersion)
	}
	if err := r.txn.Put(ctx, layoutVersionKey, []byte(strconv.Itoa(int(v)))); err != nil {
		return fmt.Errorf("write layout version: %w", err)
	}
	r.version = v
	return nil
}

// Migrate moves the stored layout to target and rewrites the params record so parameters
// introduced after its writer version are persisted with their defaults. Campaign and
// pledge records keep their old encoding until they are next written.
func (r *Repository) Migrate(ctx context.Context, target layout.Version) error {
	current, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if target <= current {
		return nil
	}
	params, err := r.Params(ctx)
	if err != nil && !errors.Is(err, ErrParamsNotFound) {
		return err
	}
	if err := r.SetVersion(ctx, target); err != nil {
		return err
	}
	if params == nil {
		return nil
	}
	return r.PutParams(ctx, params)
}

// Params returns the global ledger parameters.
func (r *Repository) Params(ctx context.Context) (*domain.Params, error) {
	raw, ok, err := r.txn.Get(ctx, paramsKey)
	if err != nil {
		return nil, fmt.Errorf("read params: %w", err)
	}
	if !ok {
		return nil, ErrParamsNotFound
	}
	var p domain.Params
	if _, err := layout.ParamsLayout.Decode(layout.Latest, raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PutParams writes the global ledger parameters.
func (r *Repository) PutParams(ctx context.Context, p *domain.Params) error {
	return r.put(ctx, paramsKey, func(v layout.Version) ([]byte, error) {
		return layout.ParamsLayout.Encode(v, p)
	})
}

// NextCampaignID allocates the next campaign id. Ids start at 1 and are never reused.
func (r *Repository) NextCampaignID(ctx context.Context) (uint64, error) {
	raw, ok, err := r.txn.Get(ctx, campaignSeqKey)
	if err != nil {
		return 0, fmt.Errorf("read campaign sequence: %w", err)
	}
	var last uint64
	if ok {
		last, err = strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("read campaign sequence: %w: %q", layout.ErrCorruptRecord, raw)
		}
	}
	next := last + 1
	if err := r.txn.Put(ctx, campaignSeqKey, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, fmt.Errorf("write campaign sequence: %w", err)
	}
	return next, nil
}

// Campaign returns the campaign with the given id.
func (r *Repository) Campaign(ctx context.Context, id uint64) (*domain.Campaign, error) {
	raw, ok, err := r.txn.Get(ctx, campaignKey(id))
	if err != nil {
		return nil, fmt.Errorf("read campaign %d: %w", id, err)
	}
	if !ok {
		return nil, ErrCampaignNotFound
	}
	var c domain.Campaign
	if _, err := layout.CampaignLayout.Decode(layout.Latest, raw, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutCampaign writes c under its id.
func (r *Repository) PutCampaign(ctx context.Context, c *domain.Campaign) error {
	return r.put(ctx, campaignKey(c.ID), func(v layout.Version) ([]byte, error) {
		return layout.CampaignLayout.Encode(v, c)
	})
}

// CancelCampaign deletes the campaign record and leaves a tombstone for its id.
func (r *Repository) CancelCampaign(ctx context.Context, id uint64) error {
	if err := r.txn.Delete(ctx, campaignKey(id)); err != nil {
		return fmt.Errorf("delete campaign %d: %w", id, err)
	}
	if err := r.txn.Put(ctx, cancelledKey(id), []byte("1")); err != nil {
		return fmt.Errorf("write tombstone %d: %w", id, err)
	}
	return nil
}

// IsCancelled reports whether id carries a cancel tombstone.
func (r *Repository) IsCancelled(ctx context.Context, id uint64) (bool, error) {
	_, ok, err := r.txn.Get(ctx, cancelledKey(id))
	if err != nil {
		return false, fmt.Errorf("read tombstone %d: %w", id, err)
	}
	return ok, nil
}

// Campaigns lists every live campaign ordered by id.
func (r *Repository) Campaigns(ctx context.Context) ([]domain.Campaign, error) {
	entries, err := r.txn.Scan(ctx, campaignPrefix)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	out := make([]domain.Campaign, 0, len(entries))
	for _, kv := range entries {
		var c domain.Campaign
		if _, err := layout.CampaignLayout.Decode(layout.Latest, kv.Value, &c); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Pledge returns the backer's record for a campaign. A backer that never pledged has a
// zero-amount record.
func (r *Repository) Pledge(ctx context.Context, id uint64, backer domain.Address) (*domain.Pledge, error) {
	p := &domain.Pledge{CampaignID: id, Backer: backer}
	raw, ok, err := r.txn.Get(ctx, pledgeKey(id, backer))
	if err != nil {
		return nil, fmt.Errorf("read pledge %d/%s: %w", id, backer, err)
	}
	if !ok {
		return p, nil
	}
	if _, err := layout.PledgeLayout.Decode(layout.Latest, raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PutPledge writes p. Records are kept even at zero.
func (r *Repository) PutPledge(ctx context.Context, p *domain.Pledge) error {
	return r.put(ctx, pledgeKey(p.CampaignID, p.Backer), func(v layout.Version) ([]byte, error) {
		return layout.PledgeLayout.Encode(v, p)
	})
}

// Pledges lists every pledge record of a campaign ordered by backer.
func (r *Repository) Pledges(ctx context.Context, id uint64) ([]domain.Pledge, error) {
	prefix := pledgeKey(id, "")
	entries, err := r.txn.Scan(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list pledges %d: %w", id, err)
	}
	out := make([]domain.Pledge, 0, len(entries))
	for _, kv := range entries {
		p := domain.Pledge{CampaignID: id, Backer: domain.Address(strings.TrimPrefix(kv.Key, prefix))}
		if _, err := layout.PledgeLayout.Decode(layout.Latest, kv.Value, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", kv.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repository) put(ctx context.Context, key string, encode func(layout.Version) ([]byte, error)) error {
	v, err := r.Version(ctx)
	if err != nil {
		return err
	}
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := r.txn.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Ids are zero-padded so byte-ordered scans return campaigns in id order.
func campaignKey(id uint64) string { return fmt.Sprintf("%s%020d", campaignPrefix, id) }

func cancelledKey(id uint64) string { return fmt.Sprintf("%s%020d", cancelledPrefix, id) }

func pledgeKey(id uint64, backer domain.Address) string {
	return fmt.Sprintf("%s%020d/%s", pledgePrefix, id, backer)
}
