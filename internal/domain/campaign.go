/**
 * @description
 * This file defines the core domain models for the crowdfunding-service: campaigns,
 * per-backer pledge records and the global ledger parameters.
 *
 * @notes
 * - Amounts are `int64` values in the token's smallest unit, mirroring how the rest of
 *   the platform stores money, so no floating-point arithmetic touches escrowed funds.
 * - These structs are the in-memory view only. Their persisted shape is owned by
 *   internal/store/layout, which decides field order and defaults across versions.
 */

package domain

import (
	"strings"
	"time"
)

// Address identifies an account: a campaign creator, a backer, the admin, the escrow
// custody account, or a token. The execution environment supplies it already verified.
type Address string

// NormalizeAddress trims surrounding whitespace. An empty result is invalid.
func NormalizeAddress(raw string) Address {
	return Address(strings.TrimSpace(raw))
}

func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return strings.TrimSpace(string(a)) == "" }

// Campaign is one funding round. Everything except Pledged and Claimed is fixed at launch.
type Campaign struct {
	ID         uint64    `json:"id"`
	Creator    Address   `json:"creator"`
	Token      Address   `json:"token"`
	Goal       int64     `json:"goal"`
	Pledged    int64     `json:"pledged"`
	StartAt    time.Time `json:"start_at"`
	EndAt      time.Time `json:"end_at"`
	Claimed    bool      `json:"claimed"`
	LaunchedAt time.Time `json:"launched_at,omitempty"` // zero for records written before layout v2
}

// Phase is the observable lifecycle position of a campaign at a given instant.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseOpen      Phase = "open"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseClaimed   Phase = "claimed"
)

// PhaseAt derives the campaign phase at now. The window is inclusive on both ends.
func (c *Campaign) PhaseAt(now time.Time) Phase {
	switch {
	case now.Before(c.StartAt):
		return PhasePending
	case !now.After(c.EndAt):
		return PhaseOpen
	case c.Claimed:
		return PhaseClaimed
	case c.Pledged >= c.Goal:
		return PhaseSucceeded
	default:
		return PhaseFailed
	}
}

// Pledge is a backer's current net commitment into one campaign.
type Pledge struct {
	CampaignID uint64  `json:"campaign_id"`
	Backer     Address `json:"backer"`
	Amount     int64   `json:"amount"`
}

// Params holds the global, admin-controlled ledger parameters.
type Params struct {
	Admin       Address       `json:"admin"`
	MaxDuration time.Duration `json:"max_duration"`
	MinDuration time.Duration `json:"min_duration"` // added in layout v2; zero keeps v1 behaviour
}

// CampaignStatus is the read model returned by status queries.
type CampaignStatus struct {
	Campaign Campaign  `json:"campaign"`
	Phase    Phase     `json:"phase"`
	AsOf     time.Time `json:"as_of"`
}

// LaunchRequest is the DTO for incoming campaign launch API requests.
type LaunchRequest struct {
	Goal    int64  `json:"goal"`
	Token   string `json:"token"`
	StartAt int64  `json:"start_at"` // unix seconds
	EndAt   int64  `json:"end_at"`   // unix seconds
}

// AmountRequest is the DTO for pledge and unpledge API requests.
type AmountRequest struct {
	Amount int64 `json:"amount"`
}

// DurationRequest is the DTO for admin duration updates, expressed in seconds.
type DurationRequest struct {
	Seconds int64 `json:"seconds"`
}

// UpgradeRequest is the DTO for admin layout upgrades.
type UpgradeRequest struct {
	Version int `json:"version"`
}
