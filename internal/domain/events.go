package domain

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys for ledger events published to the events exchange.
const (
	EventCampaignLaunched   = "campaign.launched"
	EventCampaignCancelled  = "campaign.cancelled"
	EventCampaignPledged    = "campaign.pledged"
	EventCampaignUnpledged  = "campaign.unpledged"
	EventCampaignClaimed    = "campaign.claimed"
	EventCampaignRefunded   = "campaign.refunded"
	EventMaxDurationUpdated = "ledger.max_duration_updated"
	EventMinDurationUpdated = "ledger.min_duration_updated"
	EventLedgerUpgraded     = "ledger.upgraded"
)

// LedgerEvent is emitted for observers after the operation that produced it commits.
// Campaign is a snapshot of the record as committed, nil for ledger-wide events.
type LedgerEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	CampaignID uint64    `json:"campaign_id,omitempty"`
	Actor      Address   `json:"actor"`
	Amount     int64     `json:"amount,omitempty"`
	Campaign   *Campaign `json:"campaign,omitempty"`
	Params     *Params   `json:"params,omitempty"`
	Version    int       `json:"layout_version,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewLedgerEvent stamps an event with a fresh id.
func NewLedgerEvent(eventType string, actor Address, at time.Time) LedgerEvent {
	return LedgerEvent{
		EventID:    uuid.New(),
		EventType:  eventType,
		Actor:      actor,
		OccurredAt: at.UTC(),
	}
}
