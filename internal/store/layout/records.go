package layout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

// CampaignLayout is the persisted shape of a campaign record.
var CampaignLayout = Layout[domain.Campaign]{
	Record: "campaign",
	Fields: []Field[domain.Campaign]{
		field[domain.Campaign]("id", "uint64", V1, func(c *domain.Campaign) *uint64 { return &c.ID }, 0),
		field[domain.Campaign]("creator", "address", V1, func(c *domain.Campaign) *domain.Address { return &c.Creator }, ""),
		field[domain.Campaign]("token", "address", V1, func(c *domain.Campaign) *domain.Address { return &c.Token }, ""),
		field[domain.Campaign]("goal", "int64", V1, func(c *domain.Campaign) *int64 { return &c.Goal }, 0),
		field[domain.Campaign]("pledged", "int64", V1, func(c *domain.Campaign) *int64 { return &c.Pledged }, 0),
		timeField[domain.Campaign]("start_at", V1, func(c *domain.Campaign) *time.Time { return &c.StartAt }),
		timeField[domain.Campaign]("end_at", V1, func(c *domain.Campaign) *time.Time { return &c.EndAt }),
		field[domain.Campaign]("claimed", "bool", V1, func(c *domain.Campaign) *bool { return &c.Claimed }, false),
		timeField[domain.Campaign]("launched_at", V2, func(c *domain.Campaign) *time.Time { return &c.LaunchedAt }),
	},
}

// PledgeLayout is the persisted shape of a pledge record. The campaign id and backer are
// part of the record key, not the value.
var PledgeLayout = Layout[domain.Pledge]{
	Record: "pledge",
	Fields: []Field[domain.Pledge]{
		field[domain.Pledge]("amount", "int64", V1, func(p *domain.Pledge) *int64 { return &p.Amount }, 0),
	},
}

// ParamsLayout is the persisted shape of the global parameters record.
var ParamsLayout = Layout[domain.Params]{
	Record: "params",
	Fields: []Field[domain.Params]{
		field[domain.Params]("admin", "address", V1, func(p *domain.Params) *domain.Address { return &p.Admin }, ""),
		field[domain.Params]("max_duration", "duration_ns", V1, func(p *domain.Params) *time.Duration { return &p.MaxDuration }, 0),
		field[domain.Params]("min_duration", "duration_ns", V2, func(p *domain.Params) *time.Duration { return &p.MinDuration }, 0),
	},
}

// Validate checks every record layout.
func Validate() error {
	if err := CampaignLayout.Validate(); err != nil {
		return err
	}
	if err := PledgeLayout.Validate(); err != nil {
		return err
	}
	return ParamsLayout.Validate()
}

// Schema describes every record layout at version v, keyed by record name.
func Schema(v Version) map[string][]FieldDescriptor {
	return map[string][]FieldDescriptor{
		CampaignLayout.Record: CampaignLayout.Descriptors(v),
		PledgeLayout.Record:   PledgeLayout.Descriptors(v),
		ParamsLayout.Record:   ParamsLayout.Descriptors(v),
	}
}

// timeField stores an instant as unix nanoseconds; 0 is the zero time.
func timeField[T any](name string, since Version, ptr func(*T) *time.Time) Field[T] {
	return Field[T]{
		Name:  name,
		Type:  "unix_nanos",
		Since: since,
		get: func(r *T) (any, error) {
			t := *ptr(r)
			if t.IsZero() {
				return int64(0), nil
			}
			if !Storable(t) {
				return nil, fmt.Errorf("%w: %s outside %s..%s", ErrUnrepresentable,
					t.Format(time.RFC3339), MinTime.Format(time.RFC3339), MaxTime.Format(time.RFC3339))
			}
			return t.UnixNano(), nil
		},
		set: func(r *T, raw json.RawMessage) error {
			var nanos int64
			if err := json.Unmarshal(raw, &nanos); err != nil {
				return err
			}
			if nanos == 0 {
				*ptr(r) = time.Time{}
				return nil
			}
			*ptr(r) = time.Unix(0, nanos).UTC()
			return nil
		},
		reset: func(r *T) { *ptr(r) = time.Time{} },
	}
}
