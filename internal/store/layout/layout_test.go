package layout

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/transfa/crowdfunding-service/internal/domain"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func TestValidate_CurrentLayoutsAreAppendOnly(t *testing.T) {
	if err := Validate(); err != nil {
		t.Fatalf("expected current layouts to validate, got %v", err)
	}
}

func TestSchema_ExtendsFrozenV1Descriptors(t *testing.T) {
	var frozen map[string][]FieldDescriptor
	if err := json.Unmarshal(readFixture(t, "schema_v1.json"), &frozen); err != nil {
		t.Fatalf("failed to parse frozen schema: %v", err)
	}

	current := Schema(Latest)
	for record, fields := range frozen {
		if err := CheckAppendOnly(fields, current[record]); err != nil {
			t.Fatalf("%s layout is no longer compatible with v1: %v", record, err)
		}
	}

	atV1 := Schema(V1)
	for record, fields := range frozen {
		if len(atV1[record]) != len(fields) {
			t.Fatalf("expected %s v1 view to have %d fields, got %d", record, len(fields), len(atV1[record]))
		}
	}
}

func TestCheckAppendOnly_RejectsReorderRetypeAndRemoval(t *testing.T) {
	frozen := []FieldDescriptor{
		{Name: "a", Type: "int64", Since: V1},
		{Name: "b", Type: "bool", Since: V1},
	}
	tests := []struct {
		name    string
		current []FieldDescriptor
		wantErr bool
	}{
		{
			name:    "identical",
			current: frozen,
		},
		{
			name:    "appended",
			current: append(append([]FieldDescriptor{}, frozen...), FieldDescriptor{Name: "c", Type: "int64", Since: V2}),
		},
		{
			name:    "reordered",
			current: []FieldDescriptor{frozen[1], frozen[0]},
			wantErr: true,
		},
		{
			name:    "retyped",
			current: []FieldDescriptor{frozen[0], {Name: "b", Type: "int64", Since: V1}},
			wantErr: true,
		},
		{
			name:    "removed",
			current: []FieldDescriptor{frozen[0]},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAppendOnly(frozen, tt.current)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%t, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLayoutValidate_RejectsFieldInsertedBeforeOlderField(t *testing.T) {
	type record struct{ A, B int64 }
	bad := Layout[record]{
		Record: "bad",
		Fields: []Field[record]{
			field[record]("a", "int64", V2, func(r *record) *int64 { return &r.A }, 0),
			field[record]("b", "int64", V1, func(r *record) *int64 { return &r.B }, 0),
		},
	}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected a v1 field placed after a v2 field to be rejected")
	}
}

func TestDecode_V1CampaignFixtureWithLatestReader(t *testing.T) {
	var c domain.Campaign
	c.LaunchedAt = time.Now() // must be reset to the default, not left over

	written, err := CampaignLayout.Decode(Latest, readFixture(t, "campaign_v1.json"), &c)
	if err != nil {
		t.Fatalf("decode returned error: %v", err)
	}
	if written != V1 {
		t.Fatalf("expected writer version v1, got v%d", written)
	}
	if c.ID != 1 || c.Creator != "0xcreator" || c.Token != "0xtoken" {
		t.Fatalf("unexpected identity fields: %+v", c)
	}
	if c.Goal != 1000000000000000000 || c.Pledged != 500000000000000000 {
		t.Fatalf("unexpected amounts: goal=%d pledged=%d", c.Goal, c.Pledged)
	}
	if !c.StartAt.Equal(time.Unix(0, 1700000050000000000)) || !c.EndAt.Equal(time.Unix(0, 1700000500000000000)) {
		t.Fatalf("unexpected window: %s..%s", c.StartAt, c.EndAt)
	}
	if c.Claimed {
		t.Fatal("expected claimed=false")
	}
	if !c.LaunchedAt.IsZero() {
		t.Fatalf("expected launched_at to default to zero for v1 records, got %s", c.LaunchedAt)
	}
}

func TestDecode_V1PledgeAndParamsFixtures(t *testing.T) {
	var p domain.Pledge
	if _, err := PledgeLayout.Decode(Latest, readFixture(t, "pledge_v1.json"), &p); err != nil {
		t.Fatalf("decode pledge: %v", err)
	}
	if p.Amount != 500000000000000000 {
		t.Fatalf("expected pledge amount to survive, got %d", p.Amount)
	}

	params := domain.Params{MinDuration: time.Hour}
	if _, err := ParamsLayout.Decode(Latest, readFixture(t, "params_v1.json"), &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Admin != "0xadmin" {
		t.Fatalf("expected admin to survive, got %q", params.Admin)
	}
	if params.MaxDuration != 50400*time.Second {
		t.Fatalf("expected max duration 50400s, got %s", params.MaxDuration)
	}
	if params.MinDuration != 0 {
		t.Fatalf("expected min duration to default to 0, got %s", params.MinDuration)
	}
}

func TestEncodeDecode_LatestKeepsEveryField(t *testing.T) {
	in := domain.Campaign{
		ID:         7,
		Creator:    "creator",
		Token:      "token",
		Goal:       10,
		Pledged:    4,
		StartAt:    time.Unix(100, 5).UTC(),
		EndAt:      time.Unix(200, 0).UTC(),
		Claimed:    true,
		LaunchedAt: time.Unix(50, 0).UTC(),
	}
	data, err := CampaignLayout.Encode(Latest, &in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out domain.Campaign
	if _, err := CampaignLayout.Decode(Latest, data, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out != in {
		t.Fatalf("expected %+v, got %+v", in, out)
	}
}

func TestDecode_RejectsRecordFromNewerLayout(t *testing.T) {
	in := domain.Params{Admin: "admin", MaxDuration: time.Hour, MinDuration: time.Minute}
	data, err := ParamsLayout.Encode(V2, &in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out domain.Params
	_, err = ParamsLayout.Decode(V1, data, &out)
	if !errors.Is(err, ErrRecordFromNewerLayout) {
		t.Fatalf("expected ErrRecordFromNewerLayout, got %v", err)
	}
}

func TestDecode_RejectsFieldCountMismatch(t *testing.T) {
	var out domain.Params
	_, err := ParamsLayout.Decode(Latest, []byte(`{"v":1,"f":["admin"]}`), &out)
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestEncode_V1WritesOnlyV1Fields(t *testing.T) {
	in := domain.Params{Admin: "admin", MaxDuration: time.Hour, MinDuration: time.Minute}
	data, err := ParamsLayout.Encode(V1, &in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var env struct {
		V int               `json:"v"`
		F []json.RawMessage `json:"f"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.V != 1 || len(env.F) != 2 {
		t.Fatalf("expected v1 envelope with 2 fields, got v%d with %d", env.V, len(env.F))
	}
}

func TestEncodeDecode_TimeBoundsRoundTrip(t *testing.T) {
	for name, at := range map[string]time.Time{
		"min": MinTime,
		"max": MaxTime,
	} {
		t.Run(name, func(t *testing.T) {
			in := domain.Campaign{ID: 1, StartAt: at, EndAt: at}
			data, err := CampaignLayout.Encode(Latest, &in)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var out domain.Campaign
			if _, err := CampaignLayout.Decode(Latest, data, &out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !out.StartAt.Equal(at) || !out.EndAt.Equal(at) {
				t.Fatalf("expected %s to round-trip, got start=%s end=%s", at, out.StartAt, out.EndAt)
			}
		})
	}
}

func TestEncode_RejectsUnrepresentableTime(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
	}{
		{name: "year 2300", at: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "just past max", at: MaxTime.Add(time.Nanosecond)},
		{name: "year 1600", at: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Storable(tt.at) {
				t.Fatalf("expected %s to be unstorable", tt.at)
			}
			in := domain.Campaign{ID: 1, StartAt: time.Unix(100, 0).UTC(), EndAt: tt.at}
			if _, err := CampaignLayout.Encode(Latest, &in); !errors.Is(err, ErrUnrepresentable) {
				t.Fatalf("expected ErrUnrepresentable, got %v", err)
			}
		})
	}
	if !Storable(time.Time{}) {
		t.Fatal("expected the zero time to be storable")
	}
}
