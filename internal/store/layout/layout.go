/**
 * @description
 * Package layout owns the persisted shape of every ledger record. A record is an ordered
 * list of fields, and each field remembers the layout version that introduced it. New
 * versions may only append fields; they never reorder, retype or remove existing ones, so
 * a record written by any earlier version decodes with identical meaning.
 *
 * @notes
 * - Records are stored as a positional envelope {"v": <writer version>, "f": [values...]}.
 *   Position, not name, is the contract; names exist for validation and diagnostics.
 * - Trailing fields missing from an older record take their declared default.
 * - A record carrying more fields than the reader knows is rejected, never truncated.
 */

package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Version numbers a storage layout. Versions start at 1 and only grow.
type Version int

const (
	// V1 is the layout of the first deployed ledger.
	V1 Version = 1
	// V2 appends campaign launched_at and the min_duration parameter.
	V2 Version = 2

	Latest = V2
)

var (
	ErrRecordFromNewerLayout = errors.New("record was written by a newer storage layout")
	ErrCorruptRecord         = errors.New("record does not match its declared layout")
	ErrUnknownVersion        = errors.New("unknown storage layout version")
	ErrUnrepresentable       = errors.New("value cannot be represented in the storage layout")
)

// Instants are stored as int64 unix nanoseconds, which bounds the storable range to
// roughly 1677-09-21 through 2262-04-11.
var (
	MinTime = time.Unix(0, math.MinInt64+1).UTC()
	MaxTime = time.Unix(0, math.MaxInt64).UTC()
)

// Storable reports whether t survives a round trip through a unix_nanos field. The zero
// time is always storable.
func Storable(t time.Time) bool {
	if t.IsZero() {
		return true
	}
	return !t.Before(MinTime) && !t.After(MaxTime)
}

// Known reports whether v is a layout version this build can read and write.
func Known(v Version) bool { return v >= V1 && v <= Latest }

// Field is one positional slot of a record type T.
type Field[T any] struct {
	Name  string
	Type  string
	Since Version

	get   func(*T) (any, error)
	set   func(*T, json.RawMessage) error
	reset func(*T)
}

// FieldDescriptor is the serializable description of a field, used to freeze a layout.
type FieldDescriptor struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Since Version `json:"since"`
}

// Layout is the ordered field list for one record type.
type Layout[T any] struct {
	Record string
	Fields []Field[T]
}

type envelope struct {
	V Version           `json:"v"`
	F []json.RawMessage `json:"f"`
}

// FieldsAt returns the prefix of fields that exist at version v.
func (l Layout[T]) FieldsAt(v Version) []Field[T] {
	n := 0
	for _, f := range l.Fields {
		if f.Since > v {
			break
		}
		n++
	}
	return l.Fields[:n]
}

// Descriptors describes the fields that exist at version v.
func (l Layout[T]) Descriptors(v Version) []FieldDescriptor {
	fields := l.FieldsAt(v)
	out := make([]FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		out = append(out, FieldDescriptor{Name: f.Name, Type: f.Type, Since: f.Since})
	}
	return out
}

// Validate checks the append-only shape of the layout itself: unique names, declared
// types, and Since values that never decrease along the field order.
func (l Layout[T]) Validate() error {
	seen := make(map[string]struct{}, len(l.Fields))
	prev := V1
	for i, f := range l.Fields {
		if f.Name == "" || f.Type == "" {
			return fmt.Errorf("%s field %d: name and type are required", l.Record, i)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%s field %q declared twice", l.Record, f.Name)
		}
		seen[f.Name] = struct{}{}
		if !Known(f.Since) {
			return fmt.Errorf("%s field %q: %w %d", l.Record, f.Name, ErrUnknownVersion, f.Since)
		}
		if f.Since < prev {
			return fmt.Errorf("%s field %q (since v%d) is placed after a v%d field", l.Record, f.Name, f.Since, prev)
		}
		prev = f.Since
		if f.get == nil || f.set == nil || f.reset == nil {
			return fmt.Errorf("%s field %q has no codec", l.Record, f.Name)
		}
	}
	return nil
}

// Encode writes rec using the fields that exist at version v.
func (l Layout[T]) Encode(v Version, rec *T) ([]byte, error) {
	if !Known(v) {
		return nil, fmt.Errorf("encode %s: %w %d", l.Record, ErrUnknownVersion, v)
	}
	fields := l.FieldsAt(v)
	env := envelope{V: v, F: make([]json.RawMessage, 0, len(fields))}
	for _, f := range fields {
		value, err := f.get(rec)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", l.Record, f.Name, err)
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", l.Record, f.Name, err)
		}
		env.F = append(env.F, raw)
	}
	return json.Marshal(env)
}

// Decode reads data into rec as a version-v reader and returns the writer's version.
// Fields the writer did not know about are set to their defaults.
func (l Layout[T]) Decode(v Version, data []byte, rec *T) (Version, error) {
	if !Known(v) {
		return 0, fmt.Errorf("decode %s: %w %d", l.Record, ErrUnknownVersion, v)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return 0, fmt.Errorf("decode %s: %w: %v", l.Record, ErrCorruptRecord, err)
	}
	if env.V < V1 {
		return 0, fmt.Errorf("decode %s: %w: missing version", l.Record, ErrCorruptRecord)
	}
	if env.V > v {
		return env.V, fmt.Errorf("decode %s v%d as v%d: %w", l.Record, env.V, v, ErrRecordFromNewerLayout)
	}
	if want := len(l.FieldsAt(env.V)); len(env.F) != want {
		return env.V, fmt.Errorf("decode %s: %w: v%d has %d fields, record has %d", l.Record, ErrCorruptRecord, env.V, want, len(env.F))
	}

	for i, f := range l.FieldsAt(v) {
		if i >= len(env.F) {
			f.reset(rec)
			continue
		}
		if err := f.set(rec, env.F[i]); err != nil {
			return env.V, fmt.Errorf("decode %s.%s: %w: %v", l.Record, f.Name, ErrCorruptRecord, err)
		}
	}
	return env.V, nil
}

// CheckAppendOnly verifies that current extends frozen: every frozen field is still at
// the same position with the same name, type and introducing version.
func CheckAppendOnly(frozen, current []FieldDescriptor) error {
	if len(current) < len(frozen) {
		return fmt.Errorf("layout dropped fields: had %d, now %d", len(frozen), len(current))
	}
	for i, want := range frozen {
		got := current[i]
		if got != want {
			return fmt.Errorf("field %d changed from %s:%s@v%d to %s:%s@v%d",
				i, want.Name, want.Type, want.Since, got.Name, got.Type, got.Since)
		}
	}
	return nil
}

func field[T any, V any](name, typ string, since Version, ptr func(*T) *V, def V) Field[T] {
	return Field[T]{
		Name:  name,
		Type:  typ,
		Since: since,
		get:   func(r *T) (any, error) { return *ptr(r), nil },
		set:   func(r *T, raw json.RawMessage) error { return json.Unmarshal(raw, ptr(r)) },
		reset: func(r *T) { *ptr(r) = def },
	}
}
