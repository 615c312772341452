// Package records is the structured per-record product cache: one row per
// product detail, indexed by category and last update time, with a staleness
// rule for reads and a sweep for old rows.
package records

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// ProductRecord is one cached product detail.
type ProductRecord struct {
	bun.BaseModel `bun:"table:product_records"`

	ID       string `bun:"id,pk"`
	Category string `bun:"category,notnull,default:''"`

	// Payload holds the product fields as a JSON object.
	Payload string `bun:"payload,notnull"`

	// LastUpdated is the write time in epoch milliseconds.
	LastUpdated int64 `bun:"last_updated,notnull"`
}

// UpdatedAt returns LastUpdated as a time.
func (r *ProductRecord) UpdatedAt() time.Time {
	if r.LastUpdated == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.LastUpdated)
}

// Fields decodes the payload into a field map.
func (r *ProductRecord) Fields() (map[string]any, error) {
	fields := map[string]any{}
	if r.Payload == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(r.Payload), &fields); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", r.ID, err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	return fields, nil
}

// Decode unmarshals the payload into v. An empty payload is ErrEmptyPayload.
func (r *ProductRecord) Decode(v any) error {
	if r.Payload == "" {
		return fmt.Errorf("record %s: %w", r.ID, ErrEmptyPayload)
	}
	return json.Unmarshal([]byte(r.Payload), v)
}

// MarshalJSON flattens the product fields and adds id, category and an
// RFC 3339 lastUpdated.
func (r *ProductRecord) MarshalJSON() ([]byte, error) {
	fields, err := r.Fields()
	if err != nil {
		return nil, err
	}
	fields["id"] = r.ID
	if r.Category != "" {
		fields["category"] = r.Category
	}
	fields["lastUpdated"] = r.UpdatedAt().UTC().Format(time.RFC3339Nano)
	return json.Marshal(fields)
}

// schemaMeta stores the record schema version.
type schemaMeta struct {
	bun.BaseModel `bun:"table:cache_meta"`

	Name    string `bun:"name,pk"`
	Version int    `bun:"version,notnull"`
}
