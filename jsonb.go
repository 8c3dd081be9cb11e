package scout

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Transcript is a session transcript stored as a jsonb column.
// Implements sql.Scanner and driver.Valuer for database compatibility.
type Transcript []Turn

// Scan implements sql.Scanner.
func (t *Transcript) Scan(src any) error {
	return scanJSON(src, t, "Transcript")
}

// Value implements driver.Valuer.
func (t Transcript) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	return valueJSON(t)
}

// QuotaUsage is the per-capability usage stored as a jsonb column.
type QuotaUsage []Quota

// Scan implements sql.Scanner.
func (q *QuotaUsage) Scan(src any) error {
	return scanJSON(src, q, "QuotaUsage")
}

// Value implements driver.Valuer.
func (q QuotaUsage) Value() (driver.Value, error) {
	if q == nil {
		return "[]", nil
	}
	return valueJSON(q)
}

// Scan implements sql.Scanner so artifacts can be read from jsonb.
func (a *Artifact) Scan(src any) error {
	return scanJSON(src, a, "Artifact")
}

// Value implements driver.Valuer so artifacts can be written to jsonb.
func (a *Artifact) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return valueJSON(a)
}

func scanJSON(src, dst any, name string) error {
	var data []byte
	switch val := src.(type) {
	case nil:
		return nil
	case []byte:
		data = val
	case string:
		data = []byte(val)
	default:
		return fmt.Errorf("cannot scan %T into %s", src, name)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}

func valueJSON(v any) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
