package core

import (
	"encoding/json"
	"fmt"
)

// RunID is the persisted identity of a cluster run. A RunID starts pending
// (no row exists yet) and becomes persisted when the store mints a durable
// identifier. Child records must only ever reference persisted RunIDs; the
// type makes that ordering a compile-visible contract instead of a zero
// sentinel.
type RunID struct {
	value     int64
	persisted bool
}

// PendingRunID returns a RunID with no durable identity yet.
func PendingRunID() RunID { return RunID{} }

// PersistedRunID returns a RunID backed by a stored row.
func PersistedRunID(v int64) RunID { return RunID{value: v, persisted: true} }

// Persisted reports whether a durable identifier has been minted.
func (r RunID) Persisted() bool { return r.persisted }

// Value returns the durable identifier. The second return is false while the
// run is still pending.
func (r RunID) Value() (int64, bool) { return r.value, r.persisted }

func (r RunID) String() string {
	if !r.persisted {
		return "pending"
	}
	return fmt.Sprintf("%d", r.value)
}

// MarshalJSON encodes a pending RunID as null and a persisted one as its
// numeric identifier.
func (r RunID) MarshalJSON() ([]byte, error) {
	if !r.persisted {
		return []byte("null"), nil
	}
	return json.Marshal(r.value)
}

// UnmarshalJSON accepts null (pending) or a numeric identifier.
func (r *RunID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = RunID{}
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("run id: %w", err)
	}
	*r = PersistedRunID(v)
	return nil
}
