package ledger

import (
	"fmt"
	"time"
)

// SourceType identifies where a field change originated.
type SourceType string

const (
	SourceSystem         SourceType = "system"
	SourceUserCorrection SourceType = "user_correction"
	SourceImport         SourceType = "import"
	SourceAPI            SourceType = "api"
	SourceScheduled      SourceType = "scheduled"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceSystem, SourceUserCorrection, SourceImport, SourceAPI, SourceScheduled:
		return true
	}
	return false
}

// ParseSourceType parses a source type name.
func ParseSourceType(s string) (SourceType, error) {
	st := SourceType(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown source type %q", s)
	}
	return st, nil
}

// DateLayout is the storage format for valid-time dates.
const DateLayout = "2006-01-02"

// Date builds a UTC date (midnight) for valid-time fields.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD valid-time date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// FormatDate renders a valid-time date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ProvenanceRecord is the atomic, immutable unit of history: one change
// to one field of one entity, stamped with both time axes.
//
// ID, Seq and TransactionTime are assigned by the store at write time.
// Everything else comes from the caller via AppendRequest.
type ProvenanceRecord struct {
	// ID is a globally unique UUIDv7, assigned at write time, never reused.
	ID string

	// Seq is the store-wide insertion-order sequence number. It is the
	// tie-breaker when two records share an identical transaction time.
	Seq int64

	EntityID  string
	FieldName string

	// OldValue is absent (nil) on the first observation of a field.
	OldValue Value
	NewValue Value

	// TransactionTime is when the system recorded this fact (UTC).
	TransactionTime time.Time

	// ValidTimeStart is when the fact starts being true in reality.
	ValidTimeStart time.Time

	// ValidTimeEnd is exclusive. Zero means open-ended: true until
	// further notice.
	ValidTimeEnd time.Time

	ChangeReason string
	SourceType   SourceType
	SourceID     string
	Metadata     map[string]string
}

// OpenEnded reports whether the record's valid interval has no end date.
func (r ProvenanceRecord) OpenEnded() bool {
	return r.ValidTimeEnd.IsZero()
}

// ContainsValidTime reports whether p falls inside the record's
// [ValidTimeStart, ValidTimeEnd) interval. Open-ended intervals contain
// every point at or after the start, unboundedly into the future.
func (r ProvenanceRecord) ContainsValidTime(p time.Time) bool {
	if p.Before(r.ValidTimeStart) {
		return false
	}
	return r.OpenEnded() || p.Before(r.ValidTimeEnd)
}

// AppendRequest carries the caller-supplied portion of a record.
// The store assigns ID, Seq and TransactionTime; callers cannot.
type AppendRequest struct {
	EntityID  string
	FieldName string

	// OldValue may be nil for the first observation of a field.
	OldValue Value
	// NewValue is mandatory.
	NewValue Value

	ValidTimeStart time.Time
	// ValidTimeEnd is optional; zero means open-ended. If set it must be
	// strictly after ValidTimeStart.
	ValidTimeEnd time.Time

	ChangeReason string
	SourceType   SourceType
	SourceID     string
	Metadata     map[string]string
}

// Validate checks the append invariants that do not require store state.
func (req AppendRequest) Validate() error {
	if req.EntityID == "" {
		return NewValidationError("entity_id must not be empty", req.EntityID, req.FieldName)
	}
	if req.FieldName == "" {
		return NewValidationError("field_name must not be empty", req.EntityID, req.FieldName)
	}
	if req.NewValue.IsZero() {
		return NewValidationError("new_value is required", req.EntityID, req.FieldName)
	}
	if req.ValidTimeStart.IsZero() {
		return NewValidationError("valid_time_start is required", req.EntityID, req.FieldName)
	}
	if !req.ValidTimeEnd.IsZero() && !req.ValidTimeEnd.After(req.ValidTimeStart) {
		return NewValidationError("valid_time_end must be strictly after valid_time_start", req.EntityID, req.FieldName)
	}
	if !req.SourceType.Valid() {
		return NewValidationError("unknown source_type: "+string(req.SourceType), req.EntityID, req.FieldName)
	}
	return nil
}
