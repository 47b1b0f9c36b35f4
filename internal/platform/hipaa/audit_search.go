package hipaa

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// EventFilter is a conjunction of optional predicates over audit events.
// Zero values mean "no constraint".
type EventFilter struct {
	Types                []EventType `json:"event_types,omitempty"`
	Severities           []Severity  `json:"severities,omitempty"`
	UserID               string      `json:"user_id,omitempty"`
	PatientID            string      `json:"patient_id,omitempty"`
	Start                *time.Time  `json:"start,omitempty"`
	End                  *time.Time  `json:"end,omitempty"`
	IPAddress            string      `json:"ip_address,omitempty"`
	PHIOnly              bool        `json:"phi_only,omitempty"`
	SecurityCriticalOnly bool        `json:"security_critical_only,omitempty"`
	Limit                int         `json:"limit,omitempty"`
	Offset               int         `json:"offset,omitempty"`
}

// EventPage is one page of a newest-first query.
type EventPage struct {
	Events  []*AuditEvent `json:"events"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

// applyDefaults normalizes pagination.
func (f *EventFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = defaultQueryLimit
	}
	if f.Limit > maxQueryLimit {
		f.Limit = maxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Matches reports whether e satisfies every set predicate. The time range
// is inclusive at both ends.
func (f *EventFilter) Matches(e *AuditEvent) bool {
	if len(f.Types) > 0 && !containsType(f.Types, e.Type) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, e.Severity) {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.PatientID != "" && e.PatientID != f.PatientID {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if f.PHIOnly && !e.Type.IsPHIEvent() {
		return false
	}
	if f.SecurityCriticalOnly && !e.Type.IsSecurityCritical() {
		return false
	}
	return true
}

func containsType(types []EventType, t EventType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func containsSeverity(sevs []Severity, s Severity) bool {
	for _, x := range sevs {
		if x == s {
			return true
		}
	}
	return false
}

// sortNewestFirst orders by timestamp descending, breaking ties by the
// later append.
func sortNewestFirst(events []*AuditEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].Sequence > events[j].Sequence
	})
}

// where returns the equality predicates the store can evaluate itself.
func (f *EventFilter) where() map[string]string {
	w := make(map[string]string, 4)
	if f.UserID != "" {
		w["user_id"] = f.UserID
	}
	if f.PatientID != "" {
		w["patient_id"] = f.PatientID
	}
	if f.IPAddress != "" {
		w["ip_address"] = f.IPAddress
	}
	if len(f.Types) == 1 {
		w["event_type"] = string(f.Types[0])
	}
	return w
}

// Find returns all matching events newest-first, without pagination.
func (l *AuditLog) Find(ctx context.Context, filter EventFilter) ([]*AuditEvent, error) {
	events, err := l.events.ScanWhere(ctx, filter.where(), func(e AuditEvent) bool {
		return filter.Matches(&e)
	})
	if err != nil {
		return nil, fmt.Errorf("audit log: query: %w", err)
	}

	out := make([]*AuditEvent, len(events))
	for i := range events {
		e := events[i].clone()
		out[i] = &e
	}
	sortNewestFirst(out)
	return out, nil
}

// Query returns one newest-first page of events matching filter.
func (l *AuditLog) Query(ctx context.Context, filter EventFilter) (*EventPage, error) {
	filter.applyDefaults()

	matched, err := l.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + filter.Limit
	if end > total {
		end = total
	}

	return &EventPage{
		Events:  matched[start:end],
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: end < total,
	}, nil
}

// ExportCSV writes every matching event (no pagination) as CSV.
func (l *AuditLog) ExportCSV(ctx context.Context, filter EventFilter, w io.Writer) error {
	matched, err := l.Find(ctx, filter)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"ID", "Sequence", "Timestamp", "EventType", "Severity", "UserID", "UserName",
		"PatientID", "Action", "ResourceType", "ResourceID", "IPAddress", "Outcome", "FailureReason", "Checksum"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	for _, e := range matched {
		record := []string{
			e.ID,
			strconv.FormatUint(e.Sequence, 10),
			e.Timestamp.Format(time.RFC3339Nano),
			string(e.Type),
			string(e.Severity),
			e.UserID,
			e.UserName,
			e.PatientID,
			e.Action,
			e.ResourceType,
			e.ResourceID,
			e.IPAddress,
			e.Outcome,
			e.FailureReason,
			e.Checksum,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	return nil
}

// ExportJSON writes every matching event (no pagination) as a JSON array.
func (l *AuditLog) ExportJSON(ctx context.Context, filter EventFilter, w io.Writer) error {
	matched, err := l.Find(ctx, filter)
	if err != nil {
		return err
	}

	// Ensure empty slice serializes as [] not null
	if matched == nil {
		matched = make([]*AuditEvent, 0)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(matched); err != nil {
		return fmt.Errorf("audit export json: %w", err)
	}
	return nil
}

// ParseEventTypes parses a comma-separated list of event types.
func ParseEventTypes(s string) ([]EventType, error) {
	if s == "" {
		return nil, nil
	}
	var out []EventType
	for _, part := range strings.Split(s, ",") {
		t := EventType(strings.ToUpper(strings.TrimSpace(part)))
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, part)
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseSeverities parses a comma-separated list of severities.
func ParseSeverities(s string) ([]Severity, error) {
	if s == "" {
		return nil, nil
	}
	var out []Severity
	for _, part := range strings.Split(s, ",") {
		sev := Severity(strings.ToUpper(strings.TrimSpace(part)))
		if !sev.Valid() {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrValidation, part)
		}
		out = append(out, sev)
	}
	return out, nil
}
