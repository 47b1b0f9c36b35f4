package hipaa

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eldercare/ehr/internal/platform/kvstore"
)

// seedSearchLog appends a mixed set of events one minute apart starting at
// baseTime.
func seedSearchLog(t *testing.T) *AuditLog {
	t.Helper()
	l := NewAuditLog(MemoryStores().Events, MemoryStores().Checkpoints, testLogger(),
		WithAuditClock(stepClock(baseTime, time.Minute)))

	events := []*AuditEvent{
		viewEvent("alice", "p1"),
		NewLoginEvent("bob", "10.0.0.2", false, "bad password"),
		NewPHIAccessEvent(EventPHIExport, "alice", "p2", "patient", "p2"),
		{Type: EventBreachAttempt, UserID: "mallory", IPAddress: "203.0.113.9", Action: "SQL injection probe"},
		NewLoginEvent("alice", "10.0.0.1", true, ""),
	}
	for _, e := range events {
		mustAppend(t, l, e)
	}
	return l
}

func TestQuery_NewestFirst(t *testing.T) {
	l := seedSearchLog(t)

	page, err := l.Query(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 5 || len(page.Events) != 5 {
		t.Fatalf("expected 5 events, got total=%d len=%d", page.Total, len(page.Events))
	}
	for i := 1; i < len(page.Events); i++ {
		if page.Events[i].Timestamp.After(page.Events[i-1].Timestamp) {
			t.Fatalf("events not newest-first at %d", i)
		}
	}
	if page.Limit != 100 {
		t.Errorf("expected default limit 100, got %d", page.Limit)
	}
}

func TestQuery_Filters(t *testing.T) {
	l := seedSearchLog(t)
	start := baseTime.Add(2 * time.Minute)

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{"by user", EventFilter{UserID: "alice"}, 3},
		{"by patient", EventFilter{PatientID: "p2"}, 1},
		{"by type", EventFilter{Types: []EventType{EventLoginFailure, EventLoginSuccess}}, 2},
		{"by severity", EventFilter{Severities: []Severity{SeverityCritical}}, 1},
		{"by ip", EventFilter{IPAddress: "10.0.0.2"}, 1},
		{"phi only", EventFilter{PHIOnly: true}, 2},
		{"security critical only", EventFilter{SecurityCriticalOnly: true}, 1},
		{"start inclusive", EventFilter{Start: &start}, 3},
		{"user and type", EventFilter{UserID: "alice", Types: []EventType{EventPHIExport}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := l.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if page.Total != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, page.Total)
			}
		})
	}
}

func TestQuery_EndIsInclusive(t *testing.T) {
	l := seedSearchLog(t)
	end := baseTime

	page, err := l.Query(context.Background(), EventFilter{End: &end})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("expected the event at exactly end to match, got %d", page.Total)
	}
}

func TestQuery_Pagination(t *testing.T) {
	l := seedSearchLog(t)

	page, err := l.Query(context.Background(), EventFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(page.Events) != 2 || page.Total != 5 || !page.HasMore {
		t.Errorf("unexpected page %+v", page)
	}
	if page.Events[0].Sequence != 3 {
		t.Errorf("expected sequence 3 at offset 2, got %d", page.Events[0].Sequence)
	}

	last, _ := l.Query(context.Background(), EventFilter{Limit: 2, Offset: 4})
	if len(last.Events) != 1 || last.HasMore {
		t.Errorf("unexpected last page %+v", last)
	}

	beyond, _ := l.Query(context.Background(), EventFilter{Offset: 50})
	if len(beyond.Events) != 0 || beyond.Total != 5 {
		t.Errorf("expected empty page past the end, got %+v", beyond)
	}

	capped, _ := l.Query(context.Background(), EventFilter{Limit: 5000})
	if capped.Limit != 1000 {
		t.Errorf("expected limit capped at 1000, got %d", capped.Limit)
	}
}

func TestQuery_TiesBrokenByLaterAppend(t *testing.T) {
	l := NewAuditLog(MemoryStores().Events, MemoryStores().Checkpoints, testLogger())
	for i := 0; i < 3; i++ {
		e := viewEvent("u1", "p1")
		e.Timestamp = baseTime
		mustAppend(t, l, e)
	}

	events, err := l.Find(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	for i, want := range []uint64{3, 2, 1} {
		if events[i].Sequence != want {
			t.Errorf("position %d: expected sequence %d, got %d", i, want, events[i].Sequence)
		}
	}
}

func TestExportCSV(t *testing.T) {
	l := seedSearchLog(t)

	var buf bytes.Buffer
	if err := l.ExportCSV(context.Background(), EventFilter{UserID: "alice"}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][len(rows[0])-1] != "Checksum" {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[1][5] != "alice" {
		t.Errorf("expected UserID column to hold alice, got %q", rows[1][5])
	}
}

func TestExportJSON_EmptyIsArray(t *testing.T) {
	l := seedSearchLog(t)

	var buf bytes.Buffer
	if err := l.ExportJSON(context.Background(), EventFilter{UserID: "nobody"}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected [], got %q", buf.String())
	}
}

func TestExportJSON_AllMatches(t *testing.T) {
	l := seedSearchLog(t)

	var buf bytes.Buffer
	if err := l.ExportJSON(context.Background(), EventFilter{}, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	var out []AuditEvent
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 5 {
		t.Errorf("expected 5 exported events, got %d", len(out))
	}
}

func TestParseEventTypes(t *testing.T) {
	got, err := ParseEventTypes("phi_view, LOGIN_FAILURE")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0] != EventPHIView || got[1] != EventLoginFailure {
		t.Errorf("unexpected types %v", got)
	}

	if _, err := ParseEventTypes("PHI_VIEW,NOPE"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if got, err := ParseEventTypes(""); err != nil || got != nil {
		t.Errorf("expected nil for empty input, got %v %v", got, err)
	}
}

func TestParseSeverities(t *testing.T) {
	got, err := ParseSeverities("high,critical")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[1] != SeverityCritical {
		t.Errorf("unexpected severities %v", got)
	}
	if _, err := ParseSeverities("severe"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// recordingEventStore notes how the audit log reads the event collection.
type recordingEventStore struct {
	kvstore.Store[AuditEvent]

	mu     sync.Mutex
	scans  int
	wheres []map[string]string
}

func (s *recordingEventStore) Scan(ctx context.Context, match func(AuditEvent) bool) ([]AuditEvent, error) {
	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
	return s.Store.Scan(ctx, match)
}

func (s *recordingEventStore) ScanWhere(ctx context.Context, where map[string]string, match func(AuditEvent) bool) ([]AuditEvent, error) {
	s.mu.Lock()
	s.wheres = append(s.wheres, where)
	s.mu.Unlock()
	return s.Store.ScanWhere(ctx, where, match)
}

func (s *recordingEventStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans, s.wheres = 0, nil
}

func TestFind_PushesEqualityFiltersToStore(t *testing.T) {
	stores := MemoryStores()
	rec := &recordingEventStore{Store: stores.Events}
	l := NewAuditLog(rec, stores.Checkpoints, testLogger(), WithAuditClock(stepClock(baseTime, time.Second)))
	d := NewViolationDetector(stores.Violations, l, DefaultDetectorConfig(), testLogger())
	l.AddObserver(d)

	mustAppend(t, l, NewLoginEvent("bob", "10.0.0.2", false, "bad password"))
	rec.reset()

	mustAppend(t, l, NewLoginEvent("bob", "10.0.0.2", false, "bad password"))

	if rec.scans != 0 {
		t.Errorf("append after the first should not scan the whole collection, scanned %d times", rec.scans)
	}
	if len(rec.wheres) != 1 {
		t.Fatalf("expected one filtered read for the failed-login window, got %v", rec.wheres)
	}
	w := rec.wheres[0]
	if w["user_id"] != "bob" || w["event_type"] != string(EventLoginFailure) {
		t.Errorf("unexpected pushed-down filter %v", w)
	}

	events, err := l.Find(context.Background(), EventFilter{PatientID: "p-none", Types: []EventType{EventPHIView, EventPHIExport}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
	last := rec.wheres[len(rec.wheres)-1]
	if last["patient_id"] != "p-none" || last["event_type"] != "" {
		t.Errorf("multi-type filters must stay in memory, got %v", last)
	}
}
