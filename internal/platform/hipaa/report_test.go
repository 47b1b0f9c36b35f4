package hipaa

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newReportFixture(t *testing.T) (*AuditLog, *ReportEngine) {
	t.Helper()
	l, d := newDetectorFixture(t, DefaultDetectorConfig(), stepClock(baseTime, time.Minute))
	return l, NewReportEngine(l, d, testLogger())
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		matching, total int
		want            float64
	}{
		{0, 0, 0.0},
		{5, 0, 0.0},
		{1, 4, 25.0},
		{3, 3, 100.0},
	}
	for _, tt := range tests {
		if got := Percentage(tt.matching, tt.total); got != tt.want {
			t.Errorf("Percentage(%d, %d) = %f, want %f", tt.matching, tt.total, got, tt.want)
		}
	}
}

func TestGenerateReport_Aggregates(t *testing.T) {
	l, r := newReportFixture(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		mustAppend(t, l, NewLoginEvent("bob", "10.0.0.2", false, "bad password"))
	}
	mustAppend(t, l, viewEvent("alice", "p1"))
	mustAppend(t, l, NewPHIAccessEvent(EventPHIUpdate, "alice", "p1", "care_plan", "cp-1"))
	mustAppend(t, l, &AuditEvent{Type: EventAccessDenied, UserID: "carol", Action: "GET /api/v1/audit/events", Outcome: OutcomeFailure})
	mustAppend(t, l, &AuditEvent{Type: EventBreachAttempt, Action: "probe"})

	report, err := r.GenerateReport(ctx, baseTime, baseTime.Add(time.Hour), ReportSecurity)
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	if report.TotalEvents != 10 {
		t.Errorf("expected 10 events, got %d", report.TotalEvents)
	}
	if report.PHIAccessCount != 2 {
		t.Errorf("expected 2 PHI events, got %d", report.PHIAccessCount)
	}
	if report.FailedLoginCount != 6 {
		t.Errorf("expected 6 failed logins, got %d", report.FailedLoginCount)
	}
	if report.UnauthorizedAccess != 1 {
		t.Errorf("expected 1 unauthorized access, got %d", report.UnauthorizedAccess)
	}
	// 6 login failures, 1 access denied, 1 breach attempt.
	if report.SecurityEventCount != 8 {
		t.Errorf("expected 8 security events, got %d", report.SecurityEventCount)
	}
	if report.SecurityIncidents != 1 {
		t.Errorf("expected 1 security incident, got %d", report.SecurityIncidents)
	}
	if report.EventsByType["Login Failure"] != 6 || report.EventsByType["PHI View"] != 1 {
		t.Errorf("unexpected type breakdown %v", report.EventsByType)
	}
	if report.EventsByUser["bob"] != 6 || report.EventsByUser["alice"] != 2 {
		t.Errorf("unexpected user breakdown %v", report.EventsByUser)
	}
	if _, ok := report.EventsByUser[""]; ok {
		t.Error("events without a user must not be counted under an empty key")
	}
	if report.EventsBySeverity["Critical"] != 1 || report.EventsBySeverity["Medium"] != 6 {
		t.Errorf("unexpected severity breakdown %v", report.EventsBySeverity)
	}
	if countType(report.Violations, ViolationExcessiveFailedLogins) != 1 {
		t.Errorf("expected one failed-login violation, got %+v", report.Violations)
	}
	if report.ReportType != ReportSecurity || report.Summary == "" {
		t.Errorf("unexpected header %+v", report)
	}
}

func TestGenerateReport_WindowIsInclusive(t *testing.T) {
	l, r := newReportFixture(t)
	for i := 0; i < 3; i++ {
		mustAppend(t, l, viewEvent("alice", "p1"))
	}

	// Events at +0, +1m, +2m; the window covers exactly the last two.
	report, err := r.GenerateReport(context.Background(), baseTime.Add(time.Minute), baseTime.Add(2*time.Minute), ReportPHIAccess)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TotalEvents != 2 {
		t.Errorf("expected 2 events, got %d", report.TotalEvents)
	}
}

func TestGenerateReport_EmptyWindow(t *testing.T) {
	_, r := newReportFixture(t)
	report, err := r.GenerateReport(context.Background(), baseTime, baseTime.Add(time.Hour), ReportHIPAAAudit)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.TotalEvents != 0 || report.Violations == nil {
		t.Errorf("unexpected empty report %+v", report)
	}
}

func TestGenerateReport_Validation(t *testing.T) {
	_, r := newReportFixture(t)
	ctx := context.Background()

	if _, err := r.GenerateReport(ctx, baseTime, baseTime.Add(time.Hour), "weekly"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown type, got %v", err)
	}
	if _, err := r.GenerateReport(ctx, baseTime, baseTime.Add(-time.Hour), ReportHIPAAAudit); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for end before start, got %v", err)
	}
	if _, err := r.UserActivityTrail(ctx, "", baseTime, baseTime); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty user, got %v", err)
	}
}

func TestGenerateReport_DerivedViolationsOmitID(t *testing.T) {
	l, r := newReportFixture(t)
	for i := 0; i < 6; i++ {
		mustAppend(t, l, NewLoginEvent("bob", "10.0.0.2", false, "bad password"))
	}

	report, err := r.GenerateReport(context.Background(), baseTime, baseTime.Add(time.Hour), ReportSecurity)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected 1 derived violation, got %+v", report.Violations)
	}

	body, err := json.Marshal(report.Violations[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(body, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := fields["id"]; ok {
		t.Errorf("derived violation should not carry an id: %s", body)
	}
	if fields["violation_type"] != ViolationExcessiveFailedLogins {
		t.Errorf("unexpected violation %s", body)
	}
}

func TestGenerateComplianceSummary(t *testing.T) {
	l, r := newReportFixture(t)
	ctx := context.Background()

	mustAppend(t, l, viewEvent("alice", "p1"))
	mustAppend(t, l, NewLoginEvent("bob", "10.0.0.2", false, "bad password"))
	critical := viewEvent("dr-x", "p2")
	critical.Severity = SeverityCritical
	mustAppend(t, l, critical)
	mustAppend(t, l, NewLoginEvent("alice", "10.0.0.1", true, ""))

	summary, err := r.GenerateComplianceSummary(ctx, baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["total_events"] != 4 {
		t.Errorf("expected 4 events, got %v", summary["total_events"])
	}
	if summary["phi_access_percentage"] != 50.0 {
		t.Errorf("expected 50%% PHI, got %v", summary["phi_access_percentage"])
	}
	if summary["integrity_percentage"] != 100.0 {
		t.Errorf("expected intact chain, got %v", summary["integrity_percentage"])
	}
	if summary["open_violations"] != 1 {
		t.Errorf("expected 1 open violation, got %v", summary["open_violations"])
	}
	if summary["violations_detected"] != 1 {
		t.Errorf("expected 1 violation detected in window, got %v", summary["violations_detected"])
	}

	later, err := r.GenerateComplianceSummary(ctx, baseTime.Add(48*time.Hour), baseTime.Add(49*time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if later["violations_detected"] != 0 || later["open_violations"] != 1 {
		t.Errorf("expected open backlog without new detections, got %v/%v",
			later["violations_detected"], later["open_violations"])
	}
}

func TestGenerateComplianceSummary_EmptyWindowZeroPercent(t *testing.T) {
	_, r := newReportFixture(t)
	summary, err := r.GenerateComplianceSummary(context.Background(), baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["phi_access_percentage"] != 0.0 || summary["integrity_percentage"] != 0.0 {
		t.Errorf("expected 0%% for an empty window, got %v", summary)
	}
}

func TestTrails(t *testing.T) {
	l, r := newReportFixture(t)
	ctx := context.Background()

	mustAppend(t, l, viewEvent("alice", "p1"))
	mustAppend(t, l, viewEvent("bob", "p1"))
	mustAppend(t, l, viewEvent("alice", "p2"))

	userTrail, err := r.UserActivityTrail(ctx, "alice", baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("user trail: %v", err)
	}
	if len(userTrail) != 2 || userTrail[0].PatientID != "p2" {
		t.Errorf("expected alice's 2 events newest first, got %d", len(userTrail))
	}

	patientTrail, err := r.PatientAccessTrail(ctx, "p1", baseTime, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("patient trail: %v", err)
	}
	if len(patientTrail) != 2 || patientTrail[0].UserID != "bob" {
		t.Errorf("expected p1's 2 events newest first, got %d", len(patientTrail))
	}
}
