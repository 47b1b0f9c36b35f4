package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ReportType labels a generated report. It does not change the computation.
type ReportType string

const (
	ReportHIPAAAudit   ReportType = "hipaa_audit"
	ReportPHIAccess    ReportType = "phi_access"
	ReportSecurity     ReportType = "security"
	ReportUserActivity ReportType = "user_activity"
)

func (r ReportType) Valid() bool {
	switch r {
	case ReportHIPAAAudit, ReportPHIAccess, ReportSecurity, ReportUserActivity:
		return true
	}
	return false
}

// AuditReport aggregates the audit events of one time window.
type AuditReport struct {
	ReportType  ReportType `json:"report_type"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     time.Time  `json:"end_time"`
	GeneratedAt time.Time  `json:"generated_at"`

	TotalEvents        int `json:"total_events"`
	PHIAccessCount     int `json:"phi_access_count"`
	SecurityEventCount int `json:"security_event_count"`
	FailedLoginCount   int `json:"failed_login_count"`
	UnauthorizedAccess int `json:"unauthorized_access_count"`
	SecurityIncidents  int `json:"security_incidents"`

	EventsByType     map[string]int `json:"events_by_type"`
	EventsByUser     map[string]int `json:"events_by_user"`
	EventsBySeverity map[string]int `json:"events_by_severity"`

	// Violations are re-derived from the window's events; they have no ID
	// and may differ from the stored violations listed by the detector.
	Violations []ComplianceViolation `json:"violations"`
	Summary    string                `json:"summary"`
}

// Percentage returns matching/total*100, or 0 when total is 0.
func Percentage(matching, total int) float64 {
	if total == 0 {
		return 0.0
	}
	return float64(matching) / float64(total) * 100.0
}

// ReportEngine produces aggregate views over the audit log.
type ReportEngine struct {
	log      *AuditLog
	detector *ViolationDetector
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReportEngine creates a report engine.
func NewReportEngine(log *AuditLog, detector *ViolationDetector, logger zerolog.Logger) *ReportEngine {
	return &ReportEngine{
		log:      log,
		detector: detector,
		logger:   logger.With().Str("component", "report-engine").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrValidation)
	}
	if end.Before(start) {
		return fmt.Errorf("%w: end %s is before start %s", ErrValidation,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return nil
}

func (r *ReportEngine) window(ctx context.Context, start, end time.Time) ([]*AuditEvent, error) {
	return r.log.Find(ctx, EventFilter{Start: &start, End: &end})
}

// GenerateReport builds an AuditReport for [start, end].
func (r *ReportEngine) GenerateReport(ctx context.Context, start, end time.Time, reportType ReportType) (*AuditReport, error) {
	if !reportType.Valid() {
		return nil, fmt.Errorf("%w: unknown report type %q", ErrValidation, reportType)
	}
	if err := validateWindow(start, end); err != nil {
		return nil, err
	}

	events, err := r.window(ctx, start, end)
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		ReportType:       reportType,
		StartTime:        start,
		EndTime:          end,
		GeneratedAt:      r.now(),
		TotalEvents:      len(events),
		EventsByType:     make(map[string]int),
		EventsByUser:     make(map[string]int),
		EventsBySeverity: make(map[string]int),
	}

	for _, e := range events {
		if e.Type.IsPHIEvent() {
			report.PHIAccessCount++
		}
		if e.Type.IsSecurityEvent() {
			report.SecurityEventCount++
		}
		switch e.Type {
		case EventLoginFailure:
			report.FailedLoginCount++
		case EventAccessDenied:
			report.UnauthorizedAccess++
		}
		report.EventsByType[e.Type.DisplayName()]++
		if e.UserID != "" {
			report.EventsByUser[e.UserID]++
		}
		report.EventsBySeverity[e.Severity.DisplayName()]++
	}

	findings := r.detector.Evaluate(events)
	report.Violations = findings.Violations
	report.SecurityIncidents = findings.SecurityIncidents

	report.Summary = fmt.Sprintf(
		"Report covers %d events: %d PHI accesses, %d security events, %d failed logins, %d unauthorized access attempts, %d violations.",
		report.TotalEvents, report.PHIAccessCount, report.SecurityEventCount,
		report.FailedLoginCount, report.UnauthorizedAccess, len(report.Violations))

	r.logger.Info().
		Str("report_type", string(reportType)).
		Int("total_events", report.TotalEvents).
		Int("violations", len(report.Violations)).
		Msg("audit report generated")
	return report, nil
}

// GenerateComplianceSummary returns a flat, machine-oriented summary of the
// window alongside the current chain integrity.
func (r *ReportEngine) GenerateComplianceSummary(ctx context.Context, start, end time.Time) (map[string]interface{}, error) {
	if err := validateWindow(start, end); err != nil {
		return nil, err
	}

	var (
		events     []*AuditEvent
		integrity  *IntegrityResult
		violations []ComplianceViolation
		detected   []ComplianceViolation
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		events, err = r.window(gctx, start, end)
		return err
	})
	g.Go(func() error {
		var err error
		integrity, err = r.log.VerifyIntegrity(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		violations, err = r.detector.List(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		detected, err = r.detector.ListBetween(gctx, start, end)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var phi, security, failed, incidents int
	for _, e := range events {
		if e.Type.IsPHIEvent() {
			phi++
		}
		if e.Type.IsSecurityEvent() {
			security++
		}
		if e.Type == EventLoginFailure {
			failed++
		}
		if e.Type.IsSecurityCritical() {
			incidents++
		}
	}

	open := 0
	for _, v := range violations {
		if !v.Resolved {
			open++
		}
	}

	total := len(events)
	return map[string]interface{}{
		"start_time":            start,
		"end_time":              end,
		"total_events":          total,
		"phi_access_count":      phi,
		"phi_access_percentage": Percentage(phi, total),
		"security_event_count":  security,
		"security_percentage":   Percentage(security, total),
		"failed_login_count":    failed,
		"security_incidents":    incidents,
		"open_violations":       open,
		"total_violations":      len(violations),
		"violations_detected":   len(detected),
		"integrity":             integrity,
		"integrity_percentage":  integrity.Percentage,
		"generated_at":          r.now(),
	}, nil
}

// UserActivityTrail returns the user's events in [start, end], newest first.
func (r *ReportEngine) UserActivityTrail(ctx context.Context, userID string, start, end time.Time) ([]*AuditEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrValidation)
	}
	if err := validateWindow(start, end); err != nil {
		return nil, err
	}
	return r.log.Find(ctx, EventFilter{UserID: userID, Start: &start, End: &end})
}

// PatientAccessTrail returns events about the patient in [start, end],
// newest first.
func (r *ReportEngine) PatientAccessTrail(ctx context.Context, patientID string, start, end time.Time) ([]*AuditEvent, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if err := validateWindow(start, end); err != nil {
		return nil, err
	}
	return r.log.Find(ctx, EventFilter{PatientID: patientID, Start: &start, End: &end})
}
