package hipaa

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/kvstore"
	"github.com/eldercare/ehr/internal/platform/metrics"
)

// Violation types.
const (
	ViolationExcessiveFailedLogins = "excessive failed logins"
	ViolationUnauthorizedPHIAccess = "unauthorized PHI access"
	ViolationSuspiciousBulkAccess  = "suspicious bulk PHI access"
)

// ComplianceViolation is an anomaly raised by the ViolationDetector. Only the
// detector creates violations; Resolved flips to true at most once. Findings
// derived by Evaluate are never stored and carry no ID.
type ComplianceViolation struct {
	ID             string     `json:"id,omitempty"`
	Type           string     `json:"violation_type"`
	Severity       Severity   `json:"severity"`
	Description    string     `json:"description"`
	UserID         string     `json:"user_id,omitempty"`
	PatientID      string     `json:"patient_id,omitempty"`
	Details        string     `json:"details,omitempty"`
	EventID        string     `json:"event_id,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	Resolved       bool       `json:"resolved"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// DetectorConfig holds the rule thresholds.
type DetectorConfig struct {
	// FailedLoginThreshold is the number of failures tolerated in the window;
	// one more raises a violation.
	FailedLoginThreshold int
	FailedLoginWindow    time.Duration
	// BulkPHIThreshold PHI reads inside BulkPHIWindow raise a violation.
	BulkPHIThreshold int
	BulkPHIWindow    time.Duration
}

// DefaultDetectorConfig returns the production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		FailedLoginThreshold: 5,
		FailedLoginWindow:    24 * time.Hour,
		BulkPHIThreshold:     50,
		BulkPHIWindow:        24 * time.Hour,
	}
}

// EventSource is the read side of the audit log the detector consults.
type EventSource interface {
	Find(ctx context.Context, filter EventFilter) ([]*AuditEvent, error)
}

// Findings is the result of evaluating a closed window of events.
type Findings struct {
	Violations        []ComplianceViolation `json:"violations"`
	SecurityIncidents int                   `json:"security_incidents"`
}

// ViolationDetector classifies event patterns as violations. On append it
// stores what it raises; in report mode it only returns findings.
type ViolationDetector struct {
	store   kvstore.Store[ComplianceViolation]
	events  EventSource
	cfg     DetectorConfig
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu serialises the count-then-raise decision so a crossing fires once.
	mu sync.Mutex
}

// DetectorOption configures a ViolationDetector.
type DetectorOption func(*ViolationDetector)

func WithDetectorMetrics(m *metrics.Metrics) DetectorOption {
	return func(d *ViolationDetector) { d.metrics = m }
}

func WithDetectorClock(now func() time.Time) DetectorOption {
	return func(d *ViolationDetector) { d.now = now }
}

// NewViolationDetector creates a detector. Zero thresholds fall back to the
// defaults.
func NewViolationDetector(store kvstore.Store[ComplianceViolation], events EventSource, cfg DetectorConfig, logger zerolog.Logger, opts ...DetectorOption) *ViolationDetector {
	def := DefaultDetectorConfig()
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if cfg.FailedLoginWindow <= 0 {
		cfg.FailedLoginWindow = def.FailedLoginWindow
	}
	if cfg.BulkPHIThreshold <= 0 {
		cfg.BulkPHIThreshold = def.BulkPHIThreshold
	}
	if cfg.BulkPHIWindow <= 0 {
		cfg.BulkPHIWindow = def.BulkPHIWindow
	}

	d := &ViolationDetector{
		store:  store,
		events: events,
		cfg:    cfg,
		logger: logger.With().Str("component", "violation-detector").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the active thresholds.
func (d *ViolationDetector) Config() DetectorConfig { return d.cfg }

// OnAppend evaluates the append-time rules for a freshly stored event.
func (d *ViolationDetector) OnAppend(ctx context.Context, e AuditEvent) error {
	if e.Type.IsPHIEvent() && e.Severity == SeverityCritical {
		// Fires for every CRITICAL PHI event, including authorized
		// emergency access.
		v := d.unauthorizedPHI(&e)
		if err := d.raise(ctx, v); err != nil {
			return err
		}
	}

	if e.UserID == "" {
		return nil
	}

	switch {
	case e.Type == EventLoginFailure:
		return d.checkFailedLogins(ctx, &e)
	case e.Type.IsPHIRead():
		return d.checkBulkAccess(ctx, &e)
	}
	return nil
}

func (d *ViolationDetector) checkFailedLogins(ctx context.Context, e *AuditEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.countInWindow(ctx, e, []EventType{EventLoginFailure}, d.cfg.FailedLoginWindow)
	if err != nil {
		return err
	}
	if n != d.cfg.FailedLoginThreshold+1 {
		return nil
	}
	return d.raise(ctx, d.excessiveFailedLogins(e.UserID, n, e.ID))
}

func (d *ViolationDetector) checkBulkAccess(ctx context.Context, e *AuditEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.countInWindow(ctx, e, phiReadTypes(), d.cfg.BulkPHIWindow)
	if err != nil {
		return err
	}
	if n != d.cfg.BulkPHIThreshold {
		return nil
	}
	return d.raise(ctx, d.bulkAccess(e.UserID, n, e.ID, e.Timestamp))
}

// countInWindow counts the user's events of the given types in the window
// ending at e, as of e's position in the chain. Both the timestamp window
// and the position bound apply: later appends are ignored so concurrent
// appends still see each crossing exactly once.
func (d *ViolationDetector) countInWindow(ctx context.Context, e *AuditEvent, types []EventType, window time.Duration) (int, error) {
	start, end := e.Timestamp.Add(-window), e.Timestamp
	events, err := d.events.Find(ctx, EventFilter{
		Types:  types,
		UserID: e.UserID,
		Start:  &start,
		End:    &end,
	})
	if err != nil {
		return 0, fmt.Errorf("violation detector: count events: %w", err)
	}
	n := 0
	for _, x := range events {
		if x.Sequence <= e.Sequence {
			n++
		}
	}
	return n, nil
}

func phiReadTypes() []EventType {
	var out []EventType
	for _, t := range EventTypes() {
		if t.IsPHIRead() {
			out = append(out, t)
		}
	}
	return out
}

// Evaluate runs every rule over a closed window of events and returns the
// findings without storing them.
func (d *ViolationDetector) Evaluate(events []*AuditEvent) Findings {
	f := Findings{Violations: []ComplianceViolation{}}

	ordered := make([]*AuditEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	failed := make(map[string]int)
	reads := make(map[string][]time.Time)
	var users []string
	seen := make(map[string]bool)

	for _, e := range ordered {
		if e.Type.IsSecurityCritical() {
			f.SecurityIncidents++
		}
		if e.Type.IsPHIEvent() && e.Severity == SeverityCritical {
			f.Violations = append(f.Violations, d.unauthorizedPHI(e))
		}
		if e.UserID == "" {
			continue
		}
		if !seen[e.UserID] {
			seen[e.UserID] = true
			users = append(users, e.UserID)
		}
		if e.Type == EventLoginFailure {
			failed[e.UserID]++
		}
		if e.Type.IsPHIRead() {
			reads[e.UserID] = append(reads[e.UserID], e.Timestamp)
		}
	}

	for _, u := range users {
		if n := failed[u]; n > d.cfg.FailedLoginThreshold {
			f.Violations = append(f.Violations, d.excessiveFailedLogins(u, n, ""))
		}
		if n, at := maxInWindow(reads[u], d.cfg.BulkPHIWindow); n >= d.cfg.BulkPHIThreshold {
			f.Violations = append(f.Violations, d.bulkAccess(u, n, "", at))
		}
	}
	return f
}

// maxInWindow returns the largest number of timestamps (sorted ascending)
// falling in any trailing window, and the end of that window.
func maxInWindow(ts []time.Time, window time.Duration) (int, time.Time) {
	best, lo := 0, 0
	var at time.Time
	for hi := range ts {
		for ts[hi].Sub(ts[lo]) > window {
			lo++
		}
		if n := hi - lo + 1; n > best {
			best, at = n, ts[hi]
		}
	}
	return best, at
}

func (d *ViolationDetector) unauthorizedPHI(e *AuditEvent) ComplianceViolation {
	return ComplianceViolation{
		Type:        ViolationUnauthorizedPHIAccess,
		Severity:    SeverityCritical,
		Description: fmt.Sprintf("Critical PHI access: %s", e.Type.DisplayName()),
		UserID:      e.UserID,
		PatientID:   e.PatientID,
		Details:     e.Action,
		EventID:     e.ID,
		DetectedAt:  d.now(),
	}
}

func (d *ViolationDetector) excessiveFailedLogins(userID string, n int, eventID string) ComplianceViolation {
	return ComplianceViolation{
		Type:        ViolationExcessiveFailedLogins,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("User had %d failed login attempts", n),
		UserID:      userID,
		Details:     fmt.Sprintf("failed_logins=%d threshold=%d", n, d.cfg.FailedLoginThreshold),
		EventID:     eventID,
		DetectedAt:  d.now(),
	}
}

func (d *ViolationDetector) bulkAccess(userID string, n int, eventID string, at time.Time) ComplianceViolation {
	details := fmt.Sprintf("phi_reads=%d window=%s", n, d.cfg.BulkPHIWindow)
	if !at.IsZero() {
		details += " window_end=" + at.UTC().Format(time.RFC3339)
	}
	return ComplianceViolation{
		Type:        ViolationSuspiciousBulkAccess,
		Severity:    SeverityHigh,
		Description: fmt.Sprintf("User accessed PHI %d times within %s", n, d.cfg.BulkPHIWindow),
		UserID:      userID,
		Details:     details,
		EventID:     eventID,
		DetectedAt:  d.now(),
	}
}

// raise assigns an id and stores the violation.
func (d *ViolationDetector) raise(ctx context.Context, v ComplianceViolation) error {
	v.ID = uuid.New().String()
	if err := d.store.Put(context.WithoutCancel(ctx), v.ID, v); err != nil {
		return fmt.Errorf("violation detector: store: %w", err)
	}
	d.metrics.ViolationDetected(v.Type)
	d.logger.Warn().
		Str("violation_id", v.ID).
		Str("type", v.Type).
		Str("severity", string(v.Severity)).
		Str("user_id", v.UserID).
		Str("patient_id", v.PatientID).
		Msg("compliance violation detected")
	return nil
}

// List returns every stored violation in detection order.
func (d *ViolationDetector) List(ctx context.Context) ([]ComplianceViolation, error) {
	out, err := d.store.Scan(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("violation detector: list: %w", err)
	}
	if out == nil {
		out = []ComplianceViolation{}
	}
	return out, nil
}

// ListBetween returns violations detected in [start, end].
func (d *ViolationDetector) ListBetween(ctx context.Context, start, end time.Time) ([]ComplianceViolation, error) {
	out, err := d.store.Scan(ctx, func(v ComplianceViolation) bool {
		return !v.DetectedAt.Before(start) && !v.DetectedAt.After(end)
	})
	if err != nil {
		return nil, fmt.Errorf("violation detector: list: %w", err)
	}
	if out == nil {
		out = []ComplianceViolation{}
	}
	return out, nil
}

func (d *ViolationDetector) Get(ctx context.Context, id string) (*ComplianceViolation, error) {
	v, err := d.store.Get(ctx, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("violation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("violation detector: get %s: %w", id, err)
	}
	return &v, nil
}

// Resolve marks a violation resolved. A second call returns
// ErrAlreadyResolved and leaves the first resolution intact.
func (d *ViolationDetector) Resolve(ctx context.Context, id, note, resolvedBy string) (*ComplianceViolation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Resolved {
		return nil, fmt.Errorf("violation %s: %w", id, ErrAlreadyResolved)
	}

	now := d.now()
	v.Resolved = true
	v.ResolutionNote = note
	v.ResolvedBy = resolvedBy
	v.ResolvedAt = &now

	if err := d.store.Put(ctx, v.ID, *v); err != nil {
		return nil, fmt.Errorf("violation detector: resolve %s: %w", id, err)
	}
	d.logger.Info().Str("violation_id", id).Str("resolved_by", resolvedBy).Msg("violation resolved")
	return v, nil
}

// purgeBefore removes violations detected strictly before cutoff.
func (d *ViolationDetector) purgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	old, err := d.store.Scan(ctx, func(v ComplianceViolation) bool {
		return v.DetectedAt.Before(cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("violation detector: scan for purge: %w", err)
	}
	removed := 0
	for _, v := range old {
		if err := d.store.Delete(ctx, v.ID); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			return removed, fmt.Errorf("violation detector: purge %s: %w", v.ID, err)
		}
		removed++
	}
	return removed, nil
}
