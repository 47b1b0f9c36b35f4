package hipaa

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/metrics"
)

// AuditRetentionDays is the minimum horizon for audit events (7 years).
const AuditRetentionDays = 2555

// DefaultRetentionSchedule runs the enforcer daily at 03:00.
const DefaultRetentionSchedule = "0 3 * * *"

// RetentionPolicy describes how long one kind of compliance record is kept.
type RetentionPolicy struct {
	Collection    string `json:"collection"`
	RetentionDays int    `json:"retention_days"`
	Description   string `json:"description"`
}

// DefaultRetentionPolicies returns the horizons the enforcer applies.
//
// HIPAA requires documentation of policies, procedures and audit trails to be
// retained for at least 6 years; records here are kept for 7.
func DefaultRetentionPolicies() []RetentionPolicy {
	return []RetentionPolicy{
		{
			Collection:    "audit_event",
			RetentionDays: AuditRetentionDays,
			Description:   "Audit events: 7 years, purged strictly after the horizon with chain checkpoints preserved",
		},
		{
			Collection:    "compliance_violation",
			RetentionDays: AuditRetentionDays,
			Description:   "Compliance violations: same horizon as the events that raised them",
		},
		{
			Collection:    "audit_chain_checkpoint",
			RetentionDays: 0,
			Description:   "Chain checkpoints: kept while the event they anchor is retained",
		},
		{
			Collection:    "encryption_key_config",
			RetentionDays: 0,
			Description:   "Key configurations: never purged; ciphertext under old versions must stay readable",
		},
	}
}

// RetentionResult reports one enforcement run.
type RetentionResult struct {
	Cutoff           time.Time `json:"cutoff"`
	EventsPurged     int       `json:"events_purged"`
	ViolationsPurged int       `json:"violations_purged"`
	RemainingEvents  int       `json:"remaining_events"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// RetentionEnforcer purges audit events and violations older than the
// retention horizon. A run that removes anything records an AUDIT_LOG_PURGED
// event on the chain.
type RetentionEnforcer struct {
	log      *AuditLog
	detector *ViolationDetector
	days     int
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	runMu sync.Mutex

	schedMu sync.Mutex
	cron    *cron.Cron
}

// RetentionOption configures a RetentionEnforcer.
type RetentionOption func(*RetentionEnforcer)

func WithRetentionMetrics(m *metrics.Metrics) RetentionOption {
	return func(r *RetentionEnforcer) { r.metrics = m }
}

func WithRetentionClock(now func() time.Time) RetentionOption {
	return func(r *RetentionEnforcer) { r.now = now }
}

// NewRetentionEnforcer creates an enforcer. days below AuditRetentionDays
// are raised to it.
func NewRetentionEnforcer(log *AuditLog, detector *ViolationDetector, days int, logger zerolog.Logger, opts ...RetentionOption) *RetentionEnforcer {
	if days < AuditRetentionDays {
		days = AuditRetentionDays
	}
	r := &RetentionEnforcer{
		log:      log,
		detector: detector,
		days:     days,
		logger:   logger.With().Str("component", "retention").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cutoff returns the instant before which records are purged.
func (r *RetentionEnforcer) Cutoff() time.Time {
	return r.now().AddDate(0, 0, -r.days)
}

// Run performs one enforcement pass. Overlapping runs are serialised.
func (r *RetentionEnforcer) Run(ctx context.Context) (*RetentionResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	res := &RetentionResult{StartedAt: r.now(), Cutoff: r.Cutoff()}

	n, err := r.log.purgeBefore(ctx, res.Cutoff)
	res.EventsPurged = n
	r.metrics.RetentionRemoved("audit_event", n)
	if err != nil {
		return res, fmt.Errorf("retention: purge events: %w", err)
	}

	if r.detector != nil {
		n, err = r.detector.purgeBefore(ctx, res.Cutoff)
		res.ViolationsPurged = n
		r.metrics.RetentionRemoved("compliance_violation", n)
		if err != nil {
			return res, fmt.Errorf("retention: purge violations: %w", err)
		}
	}

	if res.EventsPurged > 0 || res.ViolationsPurged > 0 {
		if _, err := r.log.Append(ctx, r.purgeRecord(res)); err != nil {
			return res, fmt.Errorf("retention: record purge: %w", err)
		}
	}

	remaining, err := r.log.Count(ctx)
	if err != nil {
		return res, fmt.Errorf("retention: count events: %w", err)
	}
	res.RemainingEvents = remaining
	res.CompletedAt = r.now()

	r.logger.Info().
		Time("cutoff", res.Cutoff).
		Int("events_purged", res.EventsPurged).
		Int("violations_purged", res.ViolationsPurged).
		Int("remaining_events", res.RemainingEvents).
		Msg("retention enforcement completed")
	return res, nil
}

func (r *RetentionEnforcer) purgeRecord(res *RetentionResult) *AuditEvent {
	return &AuditEvent{
		Type:   EventAuditLogPurged,
		Action: "Retention enforcement",
		Metadata: map[string]string{
			"cutoff":            res.Cutoff.UTC().Format(time.RFC3339),
			"events_purged":     strconv.Itoa(res.EventsPurged),
			"violations_purged": strconv.Itoa(res.ViolationsPurged),
			"retention_days":    strconv.Itoa(r.days),
		},
	}
}

// Start schedules Run on the given cron spec (standard five-field syntax).
// An empty spec uses DefaultRetentionSchedule.
func (r *RetentionEnforcer) Start(spec string) error {
	if spec == "" {
		spec = DefaultRetentionSchedule
	}

	r.schedMu.Lock()
	defer r.schedMu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("retention: scheduler already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		if _, err := r.Run(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("scheduled retention run failed")
		}
	}); err != nil {
		return fmt.Errorf("retention: invalid schedule %q: %w", spec, err)
	}
	c.Start()
	r.cron = c

	r.logger.Info().Str("schedule", spec).Int("retention_days", r.days).Msg("retention scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running pass to finish.
func (r *RetentionEnforcer) Stop() {
	r.schedMu.Lock()
	c := r.cron
	r.cron = nil
	r.schedMu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info().Msg("retention scheduler stopped")
}
