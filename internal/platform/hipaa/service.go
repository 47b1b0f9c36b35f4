package hipaa

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/kvstore"
	"github.com/eldercare/ehr/internal/platform/metrics"
)

// ErrLiveUnavailable is returned when no live feed is attached.
var ErrLiveUnavailable = errors.New("live event feed not configured")

// LiveFeed hands out live subscriptions. Messages are JSON frames; the first
// one on every subscription is the connection acknowledgement.
type LiveFeed interface {
	SubscribeLive() (frames <-chan []byte, unsubscribe func())
}

// Stores groups the persistence collections the compliance core needs.
type Stores struct {
	Events      kvstore.Store[AuditEvent]
	Checkpoints kvstore.Store[ChainCheckpoint]
	Violations  kvstore.Store[ComplianceViolation]
	Keys        kvstore.Store[EncryptionKeyConfig]
}

// MemoryStores returns in-process stores, used for development and tests.
func MemoryStores() Stores {
	return Stores{
		Events:      kvstore.NewMemory[AuditEvent](),
		Checkpoints: kvstore.NewMemory[ChainCheckpoint](),
		Violations:  kvstore.NewMemory[ComplianceViolation](),
		Keys:        kvstore.NewMemory[EncryptionKeyConfig](),
	}
}

// PostgresStores returns durable stores in the shared record table.
func PostgresStores(db kvstore.DB) Stores {
	return Stores{
		Events:      kvstore.NewPostgres[AuditEvent](db, "audit_event"),
		Checkpoints: kvstore.NewPostgres[ChainCheckpoint](db, "audit_chain_checkpoint"),
		Violations:  kvstore.NewPostgres[ComplianceViolation](db, "compliance_violation"),
		Keys:        kvstore.NewPostgres[EncryptionKeyConfig](db, "encryption_key_config"),
	}
}

// ServiceConfig configures NewComplianceService.
type ServiceConfig struct {
	Algorithm     Algorithm
	KeySeed       []byte
	Detector      DetectorConfig
	RetentionDays int
	Metrics       *metrics.Metrics
}

// ComplianceService is the single entry point to the compliance core.
type ComplianceService struct {
	log        *AuditLog
	detector   *ViolationDetector
	reports    *ReportEngine
	encryption *EncryptionService
	fields     *FieldEncryptor
	retention  *RetentionEnforcer
	logger     zerolog.Logger

	feed LiveFeed
}

// NewComplianceService wires the audit log, detector, reports, key manager
// and retention enforcer over the given stores, and installs the current key.
func NewComplianceService(ctx context.Context, stores Stores, cfg ServiceConfig, logger zerolog.Logger) (*ComplianceService, error) {
	log := NewAuditLog(stores.Events, stores.Checkpoints, logger, WithAuditMetrics(cfg.Metrics))
	if err := log.Recover(ctx); err != nil {
		return nil, err
	}

	detector := NewViolationDetector(stores.Violations, log, cfg.Detector, logger, WithDetectorMetrics(cfg.Metrics))
	log.AddObserver(detector)

	keys := NewKeyManager(stores.Keys, logger, WithMetrics(cfg.Metrics))
	if err := keys.Initialize(ctx, cfg.Algorithm, cfg.KeySeed); err != nil {
		return nil, err
	}

	encryption := NewEncryptionService(keys, log, logger, cfg.Metrics)
	return &ComplianceService{
		log:        log,
		detector:   detector,
		reports:    NewReportEngine(log, detector, logger),
		encryption: encryption,
		fields:     NewFieldEncryptor(encryption),
		retention:  NewRetentionEnforcer(log, detector, cfg.RetentionDays, logger, WithRetentionMetrics(cfg.Metrics)),
		logger:     logger.With().Str("component", "compliance").Logger(),
	}, nil
}

// AttachLive connects the live broadcaster: appended events are published
// to pub and subscriptions are served from feed.
func (s *ComplianceService) AttachLive(pub LivePublisher, feed LiveFeed) {
	s.log.SetPublisher(pub)
	s.feed = feed
}

func (s *ComplianceService) AuditLog() *AuditLog            { return s.log }
func (s *ComplianceService) Detector() *ViolationDetector   { return s.detector }
func (s *ComplianceService) Reports() *ReportEngine         { return s.reports }
func (s *ComplianceService) Encryption() *EncryptionService { return s.encryption }
func (s *ComplianceService) Fields() *FieldEncryptor        { return s.fields }
func (s *ComplianceService) Retention() *RetentionEnforcer  { return s.retention }

func (s *ComplianceService) AppendEvent(ctx context.Context, event *AuditEvent) (*AuditEvent, error) {
	return s.log.Append(ctx, event)
}

func (s *ComplianceService) GetEvent(ctx context.Context, id string) (*AuditEvent, error) {
	return s.log.Get(ctx, id)
}

func (s *ComplianceService) QueryEvents(ctx context.Context, filter EventFilter) (*EventPage, error) {
	return s.log.Query(ctx, filter)
}

func (s *ComplianceService) GenerateReport(ctx context.Context, start, end time.Time, reportType ReportType) (*AuditReport, error) {
	return s.reports.GenerateReport(ctx, start, end, reportType)
}

func (s *ComplianceService) GenerateComplianceSummary(ctx context.Context, start, end time.Time) (map[string]interface{}, error) {
	return s.reports.GenerateComplianceSummary(ctx, start, end)
}

func (s *ComplianceService) UserActivityTrail(ctx context.Context, userID string, start, end time.Time) ([]*AuditEvent, error) {
	return s.reports.UserActivityTrail(ctx, userID, start, end)
}

func (s *ComplianceService) PatientAccessTrail(ctx context.Context, patientID string, start, end time.Time) ([]*AuditEvent, error) {
	return s.reports.PatientAccessTrail(ctx, patientID, start, end)
}

func (s *ComplianceService) VerifyIntegrity(ctx context.Context) (*IntegrityResult, error) {
	return s.log.VerifyIntegrity(ctx)
}

func (s *ComplianceService) ListViolations(ctx context.Context) ([]ComplianceViolation, error) {
	return s.detector.List(ctx)
}

func (s *ComplianceService) ResolveViolation(ctx context.Context, id, note, resolvedBy string) (*ComplianceViolation, error) {
	return s.detector.Resolve(ctx, id, note, resolvedBy)
}

// Encrypt seals plaintext under the current key.
func (s *ComplianceService) Encrypt(plaintext string) (EncryptedValue, error) {
	return s.encryption.EncryptCurrent(plaintext)
}

func (s *ComplianceService) Decrypt(ciphertext string, keyVersion int) (string, error) {
	return s.encryption.Decrypt(ciphertext, keyVersion)
}

func (s *ComplianceService) RotateKeys(ctx context.Context, alg Algorithm, archiveOld bool, reason, actorID string) (*RotationResult, error) {
	return s.encryption.RotateKeys(ctx, alg, archiveOld, reason, actorID)
}

// SubscribeToLiveEvents registers a live observer. Call unsubscribe when
// done; frames is closed afterwards or when the broadcaster evicts it.
func (s *ComplianceService) SubscribeToLiveEvents() (frames <-chan []byte, unsubscribe func(), err error) {
	if s.feed == nil {
		return nil, nil, ErrLiveUnavailable
	}
	frames, unsubscribe = s.feed.SubscribeLive()
	return frames, unsubscribe, nil
}

// RunRetention performs one retention pass.
func (s *ComplianceService) RunRetention(ctx context.Context) (*RetentionResult, error) {
	return s.retention.Run(ctx)
}
