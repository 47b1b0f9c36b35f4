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

// LiveEvent is the reduced projection of an AuditEvent pushed to live
// observers. It deliberately omits names, free text and metadata.
type LiveEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"event_type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
	PatientID string    `json:"patient_id,omitempty"`
}

// Projection returns the live-stream view of the event.
func (e *AuditEvent) Projection() LiveEvent {
	return LiveEvent{
		ID:        e.ID,
		Type:      e.Type,
		Severity:  e.Severity,
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		PatientID: e.PatientID,
	}
}

// LivePublisher receives every appended event. Implementations must not
// block; the audit log ignores anything they do wrong.
type LivePublisher interface {
	PublishLive(ctx context.Context, event LiveEvent)
}

// AppendObserver is notified synchronously after an event is stored.
type AppendObserver interface {
	OnAppend(ctx context.Context, event AuditEvent) error
}

// IntegrityResult is the outcome of re-walking the checksum chain.
type IntegrityResult struct {
	Total       int       `json:"total"`
	Verified    int       `json:"verified"`
	Tampered    int       `json:"tampered"`
	TamperedIDs []string  `json:"tampered_ids"`
	Percentage  float64   `json:"integrity_percentage"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// chainHeadKey names the checkpoint holding the chain tail: its Sequence is
// the next sequence to assign and PreviousChecksum the tail's checksum.
const chainHeadKey = "head"

// AuditLog is the append-only, tamper-evident store of audit events. The
// chain is owned by the backing store, not by the AuditLog value: every
// append reads the persisted head under the store's lock, so any number of
// AuditLogs (in one process or many) over the same stores extend a single
// chain.
type AuditLog struct {
	events      kvstore.Store[AuditEvent]
	checkpoints kvstore.Store[ChainCheckpoint]
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	mu sync.Mutex

	obsMu     sync.RWMutex
	publisher LivePublisher
	observers []AppendObserver
}

// AuditLogOption configures an AuditLog.
type AuditLogOption func(*AuditLog)

// WithAuditMetrics attaches Prometheus instruments.
func WithAuditMetrics(m *metrics.Metrics) AuditLogOption {
	return func(l *AuditLog) { l.metrics = m }
}

// WithAuditClock overrides the clock used for missing timestamps.
func WithAuditClock(now func() time.Time) AuditLogOption {
	return func(l *AuditLog) { l.now = now }
}

// NewAuditLog creates an audit log over the given event and checkpoint stores.
func NewAuditLog(events kvstore.Store[AuditEvent], checkpoints kvstore.Store[ChainCheckpoint], logger zerolog.Logger, opts ...AuditLogOption) *AuditLog {
	l := &AuditLog{
		events:      events,
		checkpoints: checkpoints,
		logger:      logger.With().Str("component", "audit-log").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetPublisher attaches the live broadcaster.
func (l *AuditLog) SetPublisher(p LivePublisher) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.publisher = p
}

// AddObserver registers an observer run after every successful append.
func (l *AuditLog) AddObserver(o AppendObserver) {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.observers = append(l.observers, o)
}

// Recover checks that the chain tail can be read from the backing store.
// Servers call it at start-up to fail fast on an unreadable store.
func (l *AuditLog) Recover(ctx context.Context) error {
	seq, _, err := l.readHead(ctx)
	if err != nil {
		return err
	}
	l.logger.Debug().Uint64("sequence", seq).Msg("chain head recovered")
	return nil
}

// readHead returns the sequence and checksum of the chain tail. Chains
// written before the head record existed are recovered by a scan.
func (l *AuditLog) readHead(ctx context.Context) (uint64, string, error) {
	head, err := l.checkpoints.Get(ctx, chainHeadKey)
	if err == nil {
		return head.Sequence - 1, head.PreviousChecksum, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return 0, "", fmt.Errorf("audit log: read chain head: %w", err)
	}
	return l.scanTail(ctx)
}

func (l *AuditLog) scanTail(ctx context.Context) (uint64, string, error) {
	events, err := l.events.Scan(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("audit log: recover tail: %w", err)
	}

	var (
		seq uint64
		sum string
	)
	for i := range events {
		if events[i].Sequence > seq {
			seq = events[i].Sequence
			sum = events[i].Checksum
		}
	}

	// The newest events may have been purged; their checksum survives as
	// the checkpoint of the following sequence number.
	cps, err := l.checkpoints.Scan(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("audit log: recover checkpoints: %w", err)
	}
	for _, cp := range cps {
		if cp.Sequence > 0 && cp.Sequence-1 > seq {
			seq = cp.Sequence - 1
			sum = cp.PreviousChecksum
		}
	}
	return seq, sum, nil
}

// Append validates the event, links it into the checksum chain and stores
// it. The returned event carries the assigned id, sequence, timestamp and
// checksum. Live publication and violation detection run after the chain
// lock is released and can never fail the append.
func (l *AuditLog) Append(ctx context.Context, event *AuditEvent) (*AuditEvent, error) {
	if event == nil {
		l.metrics.AppendFailed()
		return nil, fmt.Errorf("%w: nil event", ErrValidation)
	}

	e := event.clone()
	if err := e.validate(); err != nil {
		l.metrics.AppendFailed()
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	stored, err := l.link(ctx, e)
	if err != nil {
		l.metrics.AppendFailed()
		return nil, err
	}

	l.metrics.EventAppended(string(stored.Type), string(stored.Severity))
	l.notify(ctx, stored)

	out := stored.clone()
	return &out, nil
}

// link is the serialised critical section: read head, digest, persist
// event, advance head. mu orders appends within the process; the store's
// lock orders them across processes.
func (l *AuditLog) link(ctx context.Context, e AuditEvent) (AuditEvent, error) {
	// A caller timing out must not leave a half-written chain entry.
	storeCtx := context.WithoutCancel(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	err := kvstore.Exclusive(storeCtx, l.events, func(ctx context.Context) error {
		seq, previous, err := l.readHead(ctx)
		if err != nil {
			return err
		}

		if _, err := l.events.Get(ctx, e.ID); err == nil {
			return fmt.Errorf("%w: event id %s already used", ErrValidation, e.ID)
		} else if !errors.Is(err, kvstore.ErrNotFound) {
			return fmt.Errorf("audit log: check id: %w", err)
		}

		sum, err := ComputeChecksum(&e, previous)
		if err != nil {
			return err
		}
		e.Sequence = seq + 1
		e.Checksum = sum

		if err := l.events.Put(ctx, e.ID, e); err != nil {
			return fmt.Errorf("audit log: store event: %w", err)
		}
		head := ChainCheckpoint{Sequence: e.Sequence + 1, PreviousChecksum: sum, CreatedAt: e.Timestamp}
		if err := l.checkpoints.Put(ctx, chainHeadKey, head); err != nil {
			return fmt.Errorf("audit log: advance chain head: %w", err)
		}
		return nil
	})
	if err != nil {
		return AuditEvent{}, err
	}
	return e, nil
}

func (l *AuditLog) notify(ctx context.Context, e AuditEvent) {
	l.obsMu.RLock()
	publisher := l.publisher
	observers := append([]AppendObserver(nil), l.observers...)
	l.obsMu.RUnlock()

	if publisher != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Warn().Interface("panic", r).Str("event_id", e.ID).Msg("live publisher panicked")
				}
			}()
			publisher.PublishLive(ctx, e.Projection())
		}()
	}

	for _, o := range observers {
		if err := o.OnAppend(ctx, e); err != nil {
			l.logger.Error().Err(err).Str("event_id", e.ID).Msg("append observer failed")
		}
	}
}

// Get returns a stored event by id.
func (l *AuditLog) Get(ctx context.Context, id string) (*AuditEvent, error) {
	e, err := l.events.Get(ctx, id)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("audit event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("audit log: get %s: %w", id, err)
	}
	out := e.clone()
	return &out, nil
}

// Count returns the number of stored events.
func (l *AuditLog) Count(ctx context.Context) (int, error) {
	return l.events.Count(ctx)
}

// chain returns every stored event in sequence order.
func (l *AuditLog) chain(ctx context.Context) ([]AuditEvent, error) {
	events, err := l.events.Scan(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit log: scan: %w", err)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })
	return events, nil
}

// VerifyIntegrity recomputes every checksum from the event contents and the
// recomputed checksum of its predecessor. A modified event therefore fails
// along with every event after it. Nothing is repaired.
func (l *AuditLog) VerifyIntegrity(ctx context.Context) (*IntegrityResult, error) {
	events, err := l.chain(ctx)
	if err != nil {
		return nil, err
	}

	cps, err := l.checkpoints.Scan(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit log: scan checkpoints: %w", err)
	}
	checkpoints := make(map[uint64]string, len(cps))
	for _, cp := range cps {
		checkpoints[cp.Sequence] = cp.PreviousChecksum
	}

	result := &IntegrityResult{
		Total:       len(events),
		TamperedIDs: []string{},
		VerifiedAt:  l.now(),
	}

	var (
		running  string
		lastSeen uint64
	)
	for i := range events {
		e := &events[i]

		previous := running
		if e.Sequence != lastSeen+1 {
			// Gap: only a retention purge may bridge it.
			if cp, ok := checkpoints[e.Sequence]; ok {
				previous = cp
			}
		}

		recomputed, err := ComputeChecksum(e, previous)
		if err != nil {
			return nil, err
		}
		if recomputed == e.Checksum {
			result.Verified++
		} else {
			result.Tampered++
			result.TamperedIDs = append(result.TamperedIDs, e.ID)
		}
		running = recomputed
		lastSeen = e.Sequence
	}

	result.Percentage = Percentage(result.Verified, result.Total)
	l.metrics.IntegrityVerified(result.Tampered)

	if result.Tampered > 0 {
		l.logger.Error().
			Int("total", result.Total).
			Int("tampered", result.Tampered).
			Strs("tampered_ids", result.TamperedIDs).
			Msg("audit chain integrity violation detected")
	} else {
		l.logger.Info().Int("total", result.Total).Msg("audit chain verified")
	}
	return result, nil
}

// purgeBefore removes every event with a timestamp strictly before cutoff.
// Before deleting, it records a checkpoint for each retained event (or the
// next sequence number) whose predecessor is being removed, so the retained
// chain still verifies.
func (l *AuditLog) purgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx = context.WithoutCancel(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	err := kvstore.Exclusive(ctx, l.events, func(ctx context.Context) error {
		lastSeq, _, err := l.readHead(ctx)
		if err != nil {
			return err
		}
		events, err := l.chain(ctx)
		if err != nil {
			return err
		}

		bySeq := make(map[uint64]*AuditEvent, len(events))
		purge := make(map[uint64]bool)
		for i := range events {
			bySeq[events[i].Sequence] = &events[i]
			if events[i].Timestamp.Before(cutoff) {
				purge[events[i].Sequence] = true
			}
		}
		if len(purge) == 0 {
			return nil
		}

		now := l.now()
		for seq := range purge {
			next := seq + 1
			if purge[next] {
				continue
			}
			if _, retained := bySeq[next]; !retained && next <= lastSeq {
				// Successor already gone; its checkpoint (if any) still holds.
				continue
			}
			cp := ChainCheckpoint{
				Sequence:         next,
				PreviousChecksum: bySeq[seq].Checksum,
				CreatedAt:        now,
			}
			if err := l.checkpoints.Put(ctx, checkpointKey(next), cp); err != nil {
				return fmt.Errorf("audit log: write checkpoint %d: %w", next, err)
			}
		}

		for seq := range purge {
			if err := l.events.Delete(ctx, bySeq[seq].ID); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
				return fmt.Errorf("audit log: delete %s: %w", bySeq[seq].ID, err)
			}
			removed++
			if err := l.checkpoints.Delete(ctx, checkpointKey(seq)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
				return fmt.Errorf("audit log: delete checkpoint %d: %w", seq, err)
			}
		}
		return nil
	})
	return removed, err
}
