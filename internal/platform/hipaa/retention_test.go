package hipaa

import (
	"context"
	"testing"
	"time"
)

var retentionNow = time.Date(2026, 10, 1, 3, 0, 0, 0, time.UTC)

func daysAgo(n int) time.Time { return retentionNow.AddDate(0, 0, -n) }

type retentionFixture struct {
	stores   Stores
	log      *AuditLog
	detector *ViolationDetector
	enforcer *RetentionEnforcer
}

func newRetentionFixture(t *testing.T) *retentionFixture {
	t.Helper()
	stores := MemoryStores()
	l := NewAuditLog(stores.Events, stores.Checkpoints, testLogger(), WithAuditClock(func() time.Time { return retentionNow }))
	d := NewViolationDetector(stores.Violations, l, DefaultDetectorConfig(), testLogger())
	r := NewRetentionEnforcer(l, d, AuditRetentionDays, testLogger(), WithRetentionClock(func() time.Time { return retentionNow }))
	return &retentionFixture{stores: stores, log: l, detector: d, enforcer: r}
}

func (f *retentionFixture) appendAt(t *testing.T, ts time.Time) *AuditEvent {
	t.Helper()
	e := viewEvent("u1", "p1")
	e.Timestamp = ts
	return mustAppend(t, f.log, e)
}

func verifyIntact(t *testing.T, l *AuditLog, wantTotal int) {
	t.Helper()
	res, err := l.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Total != wantTotal || res.Tampered != 0 {
		t.Fatalf("expected %d intact events, got %+v", wantTotal, res)
	}
}

func TestRetention_PurgesOnlyBeyondHorizon(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	old := []*AuditEvent{f.appendAt(t, daysAgo(2600)), f.appendAt(t, daysAgo(2556))}
	kept := []*AuditEvent{f.appendAt(t, daysAgo(2554)), f.appendAt(t, daysAgo(1))}

	res, err := f.enforcer.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// The two kept events plus the purge record.
	if res.EventsPurged != 2 || res.RemainingEvents != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !res.Cutoff.Equal(daysAgo(AuditRetentionDays)) {
		t.Errorf("unexpected cutoff %s", res.Cutoff)
	}

	for _, e := range old {
		if _, err := f.log.Get(ctx, e.ID); err == nil {
			t.Errorf("event %d should be purged", e.Sequence)
		}
	}
	for _, e := range kept {
		if _, err := f.log.Get(ctx, e.ID); err != nil {
			t.Errorf("event %d should be retained: %v", e.Sequence, err)
		}
	}

	cp, err := f.stores.Checkpoints.Get(ctx, checkpointKey(kept[0].Sequence))
	if err != nil {
		t.Fatalf("expected a checkpoint for the first retained event: %v", err)
	}
	if cp.PreviousChecksum != old[1].Checksum {
		t.Error("checkpoint does not hold the purged predecessor's checksum")
	}

	verifyIntact(t, f.log, 3)
}

func TestRetention_InterleavedTimestampsStillVerify(t *testing.T) {
	f := newRetentionFixture(t)

	f.appendAt(t, daysAgo(3000))
	f.appendAt(t, daysAgo(10))
	f.appendAt(t, daysAgo(2900))
	f.appendAt(t, daysAgo(5))
	f.appendAt(t, daysAgo(2800))

	res, err := f.enforcer.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.EventsPurged != 3 {
		t.Fatalf("expected 3 purged, got %d", res.EventsPurged)
	}
	verifyIntact(t, f.log, 3)

	// The chain keeps growing from the true tail, which was purged.
	f.appendAt(t, retentionNow)
	verifyIntact(t, f.log, 4)
}

func TestRetention_PurgeEverythingThenRestart(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	f.appendAt(t, daysAgo(2700))
	last := f.appendAt(t, daysAgo(2600))

	if _, err := f.enforcer.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := f.log.Count(ctx); n != 1 {
		t.Fatalf("expected only the purge record, got %d events", n)
	}

	restarted := NewAuditLog(f.stores.Events, f.stores.Checkpoints, testLogger())
	if err := restarted.Recover(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}
	next := mustAppend(t, restarted, viewEvent("u2", "p9"))
	if next.Sequence != last.Sequence+2 {
		t.Errorf("expected sequence %d after restart, got %d", last.Sequence+2, next.Sequence)
	}
	verifyIntact(t, restarted, 2)
}

func TestRetention_SecondRunIsNoop(t *testing.T) {
	f := newRetentionFixture(t)
	f.appendAt(t, daysAgo(2600))
	f.appendAt(t, daysAgo(1))

	if _, err := f.enforcer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	res, err := f.enforcer.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.EventsPurged != 0 || res.RemainingEvents != 2 {
		t.Errorf("unexpected second run %+v", res)
	}
	verifyIntact(t, f.log, 2)
}

func TestRetention_PurgesOldViolations(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()

	for id, at := range map[string]time.Time{"old": daysAgo(2556), "new": daysAgo(2554)} {
		v := ComplianceViolation{ID: id, Type: ViolationUnauthorizedPHIAccess, Severity: SeverityCritical, DetectedAt: at}
		if err := f.stores.Violations.Put(ctx, id, v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	res, err := f.enforcer.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ViolationsPurged != 1 {
		t.Errorf("expected 1 violation purged, got %d", res.ViolationsPurged)
	}
	if _, err := f.detector.Get(ctx, "new"); err != nil {
		t.Errorf("recent violation purged: %v", err)
	}
}

func TestRetention_NothingPurgedDoesNotAppend(t *testing.T) {
	f := newRetentionFixture(t)
	f.appendAt(t, daysAgo(1))

	if _, err := f.enforcer.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := f.log.Count(context.Background()); n != 1 {
		t.Errorf("retention appended to the chain: %d events", n)
	}
}

func TestNewRetentionEnforcer_ClampsHorizon(t *testing.T) {
	f := newRetentionFixture(t)
	r := NewRetentionEnforcer(f.log, nil, 30, testLogger(), WithRetentionClock(func() time.Time { return retentionNow }))
	if !r.Cutoff().Equal(daysAgo(AuditRetentionDays)) {
		t.Errorf("expected a 2555-day horizon, got cutoff %s", r.Cutoff())
	}

	longer := NewRetentionEnforcer(f.log, nil, 3650, testLogger(), WithRetentionClock(func() time.Time { return retentionNow }))
	if !longer.Cutoff().Equal(daysAgo(3650)) {
		t.Errorf("expected a 3650-day horizon, got cutoff %s", longer.Cutoff())
	}
}

func TestRetentionEnforcer_Schedule(t *testing.T) {
	f := newRetentionFixture(t)

	if err := f.enforcer.Start("not a cron spec"); err == nil {
		t.Fatal("expected an invalid schedule error")
	}
	if err := f.enforcer.Start(""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.enforcer.Start(DefaultRetentionSchedule); err == nil {
		t.Error("expected an error when starting twice")
	}
	f.enforcer.Stop()
	f.enforcer.Stop()
}

func TestDefaultRetentionPolicies(t *testing.T) {
	policies := DefaultRetentionPolicies()
	want := map[string]bool{
		"audit_event":            false,
		"compliance_violation":   false,
		"audit_chain_checkpoint": false,
		"encryption_key_config":  false,
	}
	for _, p := range policies {
		if _, ok := want[p.Collection]; !ok {
			t.Errorf("unexpected policy %q", p.Collection)
		}
		want[p.Collection] = true
		if p.Description == "" {
			t.Errorf("policy %q has no description", p.Collection)
		}
		if p.Collection == "audit_event" && p.RetentionDays < AuditRetentionDays {
			t.Errorf("audit events kept only %d days", p.RetentionDays)
		}
	}
	for c, found := range want {
		if !found {
			t.Errorf("missing policy for %s", c)
		}
	}
}

func TestRetention_RecordsPurgeOnChain(t *testing.T) {
	f := newRetentionFixture(t)
	ctx := context.Background()
	f.appendAt(t, daysAgo(2600))
	f.appendAt(t, daysAgo(2590))

	if _, err := f.enforcer.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	records, err := f.log.Find(ctx, EventFilter{Types: []EventType{EventAuditLogPurged}})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one purge record, got %d", len(records))
	}
	rec := records[0]
	if rec.Metadata["events_purged"] != "2" || rec.Metadata["violations_purged"] != "0" {
		t.Errorf("unexpected purge metadata %v", rec.Metadata)
	}
	if rec.Metadata["cutoff"] != daysAgo(AuditRetentionDays).Format(time.RFC3339) {
		t.Errorf("unexpected cutoff %q", rec.Metadata["cutoff"])
	}

	// Nothing to purge: no further record.
	if _, err := f.enforcer.Run(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	records, _ = f.log.Find(ctx, EventFilter{Types: []EventType{EventAuditLogPurged}})
	if len(records) != 1 {
		t.Errorf("an empty run should not append, got %d purge records", len(records))
	}
}
