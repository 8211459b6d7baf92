package share

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/hipaa"
	"github.com/radreport/radreport/internal/platform/telemetry"
)

// memStore keeps records by token hash and honours expiry like the
// conditional UPDATE.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{records: make(map[string]*Record), now: now}
}

func (s *memStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.TokenHash] = &cp
	return nil
}

func (s *memStore) Redeem(_ context.Context, tokenHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[tokenHash]
	if !ok {
		return nil, apperr.NotFound("share")
	}
	now := s.now()
	if !rec.ExpiresAt.After(now) {
		return nil, apperr.New(apperr.KindGone, "share link has expired")
	}
	rec.AccessCount++
	rec.LastAccessedAt = &now
	cp := *rec
	return &cp, nil
}

type fakeReports struct {
	reports map[uuid.UUID]*report.Report
}

func (f *fakeReports) Get(_ context.Context, id uuid.UUID) (*report.Report, error) {
	r, ok := f.reports[id]
	if !ok {
		return nil, apperr.NotFound("report")
	}
	return r.Clone(), nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func signedReport() *report.Report {
	return &report.Report{
		ID:              uuid.New(),
		StudyID:         "1.2.840.99",
		AccessionNumber: "ACC7788",
		PatientID:       "MRN445566",
		PatientName:     "Jane Doe",
		OwnerID:         "dr-owner",
		AIJobID:         "job-123",
		Status:          report.StatusFinal,
		Version:         4,
		Narrative: report.Narrative{
			Technique:          "CT chest without contrast.",
			Findings:           "Jane Doe has a 6 mm nodule. Prior study accession ACC7788 reviewed.",
			Impression:         "Small nodule. Discussed with Dr. Owner.",
			ClinicalHistory:    "Patient Doe, cough. Call 555-123-4567.",
			StructuredFindings: json.RawMessage(`{"nodule":{"size_mm":6,"note":"seen by Jane Doe"}}`),
			KeyImages:          []report.KeyImage{{InstanceUID: "1.2.3.4", Caption: "nodule, Jane Doe"}},
		},
		Signature: &report.Signature{SignerID: "dr-owner", SignerName: "Dr. Owner", SignedAt: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		Addenda: []report.Addendum{
			{Seq: 1, Content: "Nodule stable, per Dr. Owner.", Reason: "follow-up", SignerID: "dr-owner", SignerName: "Dr. Owner"},
		},
	}
}

type shareEnv struct {
	svc     *Service
	store   *memStore
	clock   *clock
	rep     *report.Report
	metrics *telemetry.Metrics
}

func newShareEnv(t *testing.T, encrypted bool) *shareEnv {
	t.Helper()
	clk := &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore(clk.now)
	rep := signedReport()
	var enc *hipaa.PHIEncryptor
	if encrypted {
		var err error
		if enc, err = hipaa.NewPHIEncryptorFromHex(testKey); err != nil {
			t.Fatalf("encryptor: %v", err)
		}
	}
	svc := NewService(store, &fakeReports{reports: map[uuid.UUID]*report.Report{rep.ID: rep}}, enc, zerolog.Nop())
	svc.now = clk.now
	metrics := telemetry.NewMetrics(nil)
	svc.SetMetrics(metrics)
	return &shareEnv{svc: svc, store: store, clock: clk, rep: rep, metrics: metrics}
}

var sharer = report.Actor{UserID: "dr-owner", Roles: []string{auth.RoleRadiologist}}

func TestCreateAndRedeem(t *testing.T) {
	env := newShareEnv(t, false)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{
		Legends: []Legend{{InstanceUID: "1.2.3.4", Text: "arrow marks the nodule"}},
		Note:    "teaching case",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Token) != 43 {
		t.Errorf("expected 43-char base64url token, got %d chars", len(created.Token))
	}
	if !strings.HasPrefix(created.CaseCode, "CASE-") {
		t.Errorf("unexpected case code %q", created.CaseCode)
	}
	if want := env.clock.now().Add(24 * time.Hour); !created.ExpiresAt.Equal(want) {
		t.Errorf("expected default expiry %v, got %v", want, created.ExpiresAt)
	}
	for hash := range env.store.records {
		if hash == created.Token || strings.Contains(hash, created.Token) {
			t.Error("raw token must not be stored")
		}
	}

	p, err := env.svc.Redeem(ctx, created.Token, "203.0.113.9")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if p.AccessCount != 1 || p.CaseCode != created.CaseCode {
		t.Errorf("unexpected payload header: %+v", p)
	}
	if len(p.Legends) != 1 || len(p.KeyImages) != 1 || p.Note != "teaching case" {
		t.Errorf("supplementary data lost: %+v", p)
	}

	p, err = env.svc.Redeem(ctx, created.Token, "203.0.113.9")
	if err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	if p.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", p.AccessCount)
	}
	if got := testutil.ToFloat64(env.metrics.ShareRedemptions.WithLabelValues("ok")); got != 2 {
		t.Errorf("expected 2 ok redemptions, got %v", got)
	}
}

func TestRedeem_ExpiryAndUnknown(t *testing.T) {
	env := newShareEnv(t, false)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{TTL: time.Hour})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Redeem(ctx, created.Token, ""); err != nil {
		t.Fatalf("redeem before expiry: %v", err)
	}

	env.clock.advance(time.Hour)
	_, err = env.svc.Redeem(ctx, created.Token, "")
	if !apperr.IsKind(err, apperr.KindGone) {
		t.Fatalf("expected GONE, got %v", err)
	}
	rec := env.store.records[hashToken(created.Token)]
	if rec.AccessCount != 1 {
		t.Errorf("expired redemption must not count, got %d", rec.AccessCount)
	}

	_, err = env.svc.Redeem(ctx, "not-a-real-token", "")
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	if got := testutil.ToFloat64(env.metrics.ShareRedemptions.WithLabelValues("expired")); got != 1 {
		t.Errorf("expected 1 expired redemption, got %v", got)
	}
	if got := testutil.ToFloat64(env.metrics.ShareRedemptions.WithLabelValues("unknown")); got != 1 {
		t.Errorf("expected 1 unknown redemption, got %v", got)
	}
}

func TestCreate_TTLBounds(t *testing.T) {
	env := newShareEnv(t, false)
	ctx := context.Background()

	for _, ttl := range []time.Duration{30 * time.Second, 25 * time.Hour} {
		_, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{TTL: ttl})
		if !apperr.IsKind(err, apperr.KindValidationFailed) {
			t.Errorf("ttl %s: expected VALIDATION_FAILED, got %v", ttl, err)
		}
	}
	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{TTL: 10 * time.Minute})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if want := env.clock.now().Add(10 * time.Minute); !created.ExpiresAt.Equal(want) {
		t.Errorf("expected %v, got %v", want, created.ExpiresAt)
	}
}

func TestCreate_Authorization(t *testing.T) {
	env := newShareEnv(t, false)
	ctx := context.Background()

	_, err := env.svc.Create(ctx, report.Actor{UserID: "dr-other", Roles: []string{auth.RoleRadiologist}}, env.rep.ID, CreateInput{})
	if !apperr.IsKind(err, apperr.KindForbidden) {
		t.Errorf("expected FORBIDDEN, got %v", err)
	}
	if _, err := env.svc.Create(ctx, report.Actor{UserID: "dr-att", Roles: []string{auth.RoleAttending}}, env.rep.ID, CreateInput{}); err != nil {
		t.Errorf("attending should be allowed: %v", err)
	}
	_, err = env.svc.Create(ctx, sharer, uuid.New(), CreateInput{})
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestCreate_EncryptsPayloadAtRest(t *testing.T) {
	env := newShareEnv(t, true)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rec := env.store.records[hashToken(created.Token)]
	if !rec.PayloadEncrypted {
		t.Fatal("expected encrypted payload")
	}
	if strings.Contains(string(rec.Payload), "nodule") {
		t.Error("stored payload is readable")
	}

	p, err := env.svc.Redeem(ctx, created.Token, "")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !strings.Contains(p.Findings, "nodule") {
		t.Errorf("decrypted payload lost content: %q", p.Findings)
	}
}

func TestRedeem_RejectsPayloadMovedToAnotherShare(t *testing.T) {
	env := newShareEnv(t, true)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.store.records[hashToken(created.Token)].ID = uuid.New()

	if _, err := env.svc.Redeem(ctx, created.Token, ""); err == nil {
		t.Fatal("payload sealed for one share must not open under another")
	}
}

func TestAuditRecordsShareActions(t *testing.T) {
	env := newShareEnv(t, false)
	audit := &auditRecorder{}
	env.svc.SetAuditSink(audit)
	ctx := context.Background()

	created, err := env.svc.Create(ctx, sharer, env.rep.ID, CreateInput{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Redeem(ctx, created.Token, "198.51.100.7"); err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if len(audit.events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(audit.events))
	}
	if audit.events[0].Action != "share_create" || audit.events[1].Action != "share_redeem" {
		t.Errorf("unexpected actions: %s, %s", audit.events[0].Action, audit.events[1].Action)
	}
	if audit.events[1].SourceIP != "198.51.100.7" {
		t.Errorf("expected redeemer IP, got %q", audit.events[1].SourceIP)
	}
}

type auditRecorder struct {
	events []*hipaa.AuditEvent
}

func (a *auditRecorder) LogEvent(_ context.Context, ev *hipaa.AuditEvent) error {
	a.events = append(a.events, ev)
	return nil
}
