package share

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/hipaa"
	"github.com/radreport/radreport/internal/platform/telemetry"
)

const (
	tokenBytes = 32
	// MinTTL is the shortest lifetime a caller may request.
	MinTTL     = time.Minute
	defaultTTL = 24 * time.Hour
)

// Redemption results for metrics.
const (
	resultOK      = "ok"
	resultExpired = "expired"
	resultUnknown = "unknown"
)

// ReportReader loads the report being shared. report.Service implements it.
type ReportReader interface {
	Get(ctx context.Context, id uuid.UUID) (*report.Report, error)
}

type Service struct {
	store     Store
	reports   ReportReader
	encryptor *hipaa.PHIEncryptor
	logger    zerolog.Logger

	ttl     time.Duration
	timeout time.Duration
	audit   report.AuditSink
	metrics *telemetry.Metrics
	now     func() time.Time
}

// NewService wires the gateway. A nil encryptor stores payloads in the clear.
func NewService(store Store, reports ReportReader, encryptor *hipaa.PHIEncryptor, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		reports:   reports,
		encryptor: encryptor,
		logger:    logger.With().Str("component", "share").Logger(),
		ttl:       defaultTTL,
		timeout:   5 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetTTL sets the default and maximum share lifetime.
func (s *Service) SetTTL(d time.Duration) {
	if d >= MinTTL {
		s.ttl = d
	}
}

func (s *Service) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

func (s *Service) SetAuditSink(a report.AuditSink) { s.audit = a }

func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// CreateInput is the sharer's request.
type CreateInput struct {
	TTL     time.Duration
	Legends []Legend
	Note    string
}

// Create issues a share link for the report. Only the report owner or an
// elevated role may share.
func (s *Service) Create(ctx context.Context, actor report.Actor, reportID uuid.UUID, in CreateInput) (*Created, error) {
	ttl := s.ttl
	if in.TTL != 0 {
		if in.TTL < MinTTL || in.TTL > s.ttl {
			return nil, apperr.Validation([]string{
				fmt.Sprintf("ttl must be between %s and %s", MinTTL, s.ttl),
			})
		}
		ttl = in.TTL
	}

	rep, err := s.reports.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if actor.UserID != rep.OwnerID && !auth.HasAnyRole(auth.Identity{Roles: actor.Roles}, auth.RoleAttending) {
		return nil, apperr.Forbidden("only the report owner may share this report")
	}

	token, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	caseCode, err := newCaseCode()
	if err != nil {
		return nil, err
	}

	now := s.now()
	payload := Redact(rep, caseCode, in.Legends, in.Note)
	payload.ExpiresAt = now.Add(ttl)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode share payload: %w", err)
	}
	rec := &Record{
		ID:        uuid.New(),
		TokenHash: hash,
		ReportID:  rep.ID,
		CaseCode:  caseCode,
		Payload:   body,
		CreatedBy: actor.UserID,
		CreatedAt: now,
		ExpiresAt: payload.ExpiresAt,
	}
	if s.encryptor != nil {
		if rec.Payload, err = s.encryptor.Seal(body, rec.ID[:]); err != nil {
			return nil, fmt.Errorf("encrypt share payload: %w", err)
		}
		rec.PayloadEncrypted = true
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	err = s.store.Create(cctx, rec)
	cancel()
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("share_id", rec.ID.String()).
		Str("report_id", rep.ID.String()).
		Str("case_code", caseCode).
		Time("expires_at", rec.ExpiresAt).
		Msg("share link created")
	if s.metrics != nil {
		s.metrics.SharesCreated.Inc()
	}
	s.recordAudit(ctx, &hipaa.AuditEvent{
		ActorID:    actor.UserID,
		Action:     "share_create",
		Resource:   "report",
		ResourceID: rep.ID.String(),
		Detail:     "share " + caseCode + " expires " + rec.ExpiresAt.Format(time.RFC3339),
		SourceIP:   actor.SourceIP,
		UserAgent:  actor.UserAgent,
		RequestID:  actor.RequestID,
	})

	return &Created{ID: rec.ID, Token: token, CaseCode: caseCode, ExpiresAt: rec.ExpiresAt}, nil
}

// Redeem returns the payload behind token and counts the access.
func (s *Service) Redeem(ctx context.Context, token, sourceIP string) (*Payload, error) {
	if token == "" {
		s.observe(resultUnknown)
		return nil, apperr.NotFound("share")
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	rec, err := s.store.Redeem(cctx, hashToken(token))
	cancel()
	switch apperr.KindOf(err) {
	case apperr.KindGone:
		s.observe(resultExpired)
		return nil, err
	case apperr.KindNotFound:
		s.observe(resultUnknown)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	body := rec.Payload
	if rec.PayloadEncrypted {
		if s.encryptor == nil {
			return nil, fmt.Errorf("share %s is encrypted but no key is configured", rec.ID)
		}
		if body, err = s.encryptor.Open(rec.Payload, rec.ID[:]); err != nil {
			return nil, fmt.Errorf("decrypt share payload: %w", err)
		}
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode share payload: %w", err)
	}
	p.AccessCount = rec.AccessCount
	s.observe(resultOK)
	s.recordAudit(ctx, &hipaa.AuditEvent{
		ActorID:    "share:" + rec.CaseCode,
		Action:     "share_redeem",
		Resource:   "report",
		ResourceID: rec.ReportID.String(),
		Detail:     fmt.Sprintf("access %d", rec.AccessCount),
		SourceIP:   sourceIP,
	})
	return &p, nil
}

func (s *Service) observe(result string) {
	if s.metrics != nil {
		s.metrics.ShareRedemptions.WithLabelValues(result).Inc()
	}
}

func (s *Service) recordAudit(ctx context.Context, ev *hipaa.AuditEvent) {
	if s.audit == nil {
		return
	}
	ev.Recorded = s.now()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.audit.LogEvent(actx, ev); err != nil {
		s.logger.Error().Err(err).Str("action", ev.Action).Msg("audit sink failed")
		if s.metrics != nil {
			s.metrics.AuditFailures.WithLabelValues(ev.Action).Inc()
		}
	}
}

func newToken() (token, hash string, err error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate share token: %w", err)
	}
	token = base64.RawURLEncoding.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// newCaseCode returns a short reference like "CASE-7KQ2M4XD".
func newCaseCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate case code: %w", err)
	}
	return "CASE-" + base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
}
