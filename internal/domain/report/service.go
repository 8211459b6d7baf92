package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/db"
	"github.com/radreport/radreport/internal/platform/hipaa"
	"github.com/radreport/radreport/internal/platform/telemetry"
)

// Operation names used for revisions, metrics and audit actions.
const (
	OpCreate      = "create"
	OpUpdate      = "update"
	OpFinalize    = "finalize"
	OpSign        = "sign"
	OpAddendum    = "addendum"
	OpCommunicate = "critical_communication"
	OpDelete      = "delete"
)

const defaultTimeout = 5 * time.Second

// Service is the report lifecycle engine.
type Service struct {
	repo      Repository
	templates TemplateRegistry
	passwords auth.PasswordVerifier
	logger    zerolog.Logger

	events  EventPublisher
	audit   AuditSink
	metrics *telemetry.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewService(repo Repository, templates TemplateRegistry, passwords auth.PasswordVerifier, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		templates: templates,
		passwords: passwords,
		logger:    logger.With().Str("component", "report").Logger(),
		timeout:   defaultTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetEventPublisher attaches the post-commit event consumer.
func (s *Service) SetEventPublisher(p EventPublisher) { s.events = p }

// SetAuditSink attaches the audit trail.
func (s *Service) SetAuditSink(a AuditSink) { s.audit = a }

// SetMetrics attaches Prometheus collectors.
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// SetTimeout bounds each persistence call.
func (s *Service) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// CreateInput is a create-or-update of the caller's open draft for a study.
type CreateInput struct {
	StudyID         string
	AccessionNumber string
	PatientID       string
	PatientName     string
	AIJobID         string
	Token           int
	Update          ProposedUpdate
}

// Create saves the caller's draft for the study. An existing open draft for
// the same owner and study is updated instead; created reports which happened.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (rep *Report, created bool, err error) {
	defer func() { s.observe(OpCreate, err) }()

	if blank(in.StudyID) || blank(in.PatientID) {
		var details []string
		if blank(in.StudyID) {
			details = append(details, "study_id is required")
		}
		if blank(in.PatientID) {
			details = append(details, "patient_id is required")
		}
		return nil, false, apperr.Validation(details)
	}

	existing, err := s.findOpenDraft(ctx, actor.UserID, in.StudyID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		rep, err = s.update(ctx, actor, existing, in.Token, in.Update)
		return rep, false, err
	}

	now := s.now()
	rep = &Report{
		ID:              uuid.New(),
		StudyID:         in.StudyID,
		AccessionNumber: in.AccessionNumber,
		PatientID:       in.PatientID,
		PatientName:     in.PatientName,
		OwnerID:         actor.UserID,
		AIJobID:         in.AIJobID,
		Status:          StatusDraft,
		Version:         1,
		Narrative:       Merge(Narrative{}, in.Update),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rep.ContentHash, err = ContentHash(rep.Narrative); err != nil {
		return nil, false, apperr.Validation([]string{err.Error()})
	}
	rev := newRevision(1, actor, "report created", "", now)
	rep.Revisions = []Revision{rev}
	rep.Addenda = []Addendum{}
	rep.CriticalCommunications = []CriticalCommunication{}

	cctx, cancel := s.dbContext(ctx)
	err = s.repo.Create(cctx, rep, rev)
	cancel()
	if errors.Is(err, ErrOpenDraftExists) {
		// lost a race with a concurrent first save; apply to the winner's draft
		existing, ferr := s.findOpenDraft(ctx, actor.UserID, in.StudyID)
		if ferr != nil {
			return nil, false, ferr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("create report: %w", err)
		}
		rep, err = s.update(ctx, actor, existing, in.Token, in.Update)
		return rep, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create report: %w", err)
	}

	s.afterCommit(ctx, actor, OpCreate, EventCreated, rep, "")
	return rep, true, nil
}

func (s *Service) findOpenDraft(ctx context.Context, ownerID, studyID string) (*Report, error) {
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	rep, err := s.repo.FindOpenDraft(cctx, ownerID, studyID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open draft: %w", err)
	}
	return rep, nil
}

// Get returns the report aggregate.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Report, error) {
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	return s.repo.GetByID(cctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Report, int, error) {
	if f.Status != "" && !ValidStatus(f.Status) {
		return nil, 0, apperr.Validation([]string{"unknown status " + f.Status})
	}
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	return s.repo.List(cctx, f, limit, offset)
}

func (s *Service) Revisions(ctx context.Context, id uuid.UUID) ([]Revision, error) {
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	if _, err := s.repo.GetByID(cctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListRevisions(cctx, id)
}

// Update applies a narrative change to a draft or preliminary report.
func (s *Service) Update(ctx context.Context, actor Actor, id uuid.UUID, token int, p ProposedUpdate) (rep *Report, err error) {
	defer func() { s.observe(OpUpdate, err) }()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, actor, cur, token, p)
}

func (s *Service) update(ctx context.Context, actor Actor, cur *Report, token int, p ProposedUpdate) (*Report, error) {
	if err := CheckMutable(cur.Status); err != nil {
		return nil, err
	}
	if err := CheckVersion(token, cur.Version); err != nil {
		return nil, err
	}
	if err := ValidateTransition(cur.Status, cur.Status); err != nil {
		return nil, err
	}

	next := s.nextState(cur, cur.Status)
	next.Narrative = Merge(cur.Narrative, p)
	var err error
	if next.ContentHash, err = ContentHash(next.Narrative); err != nil {
		return nil, apperr.Validation([]string{err.Error()})
	}

	desc := "content updated"
	if p.Empty() {
		desc = "saved without changes"
	}
	c := Commit{Report: next, ExpectedVersion: cur.Version}
	if err := s.commit(ctx, actor, OpUpdate, EventUpdated, cur, &c, desc); err != nil {
		return nil, err
	}
	return next, nil
}

// Finalize moves a draft (or re-finalizes a preliminary) to preliminary.
func (s *Service) Finalize(ctx context.Context, actor Actor, id uuid.UUID, token int) (rep *Report, err error) {
	defer func() { s.observe(OpFinalize, err) }()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckMutable(cur.Status); err != nil {
		return nil, err
	}
	if err := CheckVersion(token, cur.Version); err != nil {
		return nil, err
	}
	if err := ValidateTransition(cur.Status, StatusPreliminary); err != nil {
		return nil, err
	}

	next := s.nextState(cur, StatusPreliminary)
	c := Commit{Report: next, ExpectedVersion: cur.Version}
	if err := s.commit(ctx, actor, OpFinalize, EventFinalized, cur, &c, "finalized as preliminary"); err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes a draft. Only the owner or an admin may delete.
func (s *Service) Delete(ctx context.Context, actor Actor, id uuid.UUID, token int) (err error) {
	defer func() { s.observe(OpDelete, err) }()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := CheckDeletable(cur.Status); err != nil {
		return err
	}
	if err := CheckVersion(token, cur.Version); err != nil {
		return err
	}
	if actor.UserID != cur.OwnerID && !hasRole(actor, auth.RoleAdmin) {
		return apperr.Forbidden("only the report owner may delete a draft")
	}

	cctx, cancel := s.dbContext(ctx)
	err = s.repo.Delete(cctx, id, cur.Version)
	cancel()
	if err != nil {
		return s.wrapCommitErr(OpDelete, err)
	}

	deleted := cur.Clone()
	s.afterCommit(ctx, actor, OpDelete, EventDeleted, deleted, "draft deleted")
	return nil
}

// Verify recomputes the content hash and compares it with the stored hash,
// the signature's hash and the signed snapshot.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*Verification, error) {
	rep, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	current, err := ContentHash(rep.Narrative)
	if err != nil {
		return nil, fmt.Errorf("hash report: %w", err)
	}
	v := &Verification{
		ReportID:    rep.ID,
		Status:      rep.Status,
		Version:     rep.Version,
		StoredHash:  rep.ContentHash,
		CurrentHash: current,
	}
	if rep.Signature == nil {
		v.Intact = current == rep.ContentHash
		return v, nil
	}

	v.Signed = true
	v.SignatureHash = rep.Signature.ContentHash
	v.Intact = current == rep.Signature.ContentHash && current == rep.ContentHash

	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	snap, err := s.repo.GetSignedSnapshot(cctx, id)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}
	if snap != nil && snap.Report != nil {
		if v.SnapshotHash, err = ContentHash(snap.Report.Narrative); err != nil {
			return nil, fmt.Errorf("hash snapshot: %w", err)
		}
		v.MatchesSignature = v.SnapshotHash == rep.Signature.ContentHash
	}
	return v, nil
}

// nextState clones cur, bumps the version and stamps the new status.
func (s *Service) nextState(cur *Report, status string) *Report {
	next := cur.Clone()
	next.Status = status
	next.Version = cur.Version + 1
	next.UpdatedAt = s.now()
	return next
}

// commit fills in the revision, persists c and runs the post-commit hooks.
func (s *Service) commit(ctx context.Context, actor Actor, op, eventType string, cur *Report, c *Commit, desc string) error {
	c.Revision = newRevision(c.Report.Version, actor, desc, cur.Status, c.Report.UpdatedAt)
	c.Report.Revisions = append(c.Report.Revisions, c.Revision)

	cctx, cancel := s.dbContext(ctx)
	err := s.repo.Commit(cctx, *c)
	cancel()
	if err != nil {
		return s.wrapCommitErr(op, err)
	}

	s.logger.Info().
		Str("report_id", c.Report.ID.String()).
		Str("study_id", c.Report.StudyID).
		Str("operation", op).
		Int("version", c.Report.Version).
		Str("status", c.Report.Status).
		Msg("report mutation committed")

	s.afterCommit(ctx, actor, op, eventType, c.Report, desc)
	return nil
}

func (s *Service) wrapCommitErr(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s report: %w", op, err)
}

// afterCommit emits the worklist event and the audit record. Neither can
// fail the mutation.
func (s *Service) afterCommit(ctx context.Context, actor Actor, op, eventType string, rep *Report, detail string) {
	if s.events != nil {
		s.events.Publish(ctx, Event{
			Type:       eventType,
			TenantID:   db.TenantFromContext(ctx),
			ReportID:   rep.ID,
			StudyID:    rep.StudyID,
			Status:     rep.Status,
			Version:    rep.Version,
			Deleted:    eventType == EventDeleted,
			OccurredAt: s.now(),
		})
	}
	s.recordAudit(ctx, actor, op, rep.ID, hipaa.OutcomeSuccess, detail)
}

func (s *Service) recordAudit(ctx context.Context, actor Actor, action string, id uuid.UUID, outcome, detail string) {
	if s.audit == nil {
		return
	}
	ev := &hipaa.AuditEvent{
		ActorID:    actor.UserID,
		Action:     action,
		Resource:   "report",
		ResourceID: id.String(),
		Outcome:    outcome,
		Detail:     detail,
		SourceIP:   actor.SourceIP,
		UserAgent:  actor.UserAgent,
		RequestID:  actor.RequestID,
		Recorded:   s.now(),
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.audit.LogEvent(actx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("report_id", id.String()).
			Str("action", action).
			Msg("audit sink failed")
		if s.metrics != nil {
			s.metrics.AuditFailures.WithLabelValues(action).Inc()
		}
	}
}

// observe counts the mutation outcome.
func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := telemetry.OutcomeSuccess
	switch kind := apperr.KindOf(err); {
	case err == nil:
	case kind == apperr.KindInternal:
		outcome = telemetry.OutcomeError
	default:
		outcome = telemetry.OutcomeRejected
		if kind == apperr.KindVersionConflict {
			s.metrics.VersionConflicts.WithLabelValues(op).Inc()
		}
	}
	s.metrics.ReportMutations.WithLabelValues(op, outcome).Inc()
}

func (s *Service) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func newRevision(version int, actor Actor, desc, prior string, at time.Time) Revision {
	return Revision{
		ID:          uuid.New(),
		Version:     version,
		EditorID:    actor.UserID,
		Description: desc,
		PriorStatus: prior,
		CreatedAt:   at,
	}
}

func hasRole(actor Actor, roles ...string) bool {
	for _, have := range actor.Roles {
		for _, want := range roles {
			if strings.EqualFold(have, want) {
				return true
			}
		}
	}
	return false
}

// signerRole picks the most senior clinical role the actor holds.
func signerRole(actor Actor) string {
	for _, r := range []string{auth.RoleAttending, auth.RoleRadiologist, auth.RoleResident, auth.RoleAdmin} {
		if hasRole(actor, r) {
			return r
		}
	}
	if len(actor.Roles) > 0 {
		return actor.Roles[0]
	}
	return "unknown"
}
