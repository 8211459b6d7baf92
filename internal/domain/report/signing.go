package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
)

// Signing intents. An initial signature seals a preliminary report; an
// addendum signature appends to a sealed one and never replaces the
// top-level signature.
const (
	IntentInitial  = "initial"
	IntentAddendum = "addendum"
)

// SignInput carries everything a signer submits.
type SignInput struct {
	Token           int
	Intent          string
	Meaning         string
	Password        string
	Reason          string
	SignatureText   string
	SignatureImage  []byte
	AddendumContent string
}

// Sign seals the report (intent initial) or appends a signed addendum (intent
// addendum). Pre-conditions are checked in order and the first failure wins:
// authorization, signature artifact, password, then content validation with
// every failure collected.
func (s *Service) Sign(ctx context.Context, actor Actor, id uuid.UUID, in SignInput) (rep *Report, err error) {
	op := OpSign
	if in.Intent == IntentAddendum {
		op = OpAddendum
	}
	defer func() { s.observe(op, err) }()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch in.Intent {
	case "", IntentInitial:
	case IntentAddendum:
		return s.appendAddendum(ctx, actor, cur, addendumInput{
			token:          in.Token,
			content:        in.AddendumContent,
			reason:         in.Reason,
			password:       &in.Password,
			signatureText:  in.SignatureText,
			signatureImage: in.SignatureImage,
		})
	default:
		return nil, apperr.Validation([]string{fmt.Sprintf("intent must be one of [%s %s]", IntentInitial, IntentAddendum)})
	}

	meaning := in.Meaning
	if meaning == "" {
		meaning = MeaningAuthor
	}
	if meaning != MeaningAuthor && meaning != MeaningReviewer && meaning != MeaningApprover {
		return nil, apperr.Validation([]string{"meaning must be one of [author reviewer approver]"})
	}

	// A signer holding a stale token lost to whoever moved the report on,
	// including a concurrent signer that already sealed it.
	if err := CheckVersion(in.Token, cur.Version); err != nil {
		return nil, err
	}
	if err := CheckMutable(cur.Status); err != nil {
		return nil, err
	}
	if err := ValidateTransition(cur.Status, StatusFinal); err != nil {
		return nil, err
	}

	if err := authorizeSigner(actor, cur); err != nil {
		return nil, err
	}
	if err := requireArtifact(in.SignatureText, in.SignatureImage); err != nil {
		return nil, err
	}
	if err := s.verifyPassword(ctx, actor, in.Password); err != nil {
		return nil, err
	}
	if err := ValidateForSigning(cur.Narrative); err != nil {
		return nil, err
	}

	next := s.nextState(cur, StatusFinal)
	if err := s.lockTemplateVersion(ctx, next); err != nil {
		return nil, err
	}

	hash, err := ContentHash(next.Narrative)
	if err != nil {
		return nil, apperr.Validation([]string{err.Error()})
	}
	next.ContentHash = hash
	next.Signature = &Signature{
		SignerID:       actor.UserID,
		SignerName:     actor.Name,
		SignerRole:     signerRole(actor),
		Meaning:        meaning,
		Reason:         strings.TrimSpace(in.Reason),
		SignatureText:  in.SignatureText,
		SignatureImage: append([]byte(nil), in.SignatureImage...),
		ContentHash:    hash,
		SourceIP:       actor.SourceIP,
		UserAgent:      actor.UserAgent,
		SignedAt:       next.UpdatedAt,
	}

	c := Commit{
		Report:          next,
		ExpectedVersion: cur.Version,
		Signature:       next.Signature,
	}
	snapshot := next.Clone()
	snapshot.Revisions = nil
	c.Snapshot = &SignedSnapshot{
		ReportID:    next.ID,
		Version:     next.Version,
		ContentHash: hash,
		Report:      snapshot,
		CreatedAt:   next.UpdatedAt,
	}

	desc := fmt.Sprintf("signed as %s", meaning)
	if err := s.commit(ctx, actor, OpSign, EventSigned, cur, &c, desc); err != nil {
		return nil, err
	}
	return next, nil
}

func requireArtifact(text string, image []byte) error {
	if blank(text) && len(image) == 0 {
		return apperr.New(apperr.KindSignatureRequired, "a signature text or image is required")
	}
	return nil
}

// authorizeSigner allows the owning radiologist or an elevated role.
func authorizeSigner(actor Actor, rep *Report) error {
	if actor.UserID != "" && actor.UserID == rep.OwnerID {
		return nil
	}
	if hasRole(actor, auth.RoleAdmin, auth.RoleAttending) {
		return nil
	}
	return apperr.Forbidden("only the report owner or an attending may sign this report")
}

func (s *Service) verifyPassword(ctx context.Context, actor Actor, password string) error {
	invalid := apperr.New(apperr.KindInvalidPassword, "password re-verification failed")
	if password == "" {
		return invalid
	}
	if s.passwords == nil {
		return fmt.Errorf("verify password: no credential store configured")
	}
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	err := s.passwords.VerifyPassword(cctx, actor.UserID, password)
	if errors.Is(err, auth.ErrInvalidPassword) {
		return invalid
	}
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	return nil
}

// lockTemplateVersion records the template's current version the first time
// a report with a template is signed.
func (s *Service) lockTemplateVersion(ctx context.Context, rep *Report) error {
	if rep.TemplateID == "" || rep.TemplateVersion != 0 {
		return nil
	}
	if s.templates == nil {
		return fmt.Errorf("lock template version: no template registry configured")
	}
	cctx, cancel := s.dbContext(ctx)
	defer cancel()
	v, err := s.templates.CurrentVersion(cctx, rep.TemplateID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return apperr.Validation([]string{"template " + rep.TemplateID + " is not registered"})
	}
	if err != nil {
		return fmt.Errorf("lock template version: %w", err)
	}
	rep.TemplateVersion = v
	return nil
}
