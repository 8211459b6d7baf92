package report

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/platform/apperr"
)

// Critical result communication methods.
var communicationMethods = map[string]bool{
	"phone":          true,
	"in_person":      true,
	"secure_message": true,
	"pager":          true,
	"video":          true,
}

// AppendAddendum adds a signed addendum to a sealed report without a
// password re-check; signing with intent addendum is the password-checked path.
func (s *Service) AppendAddendum(ctx context.Context, actor Actor, id uuid.UUID, token int, content, reason string) (rep *Report, err error) {
	defer func() { s.observe(OpAddendum, err) }()

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.appendAddendum(ctx, actor, cur, addendumInput{token: token, content: content, reason: reason})
}

// addendumInput is an addendum request. A non-nil password marks the signed
// path, which also requires a signature artifact.
type addendumInput struct {
	token          int
	content        string
	reason         string
	password       *string
	signatureText  string
	signatureImage []byte
}

func (s *Service) appendAddendum(ctx context.Context, actor Actor, cur *Report, in addendumInput) (*Report, error) {
	if !cur.Sealed() {
		return nil, apperr.InvalidTransition(cur.Status, StatusFinalWithAddendum)
	}
	if err := CheckVersion(in.token, cur.Version); err != nil {
		return nil, err
	}
	if err := authorizeSigner(actor, cur); err != nil {
		return nil, err
	}
	if in.password != nil {
		if err := requireArtifact(in.signatureText, in.signatureImage); err != nil {
			return nil, err
		}
		if err := s.verifyPassword(ctx, actor, *in.password); err != nil {
			return nil, err
		}
	}
	if err := validateAddendum(in.content, in.reason); err != nil {
		return nil, err
	}

	next := s.nextState(cur, StatusFinalWithAddendum)
	add := Addendum{
		ID:         uuid.New(),
		Seq:        len(cur.Addenda) + 1,
		Content:        strings.TrimSpace(in.content),
		Reason:         strings.TrimSpace(in.reason),
		Meaning:        MeaningAddendum,
		SignerID:       actor.UserID,
		SignerName:     actor.Name,
		SignerRole:     signerRole(actor),
		SignatureText:  in.signatureText,
		SignatureImage: append([]byte(nil), in.signatureImage...),
		SourceIP:       actor.SourceIP,
		UserAgent:      actor.UserAgent,
		SignedAt:       next.UpdatedAt,
	}
	next.Addenda = append(next.Addenda, add)

	c := Commit{Report: next, ExpectedVersion: cur.Version, Addendum: &add}
	if err := s.commit(ctx, actor, OpAddendum, EventAddended, cur, &c, "addendum appended: "+add.Reason); err != nil {
		return nil, err
	}
	return next, nil
}

// CommunicationInput is a critical result notification to record.
type CommunicationInput struct {
	Token     int
	Recipient string
	Method    string
	Notes     string
}

// RecordCriticalCommunication logs a critical result notification. It is
// allowed in every status and leaves status and content untouched.
func (s *Service) RecordCriticalCommunication(ctx context.Context, actor Actor, id uuid.UUID, in CommunicationInput) (rep *Report, err error) {
	defer func() { s.observe(OpCommunicate, err) }()

	var details []string
	if blank(in.Recipient) {
		details = append(details, "recipient is required")
	}
	if !communicationMethods[in.Method] {
		details = append(details, "method must be one of [phone in_person secure_message pager video]")
	}
	if len(details) > 0 {
		return nil, apperr.Validation(details)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckVersion(in.Token, cur.Version); err != nil {
		return nil, err
	}

	next := s.nextState(cur, cur.Status)
	cc := CriticalCommunication{
		ID:             uuid.New(),
		Recipient:      strings.TrimSpace(in.Recipient),
		Method:         in.Method,
		Notes:          in.Notes,
		CommunicatedBy: actor.UserID,
		CommunicatedAt: next.UpdatedAt,
	}
	next.CriticalCommunications = append(next.CriticalCommunications, cc)

	c := Commit{Report: next, ExpectedVersion: cur.Version, Communication: &cc}
	if err := s.commit(ctx, actor, OpCommunicate, EventCommunicated, cur, &c, "critical result communicated to "+cc.Recipient); err != nil {
		return nil, err
	}
	return next, nil
}
