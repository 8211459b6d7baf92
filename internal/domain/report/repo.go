package report

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrOpenDraftExists is returned by Create when the owner already has an open
// draft for the study.
var ErrOpenDraftExists = errors.New("open draft already exists for owner and study")

// Commit is one accepted mutation. Report holds the full next state with
// Version = ExpectedVersion + 1. Everything in a Commit lands atomically or
// not at all.
type Commit struct {
	Report          *Report
	ExpectedVersion int
	Revision        Revision

	Signature     *Signature
	Addendum      *Addendum
	Communication *CriticalCommunication
	Snapshot      *SignedSnapshot
}

type Repository interface {
	// Create inserts a new draft at version 1 with its creation revision.
	Create(ctx context.Context, r *Report, rev Revision) error
	// GetByID loads the aggregate or returns NOT_FOUND.
	GetByID(ctx context.Context, id uuid.UUID) (*Report, error)
	// FindOpenDraft returns the owner's draft for the study or NOT_FOUND.
	FindOpenDraft(ctx context.Context, ownerID, studyID string) (*Report, error)
	// Commit applies c if the stored version still equals c.ExpectedVersion,
	// else returns VERSION_CONFLICT with the stored version.
	Commit(ctx context.Context, c Commit) error
	// Delete removes a draft still at expectedVersion.
	Delete(ctx context.Context, id uuid.UUID, expectedVersion int) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Report, int, error)
	ListRevisions(ctx context.Context, id uuid.UUID) ([]Revision, error)
	GetSignedSnapshot(ctx context.Context, id uuid.UUID) (*SignedSnapshot, error)
}

// TemplateRegistry supplies the current version of a report template.
type TemplateRegistry interface {
	CurrentVersion(ctx context.Context, templateID string) (int, error)
}
