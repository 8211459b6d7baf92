package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/platform/apperr"
	"github.com/radreport/radreport/internal/platform/auth"
	"github.com/radreport/radreport/internal/platform/hipaa"
)

// mockRepo is an in-memory Repository with the same conditional-write
// semantics as the Postgres one.
type mockRepo struct {
	mu        sync.Mutex
	reports   map[uuid.UUID]*Report
	snapshots map[uuid.UUID]*SignedSnapshot
	commitErr error
	commits   int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		reports:   make(map[uuid.UUID]*Report),
		snapshots: make(map[uuid.UUID]*SignedSnapshot),
	}
}

func (m *mockRepo) Create(_ context.Context, r *Report, rev Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.reports {
		if existing.Status == StatusDraft && existing.OwnerID == r.OwnerID && existing.StudyID == r.StudyID {
			return ErrOpenDraftExists
		}
	}
	stored := r.Clone()
	stored.Revisions = []Revision{rev}
	m.reports[r.ID] = stored
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, apperr.NotFound("report")
	}
	return r.Clone(), nil
}

func (m *mockRepo) FindOpenDraft(_ context.Context, ownerID, studyID string) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.Status == StatusDraft && r.OwnerID == ownerID && r.StudyID == studyID {
			return r.Clone(), nil
		}
	}
	return nil, apperr.NotFound("draft")
}

func (m *mockRepo) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	stored, ok := m.reports[c.Report.ID]
	if !ok {
		return apperr.NotFound("report")
	}
	if stored.Version != c.ExpectedVersion {
		return apperr.VersionConflict(stored.Version)
	}
	if c.Report.Version != c.ExpectedVersion+1 {
		return fmt.Errorf("commit must bump version by one: %d -> %d", c.ExpectedVersion, c.Report.Version)
	}
	if c.Signature != nil && stored.Signature != nil {
		return errors.New("duplicate signature")
	}
	next := c.Report.Clone()
	next.Revisions = append(append([]Revision(nil), stored.Revisions...), c.Revision)
	m.reports[next.ID] = next
	if c.Snapshot != nil {
		snap := *c.Snapshot
		snap.Report = c.Snapshot.Report.Clone()
		m.snapshots[next.ID] = &snap
	}
	m.commits++
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id uuid.UUID, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return apperr.NotFound("report")
	}
	if r.Version != expectedVersion {
		return apperr.VersionConflict(r.Version)
	}
	if err := CheckDeletable(r.Status); err != nil {
		return err
	}
	delete(m.reports, id)
	return nil
}

func (m *mockRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Report, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Report
	for _, r := range m.reports {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.StudyID != "" && r.StudyID != f.StudyID {
			continue
		}
		if f.OwnerID != "" && r.OwnerID != f.OwnerID {
			continue
		}
		all = append(all, r.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StudyID < all[j].StudyID })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) ListRevisions(_ context.Context, id uuid.UUID) ([]Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, apperr.NotFound("report")
	}
	return append([]Revision(nil), r.Revisions...), nil
}

func (m *mockRepo) GetSignedSnapshot(_ context.Context, id uuid.UUID) (*SignedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, apperr.NotFound("signed snapshot")
	}
	cp := *s
	cp.Report = s.Report.Clone()
	return &cp, nil
}

// stored returns the persisted copy, bypassing Clone on read.
func (m *mockRepo) stored(id uuid.UUID) *Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[id]
}

type mockTemplates struct {
	versions map[string]int
}

func (m *mockTemplates) CurrentVersion(_ context.Context, id string) (int, error) {
	v, ok := m.versions[id]
	if !ok {
		return 0, apperr.NotFound("template " + id)
	}
	return v, nil
}

type mockPasswords struct {
	passwords map[string]string
	calls     int
	mu        sync.Mutex
}

func (m *mockPasswords) VerifyPassword(_ context.Context, userID, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if want, ok := m.passwords[userID]; ok && want == password {
		return nil
	}
	return auth.ErrInvalidPassword
}

type mockPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *mockPublisher) Publish(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *mockPublisher) all() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

type mockAudit struct {
	mu     sync.Mutex
	events []*hipaa.AuditEvent
	err    error
}

func (m *mockAudit) LogEvent(_ context.Context, ev *hipaa.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, ev)
	return nil
}
