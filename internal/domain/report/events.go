package report

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/platform/hipaa"
)

// Event types emitted after a mutation commits.
const (
	EventCreated      = "report.created"
	EventUpdated      = "report.updated"
	EventFinalized    = "report.finalized"
	EventSigned       = "report.signed"
	EventAddended     = "report.addended"
	EventCommunicated = "report.critical_communicated"
	EventDeleted      = "report.deleted"
)

// Event describes a committed report mutation. Deleted is set when the draft
// no longer exists. TenantID names the schema the report lives in.
type Event struct {
	Type       string    `json:"type"`
	TenantID   string    `json:"tenant_id,omitempty"`
	ReportID   uuid.UUID `json:"report_id"`
	StudyID    string    `json:"study_id"`
	Status     string    `json:"status"`
	Version    int       `json:"version"`
	Deleted    bool      `json:"deleted,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher receives committed-mutation events. Publish must not block
// the caller for long and cannot fail the mutation.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event)
}

// AuditSink records audit events. hipaa.AuditLogger implements it.
type AuditSink interface {
	LogEvent(ctx context.Context, event *hipaa.AuditEvent) error
}
