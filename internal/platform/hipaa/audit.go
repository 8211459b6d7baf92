package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/platform/db"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one append-only row of audit_event: who did what to which
// resource, and whether it worked.
type AuditEvent struct {
	ID         uuid.UUID `json:"id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	SourceIP   string    `json:"source_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Recorded   time.Time `json:"recorded"`
}

// AuditLogger writes audit events to the audit_event table.
type AuditLogger struct {
	pool db.Querier
}

func NewAuditLogger(pool db.Querier) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// LogEvent appends event. It uses the tenant-scoped connection from ctx when
// present so the row lands in the caller's tenant schema.
func (a *AuditLogger) LogEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeSuccess
	}

	_, err := db.Conn(ctx, a.pool).Exec(ctx, `
		INSERT INTO audit_event (
			id, actor_id, action, resource, resource_id, outcome,
			detail, source_ip, user_agent, request_id, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.ID, event.ActorID, event.Action, event.Resource, event.ResourceID, event.Outcome,
		event.Detail, event.SourceIP, event.UserAgent, event.RequestID, event.Recorded,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}

// NewReadEvent creates an AuditEvent for a read of resource/id by actor.
func NewReadEvent(actorID, resource, resourceID string) *AuditEvent {
	return &AuditEvent{
		ActorID:    actorID,
		Action:     "read",
		Resource:   resource,
		ResourceID: resourceID,
		Outcome:    OutcomeSuccess,
		Recorded:   time.Now().UTC(),
	}
}
