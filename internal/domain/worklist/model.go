// Package worklist keeps the scheduling view of each study in step with the
// report lifecycle. It consumes committed report events and never feeds back
// into a report mutation.
package worklist

import (
	"time"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/domain/report"
)

// Worklist statuses.
const (
	StatusScheduled  = "scheduled"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Item is one row of the worklist projection, keyed by study.
type Item struct {
	StudyID       string     `json:"study_id"`
	Status        string     `json:"status"`
	ReportID      *uuid.UUID `json:"report_id,omitempty"`
	ReportStatus  string     `json:"report_status,omitempty"`
	ReportVersion int        `json:"report_version"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StatusFor maps a report status to the worklist status.
func StatusFor(reportStatus string) string {
	switch reportStatus {
	case report.StatusDraft:
		return StatusInProgress
	case report.StatusPreliminary, report.StatusFinal, report.StatusFinalWithAddendum:
		return StatusCompleted
	default:
		return StatusScheduled
	}
}

// ItemFromEvent projects a committed report event. A deleted draft puts the
// study back to scheduled with no report attached.
func ItemFromEvent(ev report.Event) Item {
	at := ev.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if ev.Deleted {
		return Item{
			StudyID:       ev.StudyID,
			Status:        StatusScheduled,
			ReportVersion: ev.Version,
			UpdatedAt:     at,
		}
	}
	id := ev.ReportID
	return Item{
		StudyID:       ev.StudyID,
		Status:        StatusFor(ev.Status),
		ReportID:      &id,
		ReportStatus:  ev.Status,
		ReportVersion: ev.Version,
		UpdatedAt:     at,
	}
}
