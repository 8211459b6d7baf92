// Package share hands out time-boxed, PHI-redacted copies of a report to
// anyone holding a random token.
package share

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/radreport/radreport/internal/domain/report"
)

// Record is one row of report_share. Only the SHA-256 of the token is kept.
type Record struct {
	ID               uuid.UUID
	TokenHash        string
	ReportID         uuid.UUID
	CaseCode         string
	Payload          []byte
	PayloadEncrypted bool
	CreatedBy        string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	AccessCount      int
	LastAccessedAt   *time.Time
}

// Legend annotates a shared key image.
type Legend struct {
	InstanceUID string `json:"instance_uid" validate:"required,max=128"`
	Text        string `json:"text" validate:"required,max=1000"`
}

// SharedAddendum is an addendum without its signer.
type SharedAddendum struct {
	Seq      int       `json:"seq"`
	Content  string    `json:"content"`
	Reason   string    `json:"reason"`
	SignedAt time.Time `json:"signed_at"`
}

// Payload is what a token holder sees. It carries clinical content and a
// case code, never patient, radiologist or processing identifiers.
type Payload struct {
	CaseCode           string            `json:"case_code"`
	Status             string            `json:"status"`
	Technique          string            `json:"technique,omitempty"`
	Findings           string            `json:"findings,omitempty"`
	Impression         string            `json:"impression,omitempty"`
	ClinicalHistory    string            `json:"clinical_history,omitempty"`
	Recommendations    string            `json:"recommendations,omitempty"`
	StructuredFindings json.RawMessage   `json:"structured_findings,omitempty"`
	Measurements       json.RawMessage   `json:"measurements,omitempty"`
	KeyImages          []report.KeyImage `json:"key_images,omitempty"`
	Legends            []Legend          `json:"legends,omitempty"`
	Note               string            `json:"note,omitempty"`
	Addenda            []SharedAddendum  `json:"addenda,omitempty"`
	SignedAt           *time.Time        `json:"signed_at,omitempty"`
	ExpiresAt          time.Time         `json:"expires_at"`
	AccessCount        int               `json:"access_count"`
}

// Created is returned to the sharer. Token is shown exactly once.
type Created struct {
	ID        uuid.UUID `json:"id"`
	Token     string    `json:"token"`
	CaseCode  string    `json:"case_code"`
	ExpiresAt time.Time `json:"expires_at"`
}
