package report

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Report statuses.
const (
	StatusDraft             = "draft"
	StatusPreliminary       = "preliminary"
	StatusFinal             = "final"
	StatusFinalWithAddendum = "final_with_addendum"
)

// Signature meanings. MeaningAddendum is only carried by addenda.
const (
	MeaningAuthor   = "author"
	MeaningReviewer = "reviewer"
	MeaningApprover = "approver"
	MeaningAddendum = "addendum"
)

// KeyImage points at a DICOM instance the radiologist flagged.
type KeyImage struct {
	StudyUID    string `json:"study_uid,omitempty"`
	SeriesUID   string `json:"series_uid,omitempty"`
	InstanceUID string `json:"instance_uid"`
	Frame       int    `json:"frame,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Narrative is the clinically meaningful content of a report: exactly the
// fields the content hash covers.
type Narrative struct {
	Technique          string          `json:"technique"`
	Findings           string          `json:"findings"`
	Impression         string          `json:"impression"`
	ClinicalHistory    string          `json:"clinical_history"`
	Recommendations    string          `json:"recommendations"`
	StructuredFindings json.RawMessage `json:"structured_findings,omitempty"`
	Measurements       json.RawMessage `json:"measurements,omitempty"`
	KeyImages          []KeyImage      `json:"key_images"`
	TemplateID         string          `json:"template_id,omitempty"`
}

// Report maps to the report table plus its child ledgers.
type Report struct {
	ID              uuid.UUID `json:"id"`
	StudyID         string    `json:"study_id"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name,omitempty"`
	OwnerID         string    `json:"owner_id"`
	AIJobID         string    `json:"ai_job_id,omitempty"`
	Status          string    `json:"status"`
	Version         int       `json:"version"`
	Narrative
	TemplateVersion int       `json:"template_version,omitempty"`
	ContentHash     string    `json:"content_hash"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	Signature              *Signature              `json:"signature,omitempty"`
	Addenda                []Addendum              `json:"addenda"`
	CriticalCommunications []CriticalCommunication `json:"critical_communications"`
	Revisions              []Revision              `json:"revisions,omitempty"`
}

// Sealed reports whether the narrative can no longer be edited.
func (r *Report) Sealed() bool { return IsSealed(r.Status) }

// Clone returns a deep copy so callers can derive the next state without
// touching what was read.
func (r *Report) Clone() *Report {
	c := *r
	c.StructuredFindings = cloneRaw(r.StructuredFindings)
	c.Measurements = cloneRaw(r.Measurements)
	c.KeyImages = append([]KeyImage(nil), r.KeyImages...)
	if r.Signature != nil {
		sig := *r.Signature
		sig.SignatureImage = append([]byte(nil), r.Signature.SignatureImage...)
		c.Signature = &sig
	}
	c.Addenda = append([]Addendum(nil), r.Addenda...)
	for i := range c.Addenda {
		c.Addenda[i].SignatureImage = append([]byte(nil), r.Addenda[i].SignatureImage...)
	}
	c.CriticalCommunications = append([]CriticalCommunication(nil), r.CriticalCommunications...)
	c.Revisions = append([]Revision(nil), r.Revisions...)
	return &c
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

// Signature is the single top-level signature block. ContentHash is the
// digest computed at signing and is never recomputed.
type Signature struct {
	SignerID       string    `json:"signer_id"`
	SignerName     string    `json:"signer_name,omitempty"`
	SignerRole     string    `json:"signer_role"`
	Meaning        string    `json:"meaning"`
	Reason         string    `json:"reason,omitempty"`
	SignatureText  string    `json:"signature_text,omitempty"`
	SignatureImage []byte    `json:"signature_image,omitempty"`
	ContentHash    string    `json:"content_hash"`
	SourceIP       string    `json:"source_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	SignedAt       time.Time `json:"signed_at"`
}

// Addendum is an append-only signed correction to a sealed report.
type Addendum struct {
	ID             uuid.UUID `json:"id"`
	Seq            int       `json:"seq"`
	Content        string    `json:"content"`
	Reason         string    `json:"reason"`
	Meaning        string    `json:"meaning"`
	SignerID       string    `json:"signer_id"`
	SignerName     string    `json:"signer_name,omitempty"`
	SignerRole     string    `json:"signer_role,omitempty"`
	SignatureText  string    `json:"signature_text,omitempty"`
	SignatureImage []byte    `json:"signature_image,omitempty"`
	SourceIP       string    `json:"source_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	SignedAt       time.Time `json:"signed_at"`
}

// Revision is one entry of the append-only change ledger.
type Revision struct {
	ID          uuid.UUID `json:"id"`
	Version     int       `json:"version"`
	EditorID    string    `json:"editor_id"`
	Description string    `json:"description"`
	PriorStatus string    `json:"prior_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CriticalCommunication records that a critical result reached a clinician.
type CriticalCommunication struct {
	ID             uuid.UUID `json:"id"`
	Recipient      string    `json:"recipient"`
	Method         string    `json:"method"`
	Notes          string    `json:"notes,omitempty"`
	CommunicatedBy string    `json:"communicated_by"`
	CommunicatedAt time.Time `json:"communicated_at"`
}

// SignedSnapshot is the denormalized copy of a report as it was signed.
type SignedSnapshot struct {
	ReportID    uuid.UUID `json:"report_id"`
	Version     int       `json:"version"`
	ContentHash string    `json:"content_hash"`
	Report      *Report   `json:"report"`
	CreatedAt   time.Time `json:"created_at"`
}

// Actor is the authenticated caller plus the request metadata recorded on
// signatures and audit events.
type Actor struct {
	UserID    string
	Name      string
	Roles     []string
	SourceIP  string
	UserAgent string
	RequestID string
}

// Filter narrows report listings.
type Filter struct {
	Status  string
	StudyID string
	OwnerID string
}

// Verification is the result of re-hashing a report against its signature.
type Verification struct {
	ReportID         uuid.UUID `json:"report_id"`
	Status           string    `json:"status"`
	Version          int       `json:"version"`
	Signed           bool      `json:"signed"`
	StoredHash       string    `json:"stored_hash"`
	CurrentHash      string    `json:"current_hash"`
	SignatureHash    string    `json:"signature_hash,omitempty"`
	SnapshotHash     string    `json:"snapshot_hash,omitempty"`
	Intact           bool      `json:"intact"`
	MatchesSignature bool      `json:"matches_signature"`
}
