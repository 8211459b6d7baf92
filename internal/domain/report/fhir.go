package report

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/radreport/radreport/internal/platform/fhir"
)

// Renderer turns a report into an export representation. Implementations
// must be pure.
type Renderer interface {
	Render(r *Report) (map[string]interface{}, error)
}

// DiagnosticReportRenderer renders FHIR R4 DiagnosticReport resources.
type DiagnosticReportRenderer struct{}

func (DiagnosticReportRenderer) Render(r *Report) (map[string]interface{}, error) {
	return r.ToFHIR(), nil
}

// fhirStatus maps report status to DiagnosticReport.status.
func fhirStatus(status string) string {
	switch status {
	case StatusDraft:
		return "partial"
	case StatusPreliminary:
		return "preliminary"
	case StatusFinal:
		return "final"
	case StatusFinalWithAddendum:
		return "appended"
	default:
		return "unknown"
	}
}

func (r *Report) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "DiagnosticReport",
		"id":           r.ID.String(),
		"meta": fhir.Meta{
			VersionID:   strconv.Itoa(r.Version),
			LastUpdated: r.UpdatedAt,
		},
		"status": fhirStatus(r.Status),
		"category": []fhir.CodeableConcept{
			fhir.NewCodeableConcept(fhir.SystemDiagnosticServiceSection, "RAD", "Radiology"),
		},
		"code":    fhir.NewCodeableConcept(fhir.SystemLOINC, "18748-4", "Diagnostic imaging study"),
		"subject": fhir.Reference{Reference: "Patient/" + r.PatientID},
		"imagingStudy": []fhir.Reference{
			{Reference: "ImagingStudy/" + r.StudyID},
		},
	}
	if r.AccessionNumber != "" {
		result["identifier"] = []fhir.Identifier{{Value: r.AccessionNumber}}
	}
	if r.Impression != "" {
		result["conclusion"] = r.Impression
	}
	if r.Signature != nil {
		result["issued"] = r.Signature.SignedAt.Format(time.RFC3339)
		result["resultsInterpreter"] = []fhir.Reference{{
			Reference: "Practitioner/" + r.Signature.SignerID,
			Display:   r.Signature.SignerName,
		}}
	} else {
		result["performer"] = []fhir.Reference{{Reference: "Practitioner/" + r.OwnerID}}
	}
	if len(r.KeyImages) > 0 {
		media := make([]map[string]interface{}, 0, len(r.KeyImages))
		for _, k := range r.KeyImages {
			m := map[string]interface{}{
				"link": fhir.Reference{Reference: "Media/" + k.InstanceUID},
			}
			if k.Caption != "" {
				m["comment"] = k.Caption
			}
			media = append(media, m)
		}
		result["media"] = media
	}
	result["presentedForm"] = []map[string]interface{}{{
		"contentType": "text/plain; charset=utf-8",
		"title":       "Radiology report",
		"data":        base64.StdEncoding.EncodeToString([]byte(r.PlainText())),
	}}
	return result
}

// PlainText renders the narrative sections and addenda as plain text.
func (r *Report) PlainText() string {
	var b strings.Builder
	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		b.WriteString(strings.TrimSpace(body))
	}
	section("CLINICAL HISTORY", r.ClinicalHistory)
	section("TECHNIQUE", r.Technique)
	section("FINDINGS", r.Findings)
	section("IMPRESSION", r.Impression)
	section("RECOMMENDATIONS", r.Recommendations)
	for _, a := range r.Addenda {
		section("ADDENDUM "+strconv.Itoa(a.Seq), a.Content)
	}
	return b.String()
}
