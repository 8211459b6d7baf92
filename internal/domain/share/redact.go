package share

import (
	"bytes"
	"encoding/json"

	"github.com/radreport/radreport/internal/domain/report"
	"github.com/radreport/radreport/internal/platform/hipaa"
)

// identifierValues collects the report's values for every direct identifier
// field, plus signer names for the radiologist identity.
func identifierValues(rep *report.Report) []string {
	var vals []string
	for _, field := range hipaa.DirectIdentifierFields() {
		switch field {
		case "patient_name":
			vals = append(vals, rep.PatientName)
		case "patient_id":
			vals = append(vals, rep.PatientID)
		case "accession_number":
			vals = append(vals, rep.AccessionNumber)
		case "owner_id":
			vals = append(vals, rep.OwnerID)
		case "ai_job_id":
			vals = append(vals, rep.AIJobID)
		case "radiologist_name":
			if rep.Signature != nil {
				vals = append(vals, rep.Signature.SignerName, rep.Signature.SignerID)
			}
			for _, a := range rep.Addenda {
				vals = append(vals, a.SignerName, a.SignerID)
			}
		}
	}
	return vals
}

// Redact builds the shareable payload for rep. Identifier fields are left
// out and identifier text inside narrative, addenda and caller annotations is
// replaced with hipaa.Redacted.
func Redact(rep *report.Report, caseCode string, legends []Legend, note string) Payload {
	s := hipaa.NewScrubber(identifierValues(rep)...)

	p := Payload{
		CaseCode:           caseCode,
		Status:             rep.Status,
		Technique:          s.Scrub(rep.Technique),
		Findings:           s.Scrub(rep.Findings),
		Impression:         s.Scrub(rep.Impression),
		ClinicalHistory:    s.Scrub(rep.ClinicalHistory),
		Recommendations:    s.Scrub(rep.Recommendations),
		StructuredFindings: scrubJSON(s, rep.StructuredFindings),
		Measurements:       scrubJSON(s, rep.Measurements),
		Note:               s.Scrub(note),
	}
	for _, k := range rep.KeyImages {
		k.Caption = s.Scrub(k.Caption)
		p.KeyImages = append(p.KeyImages, k)
	}
	for _, l := range legends {
		l.Text = s.Scrub(l.Text)
		p.Legends = append(p.Legends, l)
	}
	for _, a := range rep.Addenda {
		p.Addenda = append(p.Addenda, SharedAddendum{
			Seq:      a.Seq,
			Content:  s.Scrub(a.Content),
			Reason:   s.Scrub(a.Reason),
			SignedAt: a.SignedAt,
		})
	}
	if rep.Signature != nil {
		at := rep.Signature.SignedAt
		p.SignedAt = &at
	}
	return p
}

// scrubJSON scrubs every string value in raw, keys included. Invalid JSON is
// dropped.
func scrubJSON(s *hipaa.Scrubber, raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	out, err := json.Marshal(scrubValue(s, v))
	if err != nil {
		return nil
	}
	return out
}

func scrubValue(s *hipaa.Scrubber, v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return s.Scrub(t)
	case []interface{}:
		for i := range t {
			t[i] = scrubValue(s, t[i])
		}
		return t
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[s.Scrub(k)] = scrubValue(s, val)
		}
		return out
	default:
		return v
	}
}
