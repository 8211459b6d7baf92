package report

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Section is a named free-text block as produced by templates and drafting
// tools, e.g. {"name": "FINDINGS", "content": "..."}.
type Section struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ProposedUpdate is a caller's requested change. Nil pointers and nil slices
// mean "not supplied"; a non-nil empty string clears the field.
type ProposedUpdate struct {
	Technique          *string         `json:"technique,omitempty"`
	Findings           *string         `json:"findings,omitempty"`
	Impression         *string         `json:"impression,omitempty"`
	ClinicalHistory    *string         `json:"clinical_history,omitempty"`
	Recommendations    *string         `json:"recommendations,omitempty"`
	StructuredFindings json.RawMessage `json:"structured_findings,omitempty"`
	Measurements       json.RawMessage `json:"measurements,omitempty"`
	KeyImages          []KeyImage      `json:"key_images,omitempty"`
	TemplateID         *string         `json:"template_id,omitempty"`
	Sections           []Section       `json:"sections,omitempty"`
}

// Empty reports whether the update carries nothing to apply.
func (p ProposedUpdate) Empty() bool {
	return p.Technique == nil && p.Findings == nil && p.Impression == nil &&
		p.ClinicalHistory == nil && p.Recommendations == nil &&
		p.StructuredFindings == nil && p.Measurements == nil &&
		p.KeyImages == nil && p.TemplateID == nil && len(p.Sections) == 0
}

// sectionAliases maps normalized section names to narrative fields.
var sectionAliases = map[string]string{
	"technique":            "technique",
	"procedure":            "technique",
	"protocol":             "technique",
	"findings":             "findings",
	"finding":              "findings",
	"impression":           "impression",
	"conclusion":           "impression",
	"clinical_history":     "clinical_history",
	"history":              "clinical_history",
	"clinical_information": "clinical_history",
	"indication":           "clinical_history",
	"recommendations":      "recommendations",
	"recommendation":       "recommendations",
}

func normalizeSectionName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	return strings.TrimSuffix(n, ":")
}

// Merge resolves the next narrative from the persisted one and a proposed
// update. Per field: an explicit field wins, then a named section entry, then
// the persisted value. Blank section entries are template placeholders and
// never overwrite content; when several sections map to one field the last
// non-blank one applies.
func Merge(current Narrative, p ProposedUpdate) Narrative {
	next := current
	next.StructuredFindings = cloneRaw(current.StructuredFindings)
	next.Measurements = cloneRaw(current.Measurements)
	next.KeyImages = append([]KeyImage(nil), current.KeyImages...)

	fromSections := map[string]string{}
	for _, s := range p.Sections {
		field, ok := sectionAliases[normalizeSectionName(s.Name)]
		if !ok || strings.TrimSpace(s.Content) == "" {
			continue
		}
		fromSections[field] = s.Content
	}

	resolve := func(explicit *string, field string, persisted string) string {
		if explicit != nil {
			return *explicit
		}
		if v, ok := fromSections[field]; ok {
			return v
		}
		return persisted
	}

	next.Technique = resolve(p.Technique, "technique", current.Technique)
	next.Findings = resolve(p.Findings, "findings", current.Findings)
	next.Impression = resolve(p.Impression, "impression", current.Impression)
	next.ClinicalHistory = resolve(p.ClinicalHistory, "clinical_history", current.ClinicalHistory)
	next.Recommendations = resolve(p.Recommendations, "recommendations", current.Recommendations)

	if p.StructuredFindings != nil {
		next.StructuredFindings = nullToNil(p.StructuredFindings)
	}
	if p.Measurements != nil {
		next.Measurements = nullToNil(p.Measurements)
	}
	if p.KeyImages != nil {
		next.KeyImages = append([]KeyImage(nil), p.KeyImages...)
	}
	if p.TemplateID != nil {
		next.TemplateID = strings.TrimSpace(*p.TemplateID)
	}
	return next
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return cloneRaw(raw)
}
