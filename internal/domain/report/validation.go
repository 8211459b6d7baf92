package report

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/radreport/radreport/internal/platform/apperr"
)

var (
	contrastMention = regexp.MustCompile(`(?i)\b(contrast|gadolinium|gadobutrol|iodinated|iohexol|iopamidol)\b`)
	contrastNegated = regexp.MustCompile(`(?i)\b(without|no|non)[\s-]+(iv\s+|intravenous\s+|oral\s+)?contrast\b`)
	contrastBoth    = regexp.MustCompile(`(?i)\bwith\s+and\s+without\b[^.]*\bcontrast\b`)
	contrastFinding = regexp.MustCompile(`(?i)\b(contrast|enhanc\w*|gadolinium|opacif\w*)\b`)
)

// Validation messages, stable for clients that match on them.
const (
	MsgImpressionRequired = "impression is required"
	MsgFindingsRequired   = "findings are required (narrative or structured)"
	MsgTechniqueRequired  = "technique is required"
	MsgHistoryRequired    = "clinical history is required by the attached template"
	MsgContrastMismatch   = "technique mentions contrast but findings do not describe contrast or enhancement"
)

// ValidateForSigning checks every signing rule and returns all failures in
// one VALIDATION_FAILED, or nil.
func ValidateForSigning(n Narrative) error {
	var details []string

	if blank(n.Impression) {
		details = append(details, MsgImpressionRequired)
	}
	if blank(n.Findings) && !hasStructure(n.StructuredFindings) {
		details = append(details, MsgFindingsRequired)
	}
	if blank(n.Technique) {
		details = append(details, MsgTechniqueRequired)
	}
	if n.TemplateID != "" && blank(n.ClinicalHistory) {
		details = append(details, MsgHistoryRequired)
	}
	if contrastUncorroborated(n) {
		details = append(details, MsgContrastMismatch)
	}

	if len(details) > 0 {
		return apperr.Validation(details)
	}
	return nil
}

// contrastUncorroborated flags a technique that says contrast was given when
// neither narrative nor structured findings mention it.
func contrastUncorroborated(n Narrative) bool {
	given := contrastBoth.MatchString(n.Technique) ||
		contrastMention.MatchString(contrastNegated.ReplaceAllString(n.Technique, ""))
	if !given {
		return false
	}
	if blank(n.Findings) && !hasStructure(n.StructuredFindings) {
		// already reported as missing findings
		return false
	}
	return !contrastFinding.MatchString(n.Findings) && !contrastFinding.Match(n.StructuredFindings)
}

// validateAddendum collects addendum input failures.
func validateAddendum(content, reason string) error {
	var details []string
	if blank(content) {
		details = append(details, "addendum content is required")
	}
	if blank(reason) {
		details = append(details, "addendum reason is required")
	}
	if len(details) > 0 {
		return apperr.Validation(details)
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func hasStructure(raw []byte) bool {
	t := bytes.TrimSpace(raw)
	switch string(t) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}
