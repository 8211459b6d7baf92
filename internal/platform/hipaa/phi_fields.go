package hipaa

import (
	"regexp"
	"sort"
	"strings"
)

// Redacted replaces identifier text removed from shared content.
const Redacted = "[REDACTED]"

// DirectIdentifierFields lists the report fields that identify the patient,
// the reading radiologist or internal processing and must never leave the
// system in a shared payload.
func DirectIdentifierFields() []string {
	return []string{
		"patient_name",
		"patient_id",
		"accession_number",
		"owner_id",
		"radiologist_name",
		"ai_job_id",
	}
}

// Identifier-shaped tokens that may be typed into free text regardless of
// which patient the report is about.
var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:MRN|accession|acc)\s*[:#]?\s*[A-Z-]*\d[A-Z0-9-]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), // SSN
	regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}\b`),
	regexp.MustCompile(`\(?\b\d{3}\)?[-. ]\d{3}[-. ]\d{4}\b`), // phone
}

// Scrubber removes known identifier values and identifier-shaped tokens from
// free text.
type Scrubber struct {
	values []string
}

// NewScrubber returns a Scrubber for the given identifier values. Values
// shorter than two characters are ignored; for person names each name part
// is also scrubbed on its own.
func NewScrubber(values ...string) *Scrubber {
	seen := make(map[string]bool)
	var out []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if len(v) < 2 || seen[strings.ToLower(v)] {
			return
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}
	for _, v := range values {
		add(v)
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == ',' || r == '^' }) {
			if len(part) >= 3 {
				add(part)
			}
		}
	}
	// longest first so "Jane Doe" wins over "Jane"
	sort.Slice(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return &Scrubber{values: out}
}

// Scrub returns text with every identifier replaced by Redacted. Matching on
// values is case-insensitive and limited to whole words.
func (s *Scrubber) Scrub(text string) string {
	if text == "" {
		return text
	}
	for _, v := range s.values {
		re := regexp.MustCompile(`(?i)(^|\W)` + regexp.QuoteMeta(v) + `($|\W)`)
		text = re.ReplaceAllString(text, "${1}"+Redacted+"${2}")
	}
	for _, re := range identifierPatterns {
		text = re.ReplaceAllString(text, Redacted)
	}
	return text
}
