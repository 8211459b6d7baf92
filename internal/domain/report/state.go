package report

import (
	"github.com/radreport/radreport/internal/platform/apperr"
)

// transitions lists the statuses reachable from each status. Self-loops are
// edits that keep the status.
var transitions = map[string][]string{
	StatusDraft:             {StatusDraft, StatusPreliminary},
	StatusPreliminary:       {StatusPreliminary, StatusFinal},
	StatusFinal:             {StatusFinalWithAddendum},
	StatusFinalWithAddendum: {StatusFinalWithAddendum},
}

// IsSealed reports whether status forbids direct narrative changes.
func IsSealed(status string) bool {
	return status == StatusFinal || status == StatusFinalWithAddendum
}

// ValidStatus reports whether s is a known report status.
func ValidStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

// ValidateTransition returns INVALID_TRANSITION unless from -> to is allowed.
func ValidateTransition(from, to string) error {
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return apperr.InvalidTransition(from, to)
}

// CheckMutable returns SIGNED_IMMUTABLE when the report's content is sealed.
// It runs before the version guard so a stale caller learns the real reason.
func CheckMutable(status string) error {
	if IsSealed(status) {
		return apperr.SignedImmutable()
	}
	return nil
}

// CheckDeletable allows deleting drafts only.
func CheckDeletable(status string) error {
	switch {
	case status == StatusDraft:
		return nil
	case IsSealed(status):
		return apperr.SignedImmutable()
	default:
		return apperr.InvalidTransition(status, "deleted")
	}
}
