package report

import (
	"github.com/radreport/radreport/internal/platform/apperr"
)

// NoToken is the version token of a caller that did not send one.
const NoToken = 0

// CheckVersion compares the caller's token with the stored version. A caller
// without a token passes here; the conditional update still guards the
// version that was read.
func CheckVersion(token, current int) error {
	if token == NoToken || token == current {
		return nil
	}
	return apperr.VersionConflict(current)
}
