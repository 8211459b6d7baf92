package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag and Last-Modified on the response.
func SetVersionHeaders(c echo.Context, versionID int, lastModified time.Time) {
	c.Response().Header().Set("ETag", FormatETag(versionID))
	if !lastModified.IsZero() {
		c.Response().Header().Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
}

// IfMatchVersion returns the version named by If-Match. ok is false when the
// header is absent; a malformed header is a 400.
func IfMatchVersion(c echo.Context) (version int, ok bool, err error) {
	ifMatch := c.Request().Header.Get("If-Match")
	if ifMatch == "" {
		return 0, false, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, false, echo.NewHTTPError(http.StatusBadRequest, "invalid If-Match header: "+err.Error())
	}
	return v, true, nil
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("ETag must contain a positive numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// CheckIfNoneMatch reports whether the client already holds currentVersion,
// in which case a read may answer 304.
func CheckIfNoneMatch(c echo.Context, currentVersion int) bool {
	ifNoneMatch := c.Request().Header.Get("If-None-Match")
	if ifNoneMatch == "" {
		return false
	}
	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return clientVersion == currentVersion
}
