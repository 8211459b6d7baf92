// Package pagination parses limit/offset query parameters and wraps list
// responses.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a validated page request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit= and ?offset=. Missing or non-positive limits fall
// back to DefaultLimit, larger ones are capped at MaxLimit, and a negative
// offset becomes 0.
func FromContext(c echo.Context) Params {
	return Parse(c.QueryParam("limit"), c.QueryParam("offset"))
}

// Parse is FromContext for raw query values.
func Parse(limitParam, offsetParam string) Params {
	limit, err := strconv.Atoi(limitParam)
	switch {
	case err != nil || limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	offset, err := strconv.Atoi(offsetParam)
	if err != nil || offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// Next returns the offset of the following page, or nil on the last page.
func (p Params) Next(total int) *int {
	if p.Offset+p.Limit >= total {
		return nil
	}
	next := p.Offset + p.Limit
	return &next
}

// Response is the envelope every list endpoint returns.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	NextOffset *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	return &Response{
		Data:       data,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
		NextOffset: p.Next(total),
	}
}
