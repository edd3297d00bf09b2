// Package pagination reads FHIR search paging parameters and builds the
// matching Bundle navigation links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Params is one page of a search: _count entries starting at _offset.
type Params struct {
	Count  int
	Offset int
}

// FromContext reads _count and _offset. Missing or invalid values fall back
// to the defaults; _count is capped at MaxCount.
func FromContext(c echo.Context) Params {
	count, err := strconv.Atoi(c.QueryParam("_count"))
	if err != nil || count <= 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}
	offset, err := strconv.Atoi(c.QueryParam("_offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return Params{Count: count, Offset: offset}
}

// Window returns the [start, end) slice bounds of this page over total
// items.
func (p Params) Window(total int) (int, int) {
	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Count
	if end > total {
		end = total
	}
	return start, end
}

// Link is one Bundle.link entry.
type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Links builds self, next and previous links for basePath. filters are the
// search parameters of the request and are carried onto every link;
// _count and _offset in filters are replaced.
func (p Params) Links(basePath string, filters url.Values, total int) []Link {
	links := []Link{{Relation: "self", URL: p.pageURL(basePath, filters, p.Offset)}}
	if p.Offset+p.Count < total {
		links = append(links, Link{Relation: "next", URL: p.pageURL(basePath, filters, p.Offset+p.Count)})
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Count
		if prev < 0 {
			prev = 0
		}
		links = append(links, Link{Relation: "previous", URL: p.pageURL(basePath, filters, prev)})
	}
	return links
}

func (p Params) pageURL(basePath string, filters url.Values, offset int) string {
	q := url.Values{}
	for k, v := range filters {
		if k == "_count" || k == "_offset" {
			continue
		}
		q[k] = v
	}
	q.Set("_count", strconv.Itoa(p.Count))
	q.Set("_offset", strconv.Itoa(offset))
	return basePath + "?" + q.Encode()
}
