// pagination.go: HATEOAS pagination via RFC 8288 Link headers.
//
// Response bodies implement the Pager interface to emit next/prev/first/last
// Link headers. LinkTransformer reads these and sets the headers.
package humastar

import (
	"fmt"
	"net/url"
)

// Pager is implemented by response bodies that carry pagination metadata.
type Pager interface {
	PaginationLinks(basePath string) []string
}

// PageBody is a generic paginated response envelope.
// Any handler returning PageBody[T] gets pagination Link headers. Params are
// carried into every page link, so a search keeps its query while paging.
type PageBody[T any] struct {
	Total  int        `json:"total" doc:"Total number of items"`
	Offset int        `json:"offset" doc:"Current offset"`
	Limit  int        `json:"limit" doc:"Page size"`
	Data   []T        `json:"data" doc:"Items"`
	Params url.Values `json:"-"`
}

func (p PageBody[T]) pageURL(basePath string, offset int) string {
	q := url.Values{}
	for k, v := range p.Params {
		q[k] = v
	}
	q.Set("offset", fmt.Sprint(offset))
	q.Set("limit", fmt.Sprint(p.Limit))
	return basePath + "?" + q.Encode()
}

// PaginationLinks returns RFC 8288 Link header values for pagination rels.
func (p PageBody[T]) PaginationLinks(basePath string) []string {
	if p.Limit <= 0 {
		return nil
	}
	var links []string

	links = append(links, fmt.Sprintf(`<%s>; rel="first"`, p.pageURL(basePath, 0)))

	if p.Offset > 0 {
		prev := max(p.Offset-p.Limit, 0)
		links = append(links, fmt.Sprintf(`<%s>; rel="prev"`, p.pageURL(basePath, prev)))
	}

	if p.Offset+p.Limit < p.Total {
		links = append(links, fmt.Sprintf(`<%s>; rel="next"`, p.pageURL(basePath, p.Offset+p.Limit)))
	}

	lastOffset := max(((p.Total-1)/p.Limit)*p.Limit, 0)
	links = append(links, fmt.Sprintf(`<%s>; rel="last"`, p.pageURL(basePath, lastOffset)))

	return links
}
