package humastar

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// SearchPath is the collection advertised with rel="search".
const SearchPath = "/api/v1/mainstems"

// EntryPath is the API entry point; "/" reuses its links.
const EntryPath = "/health"

// Media types of file-like representations, keyed by path extension.
var representationTypes = map[string]string{
	".csv":     "text/csv",
	".geojson": "application/geo+json",
	".json":    "application/json",
}

// Operations carrying one of these tags are not hypermedia resources.
var unlinkedTags = []string{"viewer", "tiles"}

// linkSet holds RFC 8288 link header values keyed by operation path.
type linkSet map[string][]string

func (s linkSet) add(from, to, rel string, attrs ...string) {
	val := fmt.Sprintf(`<%s>; rel="%s"`, to, rel)
	for i := 0; i+1 < len(attrs); i += 2 {
		val += fmt.Sprintf(`; %s="%s"`, attrs[i], attrs[i+1])
	}
	if !slices.Contains(s[from], val) {
		s[from] = append(s[from], val)
	}
}

var linkMap linkSet

// resource classifies one linkable path of the API.
type resource struct {
	path      string
	item      *huma.PathItem
	templated bool
	// mediaType is set for representations such as "/x/datasets.csv".
	mediaType string
}

// AutoLinks derives the link graph of the API from its OpenAPI document:
// collections and their item templates, exports and other representations,
// POST actions under a collection, search and the entry point. Call after
// all routes are registered.
func AutoLinks(api huma.API) {
	oapi := api.OpenAPI()
	links := linkSet{}

	var resources []resource
	for p, pi := range oapi.Paths {
		if slices.ContainsFunc(primaryTags(pi), func(t string) bool { return slices.Contains(unlinkedTags, t) }) {
			continue
		}
		r := resource{path: p, item: pi, templated: strings.Contains(p, "{")}
		if ext := path.Ext(p); ext != "" {
			r.mediaType = representationTypes[ext]
			if r.mediaType == "" {
				r.mediaType = "application/octet-stream"
			}
		}
		resources = append(resources, r)
	}
	slices.SortFunc(resources, func(a, b resource) int { return strings.Compare(a.path, b.path) })

	registered := func(p string) bool { _, ok := oapi.Paths[p]; return ok }
	search := ""
	if pi, ok := oapi.Paths[SearchPath]; ok {
		search = SearchPath + queryTemplate(pi.Get)
	}

	for _, r := range resources {
		parent := path.Dir(r.path)
		switch {
		case r.mediaType != "":
			// Representations hang off the resource they render, or off the
			// entry point when they stand alone.
			from := parent
			if !registered(parent) {
				from = EntryPath
			}
			rel := "export"
			if from == EntryPath {
				rel = strings.TrimSuffix(lastSegment(r.path), path.Ext(r.path))
			}
			links.add(from, r.path+queryTemplate(r.item.Get), rel, "type", r.mediaType)

		case r.templated:
			if registered(parent) {
				links.add(r.path, parent, "collection")
				links.add(parent, r.path, "item")
			}

		case r.item.Get == nil && r.item.Post != nil:
			// A POST-only path under a collection is an action on it.
			if registered(parent) {
				links.add(parent, r.path, lastSegment(r.path), "method", "POST")
			}

		default:
			if r.path == EntryPath {
				continue
			}
			links.add(EntryPath, r.path, lastSegment(r.path))
			links.add(r.path, EntryPath, "up")
			if search != "" && r.path != SearchPath {
				links.add(r.path, search, "search")
			}
		}
	}

	links.add(EntryPath, "/openapi.json", "service-desc")
	links.add(EntryPath, "/docs", "service-doc")
	if search != "" {
		links.add(EntryPath, search, "search")
	}

	for _, r := range resources {
		if ref := responseSchema(r.item); ref != "" {
			links.add(r.path, "/openapi.json#/components/schemas/"+ref, "describedby")
		}
	}

	for p, headers := range links {
		pi, ok := oapi.Paths[p]
		if !ok {
			continue
		}
		for _, op := range operationsOf(pi) {
			if op != nil {
				documentLinks(op, headers)
			}
		}
	}
	linkMap = links
}

// LinkTransformer returns a Huma Transformer that writes the derived links,
// a self link for item paths, pagination links and state-dependent actions.
func LinkTransformer() huma.Transformer {
	return func(ctx huma.Context, status string, v any) (any, error) {
		op := ctx.Operation()
		if op == nil {
			return v, nil
		}
		for _, link := range linkMap[op.Path] {
			ctx.AppendHeader("Link", link)
		}
		if strings.Contains(op.Path, "{") {
			ctx.AppendHeader("Link", fmt.Sprintf(`<%s>; rel="self"`, ctx.URL().Path))
		}
		if p, ok := v.(Pager); ok {
			for _, link := range p.PaginationLinks(ctx.URL().Path) {
				ctx.AppendHeader("Link", link)
			}
		}
		if a, ok := v.(Actor); ok {
			for _, action := range a.Actions() {
				ctx.AppendHeader("Link", action.LinkHeader())
			}
		}
		return v, nil
	}
}

// RootLinks returns the entry point links for handlers outside Huma.
func RootLinks() []string {
	return linkMap[EntryPath]
}

// queryTemplate renders an RFC 6570 form-style query template from the
// operation's query parameters, or "" when it has none.
func queryTemplate(op *huma.Operation) string {
	if op == nil {
		return ""
	}
	var names []string
	for _, p := range op.Parameters {
		if p != nil && p.In == "query" {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "{?" + strings.Join(names, ",") + "}"
}

func primaryTags(pi *huma.PathItem) []string {
	for _, op := range operationsOf(pi) {
		if op != nil && len(op.Tags) > 0 {
			return op.Tags
		}
	}
	return nil
}

func operationsOf(pi *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{pi.Get, pi.Post, pi.Put, pi.Patch, pi.Delete}
}

func lastSegment(p string) string {
	return path.Base(strings.TrimRight(p, "/"))
}

// documentLinks records the links as OpenAPI Link objects on the
// operation's first success response.
func documentLinks(op *huma.Operation, headers []string) {
	var resp *huma.Response
	for code, r := range op.Responses {
		if strings.HasPrefix(code, "2") {
			resp = r
			break
		}
	}
	if resp == nil {
		return
	}
	if resp.Links == nil {
		resp.Links = map[string]*huma.Link{}
	}
	for _, h := range headers {
		href, rel := parseLink(h)
		if rel == "" {
			continue
		}
		resp.Links[rel] = &huma.Link{OperationRef: href, Description: "Related: " + rel}
	}
}

func responseSchema(pi *huma.PathItem) string {
	if pi.Get == nil {
		return ""
	}
	for code, resp := range pi.Get.Responses {
		if !strings.HasPrefix(code, "2") {
			continue
		}
		for _, mt := range resp.Content {
			if mt.Schema != nil && mt.Schema.Ref != "" {
				return path.Base(mt.Schema.Ref)
			}
		}
	}
	return ""
}

// parseLink splits `<href>; rel="x"; k="v"` into href and rel.
func parseLink(h string) (href, rel string) {
	parts := strings.Split(h, ";")
	href = strings.Trim(strings.TrimSpace(parts[0]), "<>")
	for _, p := range parts[1:] {
		if v, ok := strings.CutPrefix(strings.TrimSpace(p), "rel="); ok {
			rel = strings.Trim(v, `"`)
		}
	}
	return href, rel
}
