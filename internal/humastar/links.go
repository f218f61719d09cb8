package humastar

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// Links holds the RFC 8288 link headers generated from the OpenAPI spec,
// keyed by operation path.
type Links struct {
	m    map[string][]string
	skip []string
}

// NewLinks creates an empty link set. Operations tagged with one of skip
// (SSE and session endpoints) are left out when it is built.
func NewLinks(skip ...string) *Links {
	return &Links{m: map[string][]string{}, skip: skip}
}

// Build walks the OpenAPI spec and generates hypermedia links. Call after
// all routes are registered and before serving.
func (l *Links) Build(api huma.API) {
	l.m = map[string][]string{}
	oapi := api.OpenAPI()

	type pathInfo struct {
		path string
		tags []string
	}
	var collections, items []pathInfo

	for p, pi := range oapi.Paths {
		tags := primaryTags(pi)
		if l.skipped(tags) {
			continue
		}
		info := pathInfo{path: p, tags: tags}
		if strings.Contains(p, "{") {
			items = append(items, info)
		} else {
			collections = append(collections, info)
		}
	}
	sort.Slice(collections, func(i, j int) bool { return collections[i].path < collections[j].path })
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })

	// Item to collection and up.
	for _, item := range items {
		parent := path.Dir(item.path)
		if _, ok := oapi.Paths[parent]; ok {
			l.add(item.path, parent, "collection")
			l.add(item.path, parent, "up")
		}
	}

	// Collection to item template.
	for _, coll := range collections {
		for _, item := range items {
			if path.Dir(item.path) == coll.path {
				l.add(coll.path, item.path, "item")
			}
		}
	}

	_, hasSearch := oapi.Paths[SearchPath]
	for _, coll := range collections {
		if coll.path == EntryPath {
			continue
		}
		l.add(coll.path, EntryPath, "up")
		if hasSearch && coll.path != SearchPath {
			l.add(coll.path, SearchPath, "search")
		}
	}

	// Action rels from HTTP methods.
	for _, coll := range collections {
		if oapi.Paths[coll.path].Post != nil {
			l.add(coll.path, coll.path, "create-form")
		}
	}
	for _, item := range items {
		pi := oapi.Paths[item.path]
		if pi.Put != nil || pi.Patch != nil {
			l.add(item.path, item.path, "edit")
			l.add(item.path, item.path, "edit-form")
		}
	}

	// Collections sharing a tag link to each other.
	for i, a := range collections {
		for j, b := range collections {
			if i != j && sharedTag(a.tags, b.tags) != "" {
				l.add(a.path, b.path, lastSegment(b.path))
			}
		}
	}

	// The entry point links to every collection.
	for _, coll := range collections {
		if coll.path != EntryPath {
			l.add(EntryPath, coll.path, lastSegment(coll.path))
		}
	}
	l.add(EntryPath, "/openapi.json", "describedby")
	l.add(EntryPath, "/openapi.json", "service-desc")
	l.add(EntryPath, "/docs", "service-doc")
	if hasSearch {
		l.add(EntryPath, SearchPath, "search")
	}

	for _, all := range [][]pathInfo{collections, items} {
		for _, pi := range all {
			if ref := getResponseSchemaRef(oapi.Paths[pi.path]); ref != "" {
				l.add(pi.path, "/openapi.json#/components/schemas/"+ref, "describedby")
			}
		}
	}

	for p, pi := range oapi.Paths {
		headers, ok := l.m[p]
		if !ok {
			continue
		}
		for _, op := range operationsOf(pi) {
			if op != nil {
				injectResponseLinks(op, headers)
			}
		}
	}
}

const (
	// EntryPath is the API entry point every collection links up to.
	EntryPath = "/health"
	// SearchPath is linked from every collection with rel="search".
	SearchPath = "/api/v1/resolve"
)

// For returns the link headers of an operation path.
func (l *Links) For(opPath string) []string {
	if l == nil {
		return nil
	}
	return l.m[opPath]
}

// Root returns the entry point links, for non-Huma handlers.
func (l *Links) Root() []string {
	return l.For(EntryPath)
}

// Transformer returns a Huma Transformer that adds the generated links,
// a self link on item paths, pagination links from [Pager] bodies and
// action links from [Actor] bodies. l may be nil, or empty before Build ran.
func (l *Links) Transformer() huma.Transformer {
	return func(ctx huma.Context, status string, v any) (any, error) {
		op := ctx.Operation()
		if op == nil {
			return v, nil
		}
		for _, link := range l.For(op.Path) {
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

func (l *Links) skipped(tags []string) bool {
	for _, s := range l.skip {
		if hasTag(tags, s) {
			return true
		}
	}
	return false
}

func (l *Links) add(from, to, rel string) {
	val := fmt.Sprintf(`<%s>; rel="%s"`, to, rel)
	for _, existing := range l.m[from] {
		if existing == val {
			return
		}
	}
	l.m[from] = append(l.m[from], val)
}

// --- helpers ---

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

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func sharedTag(a, b []string) string {
	for _, at := range a {
		for _, bt := range b {
			if at == bt {
				return at
			}
		}
	}
	return ""
}

func lastSegment(p string) string {
	parts := strings.Split(strings.TrimRight(p, "/"), "/")
	return parts[len(parts)-1]
}

// injectResponseLinks adds OpenAPI Link objects to the operation's success response
// so the OpenAPI document itself records the relationships.
func injectResponseLinks(op *huma.Operation, headers []string) {
	if op.Responses == nil {
		return
	}
	// Find the success response (2xx).
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
		rel, href := parseLinkHeader(h)
		if rel == "" {
			continue
		}
		resp.Links[rel] = &huma.Link{
			OperationRef: href,
			Description:  fmt.Sprintf("Related: %s", rel),
		}
	}
}

func getResponseSchemaRef(pi *huma.PathItem) string {
	if pi.Get == nil || pi.Get.Responses == nil {
		return ""
	}
	for code, resp := range pi.Get.Responses {
		if !strings.HasPrefix(code, "2") || resp.Content == nil {
			continue
		}
		for _, mt := range resp.Content {
			if mt.Schema != nil && mt.Schema.Ref != "" {
				// Extract schema name from $ref like "#/components/schemas/Foo"
				parts := strings.Split(mt.Schema.Ref, "/")
				return parts[len(parts)-1]
			}
		}
	}
	return ""
}

func parseLinkHeader(h string) (rel, href string) {
	// Parse `<url>; rel="name"` format.
	parts := strings.SplitN(h, ";", 2)
	if len(parts) < 2 {
		return "", ""
	}
	href = strings.Trim(strings.TrimSpace(parts[0]), "<>")
	relPart := strings.TrimSpace(parts[1])
	if strings.HasPrefix(relPart, `rel="`) {
		rel = strings.Trim(relPart[4:], `"`)
	}
	return rel, href
}
