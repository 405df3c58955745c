package platform

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"catalog-assist/internal/domain"
)

const defaultPageSize = 20

type facetKey struct {
	Key string `json:"key"`
}

type facetSpec struct {
	FacetKey facetKey `json:"facetKey"`
	Limit    int      `json:"limit,omitempty"`
}

type searchRequest struct {
	Query        string      `json:"query"`
	Offset       int         `json:"offset"`
	PageSize     int         `json:"pageSize"`
	UserPseudoID string      `json:"userPseudoId,omitempty"`
	Session      string      `json:"session,omitempty"`
	OrderBy      string      `json:"orderBy,omitempty"`
	Filter       string      `json:"filter,omitempty"`
	FacetSpecs   []facetSpec `json:"facetSpecs,omitempty"`
}

// Search runs a catalog search. TimingMs covers the round trip only.
func (c *Client) Search(ctx context.Context, in domain.SearchRequest) (domain.SearchResult, error) {
	body := searchRequest{
		Query:        in.Query,
		Offset:       in.Pagination.Offset,
		PageSize:     in.Pagination.PageSize,
		UserPseudoID: in.UserID,
		Session:      in.SessionID,
		OrderBy:      in.OrderBy,
		Filter:       BuildFilter(in.Filters),
	}
	if body.PageSize == 0 {
		body.PageSize = defaultPageSize
	}
	for _, f := range in.Facets {
		body.FacetSpecs = append(body.FacetSpecs, facetSpec{FacetKey: facetKey{Key: f.Field}, Limit: f.Limit})
	}

	req, err := c.newJSONRequest(ctx, http.MethodPost, c.baseURL+"/search", body)
	if err != nil {
		return domain.SearchResult{}, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	raw, err := c.doJSON(req)
	if err != nil {
		return domain.SearchResult{}, err
	}
	result := ParseSearchResult(raw)
	result.TimingMs = time.Since(start).Milliseconds()
	return result, nil
}

// ParseSearchResult reads documents, total count and facets out of a search
// response. Documents may carry their fields under structData,
// derivedStructData or directly on the document.
func ParseSearchResult(raw []byte) domain.SearchResult {
	root := gjson.ParseBytes(raw)
	result := domain.SearchResult{Documents: []domain.Document{}, Facets: []domain.Facet{}}

	root.Get("results").ForEach(func(_, item gjson.Result) bool {
		result.Documents = append(result.Documents, parseDocument(item.Get("document"), item.Get("id").String()))
		return true
	})

	total := root.Get("totalSize")
	if !total.Exists() {
		total = root.Get("totalCount")
	}
	if total.Exists() {
		result.TotalCount = int(total.Int())
	} else {
		result.TotalCount = len(result.Documents)
	}

	root.Get("facets").ForEach(func(_, f gjson.Result) bool {
		facet := domain.Facet{Key: f.Get("key").String()}
		f.Get("values").ForEach(func(_, v gjson.Result) bool {
			facet.Values = append(facet.Values, domain.FacetValue{
				Value: v.Get("value").String(),
				Count: int(v.Get("count").Int()),
			})
			return true
		})
		result.Facets = append(result.Facets, facet)
		return true
	})
	return result
}

func parseDocument(doc gjson.Result, fallbackID string) domain.Document {
	fields := doc
	for _, p := range []string{"structData", "derivedStructData"} {
		if v := doc.Get(p); v.IsObject() {
			fields = v
			break
		}
	}
	str := func(keys ...string) string {
		for _, k := range keys {
			if v := fields.Get(k); v.Exists() && v.String() != "" {
				return v.String()
			}
		}
		return ""
	}

	d := domain.Document{
		ID:          doc.Get("id").String(),
		Title:       str("title", "name"),
		PartNumber:  str("part_number", "partNumber"),
		SKU:         str("sku"),
		Brand:       str("brand"),
		Category:    str("category"),
		Subcategory: str("subcategory"),
		Price:       str("price"),
		Description: str("description"),
		URL:         str("url", "link"),
		ImageURL:    str("image_url", "imageUrl"),
	}
	if d.ID == "" {
		d.ID = fallbackID
	}
	fields.Get("features").ForEach(func(_, v gjson.Result) bool {
		d.Features = append(d.Features, v.String())
		return true
	})
	if specs := fields.Get("specifications"); specs.IsObject() {
		d.Specifications = make(map[string]string)
		specs.ForEach(func(k, v gjson.Result) bool {
			d.Specifications[k.String()] = v.String()
			return true
		})
	}
	return d
}

// BuildFilter renders filter clauses in the platform's filter syntax. Values
// of one field are OR-ed inside parentheses and fields are AND-ed:
//
//	(brand:"Bendix" OR brand:"Meritor") AND price:[10,250]
func BuildFilter(clauses []domain.FilterClause) string {
	var fields []string
	terms := make(map[string][]string)
	for _, cl := range clauses {
		field := strings.TrimSpace(cl.Field)
		if field == "" {
			continue
		}
		var add []string
		for _, v := range cl.Values {
			add = append(add, field+":"+quote(v))
		}
		if cl.Range != nil && (cl.Range.Min != nil || cl.Range.Max != nil) {
			add = append(add, field+":["+bound(cl.Range.Min)+","+bound(cl.Range.Max)+"]")
		}
		if len(add) == 0 {
			continue
		}
		// clauses repeating a field widen it rather than narrowing it
		if _, seen := terms[field]; !seen {
			fields = append(fields, field)
		}
		terms[field] = append(terms[field], add...)
	}

	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		if t := terms[field]; len(t) == 1 {
			parts = append(parts, t[0])
		} else {
			parts = append(parts, "("+strings.Join(t, " OR ")+")")
		}
	}
	return strings.Join(parts, " AND ")
}

func quote(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}

func bound(v *float64) string {
	if v == nil {
		return "*"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
