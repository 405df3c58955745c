package domain

// Document is one product returned by the search platform.
type Document struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	PartNumber     string            `json:"partNumber,omitempty"`
	SKU            string            `json:"sku,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	Category       string            `json:"category,omitempty"`
	Subcategory    string            `json:"subcategory,omitempty"`
	Price          string            `json:"price,omitempty"`
	Description    string            `json:"description,omitempty"`
	Features       []string          `json:"features,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	URL            string            `json:"url,omitempty"`
	ImageURL       string            `json:"imageUrl,omitempty"`
}

// FilterClause restricts one field either to a set of values (OR-ed) or to a
// numeric range. Clauses on different fields are AND-ed.
type FilterClause struct {
	Field  string   `json:"field" validate:"required"`
	Values []string `json:"values,omitempty"`
	Range  *Range   `json:"range,omitempty"`
}

// Range bounds are inclusive; a nil bound is open.
type Range struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

type FacetSpec struct {
	Field string `json:"field" validate:"required"`
	Limit int    `json:"limit,omitempty" validate:"gte=0"`
}

type Pagination struct {
	Offset   int `json:"offset" validate:"gte=0"`
	PageSize int `json:"pageSize" validate:"gte=0,lte=100"`
}

type SearchRequest struct {
	Query      string         `json:"query"`
	Filters    []FilterClause `json:"filters,omitempty" validate:"dive"`
	Pagination Pagination     `json:"pagination"`
	OrderBy    string         `json:"orderBy,omitempty"`
	Facets     []FacetSpec    `json:"facets,omitempty" validate:"dive"`
	UserID     string         `json:"userPseudoId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

type FacetValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type Facet struct {
	Key    string       `json:"key"`
	Values []FacetValue `json:"values"`
}

type SearchResult struct {
	Documents  []Document `json:"documents"`
	TotalCount int        `json:"totalCount"`
	Facets     []Facet    `json:"facets,omitempty"`
	TimingMs   int64      `json:"timingMs"`
}
