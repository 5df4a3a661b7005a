// Package kernel holds small shared types used across modules.
package kernel

// Page describes the window a paginated result covers.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// Paginated is a generic container for one page of results.
type Paginated[T any] struct {
	Items []T  `json:"items"`
	Page  Page `json:"page"`
}

// NewPaginated builds a page of items with its window metadata.
func NewPaginated[T any](items []T, limit, offset, total int) Paginated[T] {
	if items == nil {
		items = []T{}
	}
	return Paginated[T]{
		Items: items,
		Page:  Page{Limit: limit, Offset: offset, Total: total},
	}
}

// HasMore reports whether rows exist past the end of this page.
func (p Paginated[T]) HasMore() bool {
	return p.Page.Offset+len(p.Items) < p.Page.Total
}
