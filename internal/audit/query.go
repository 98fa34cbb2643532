package audit

import (
	"math"
	"sort"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Filter narrows a query. Zero fields match everything; set fields combine with AND.
// From and To are inclusive.
type Filter struct {
	Module      string
	Action      string
	EntityType  string
	EntityID    string
	OperationID string
	ActorID     *int64
	From        *time.Time
	To          *time.Time
}

// Page is one slice of a query result. Page numbers start at 0.
type Page struct {
	Items         []Entry `json:"content"`
	Page          int     `json:"page"`
	Size          int     `json:"size"`
	TotalElements int     `json:"totalElements"`
	TotalPages    int     `json:"totalPages"`
}

// Match reports whether e satisfies every set field of f.
func (f Filter) Match(e Entry) bool {
	if f.Module != "" && e.Module != f.Module {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.OperationID != "" && e.OperationID != f.OperationID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// NormalizePage clamps page and size to their valid ranges.
func NormalizePage(page, size int) (int, int) {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	// page*size must stay representable; such a page is empty anyway
	if maxPage := math.MaxInt/size - 1; page > maxPage {
		page = maxPage
	}
	return page, size
}

// Paginate filters entries, orders them newest first (ties by ID descending) and cuts one page.
// The input slice is not modified.
func Paginate(entries []Entry, f Filter, page, size int) Page {
	page, size = NormalizePage(page, size)
	matched := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		}
		return matched[i].ID > matched[j].ID
	})

	out := Page{Page: page, Size: size, TotalElements: len(matched), Items: []Entry{}}
	out.TotalPages = (len(matched) + size - 1) / size
	start := page * size
	if start >= len(matched) {
		return out
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	out.Items = append(out.Items, matched[start:end]...)
	return out
}
