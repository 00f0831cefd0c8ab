// Package pagination reads page/limit/sort query parameters for ledger
// listings and turns them into store.ListOptions.
package pagination

import (
	"net/url"
	"strconv"

	"github.io/infrasutra/listingrelay/internal/store"
)

const (
	MaxLimit     int32 = 100
	DefaultPage  int32 = 1
	DefaultLimit int32 = 20
	SortNewest         = "newest"
	SortOldest         = "oldest"
)

// Params is a validated page request. Page is 1-based.
type Params struct {
	Page   int32
	Limit  int32
	Offset int32
	Sort   string
}

// Meta describes a served page in API responses.
type Meta struct {
	Page    int32 `json:"page"`
	Limit   int32 `json:"limit"`
	Total   int32 `json:"total"`
	HasNext bool  `json:"hasNext"`
}

type Option func(*Params)

func WithDefaultLimit(limit int32) Option {
	return func(p *Params) {
		if limit > 0 && limit <= MaxLimit {
			p.Limit = limit
		}
	}
}

func WithDefaultSort(sort string) Option {
	return func(p *Params) {
		if s, ok := normalizeSort(sort); ok {
			p.Sort = s
		}
	}
}

// normalizeSort maps the accepted spellings onto newest/oldest.
func normalizeSort(sort string) (string, bool) {
	switch sort {
	case "newest", "desc":
		return SortNewest, true
	case "oldest", "asc":
		return SortOldest, true
	default:
		return "", false
	}
}

// FromQuery parses page, limit and sort. Invalid values fall back to the
// defaults and limit is capped at MaxLimit.
func FromQuery(q url.Values, opts ...Option) Params {
	params := Params{Page: DefaultPage, Limit: DefaultLimit, Sort: SortNewest}
	for _, opt := range opts {
		opt(&params)
	}

	if v, err := strconv.ParseInt(q.Get("page"), 10, 32); err == nil && v > 0 {
		params.Page = int32(v)
	}
	if v, err := strconv.ParseInt(q.Get("limit"), 10, 32); err == nil && v > 0 {
		params.Limit = int32(v)
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if s, ok := normalizeSort(q.Get("sort")); ok {
		params.Sort = s
	}
	params.Offset = (params.Page - 1) * params.Limit
	return params
}

func (p Params) ListOptions() store.ListOptions {
	return store.ListOptions{Offset: p.Offset, Limit: p.Limit, Sort: p.Sort}
}

// Meta reports the page position given the total number of rows.
func (p Params) Meta(total int32) Meta {
	return Meta{Page: p.Page, Limit: p.Limit, Total: total, HasNext: p.Offset+p.Limit < total}
}
