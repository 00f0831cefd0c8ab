package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.io/infrasutra/listingrelay/internal/store"
)

func TestFromQueryDefaults(t *testing.T) {
	p := FromQuery(url.Values{})
	assert.Equal(t, Params{Page: 1, Limit: DefaultLimit, Offset: 0, Sort: SortNewest}, p)
}

func TestFromQueryParsesAndCaps(t *testing.T) {
	p := FromQuery(url.Values{"page": {"3"}, "limit": {"500"}, "sort": {"asc"}})
	assert.Equal(t, int32(3), p.Page)
	assert.Equal(t, MaxLimit, p.Limit)
	assert.Equal(t, int32(200), p.Offset)
	assert.Equal(t, store.ListOptions{Offset: 200, Limit: MaxLimit, Sort: SortOldest}, p.ListOptions())
}

func TestFromQueryIgnoresInvalid(t *testing.T) {
	p := FromQuery(url.Values{"page": {"-1"}, "limit": {"abc"}, "sort": {"random"}},
		WithDefaultLimit(5), WithDefaultSort("oldest"))
	assert.Equal(t, Params{Page: 1, Limit: 5, Offset: 0, Sort: SortOldest}, p)
}

func TestMetaHasNext(t *testing.T) {
	p := FromQuery(url.Values{"page": {"2"}, "limit": {"10"}})
	assert.True(t, p.Meta(21).HasNext)
	assert.False(t, p.Meta(20).HasNext)
	assert.Equal(t, Meta{Page: 2, Limit: 10, Total: 5}, p.Meta(5))
}
