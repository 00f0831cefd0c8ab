package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHTTPMiddlewareLabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/api/accounts/{id}/stats", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/accounts/{id}/stats", "418"))
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/accounts/"+id+"/stats", nil))
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/accounts/{id}/stats", "418"))
	assert.Equal(t, 2.0, after-before)

	healthBefore := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "200"))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/health", "200"))-healthBefore)
}

func TestPostingCounters(t *testing.T) {
	ok := testutil.ToFloat64(postings.WithLabelValues("published"))
	IncPosting(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(postings.WithLabelValues("published"))-ok)
}
