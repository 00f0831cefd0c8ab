package resolver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/listingrelay/internal/listing"
)

const embeddedPage = `<html><head>
<script id="__NEXT_DATA__" type="application/json">
{"props":{"pageProps":{"ad":{
  "title":"Sedan X",
  "price":{"grossAmount":9000,"currency":"EUR"},
  "mileageInKm":120000,
  "firstRegistration":"03/2015",
  "fuel":"Diesel",
  "attributes":[{"label":"Getriebe","value":"Automatik"},{"label":"Leistung","value":"110 kW (150 PS)"}],
  "images":[{"uri":"/img/1.jpg"}]
}}}}
</script></head><body><div id="app"></div></body></html>`

const statePage = `<html><head><script>
window.__INITIAL_STATE__ = {"search":{},"vehicle":{"title":"Wagon Z","price":"14.990 €","images":["/img/missing.jpg","/img/1.jpg"]}};
</script></head><body></body></html>`

const markupPage = `<html><body>
<h1>Coupe Y</h1>
<div data-testid="prime-price">12.500 €</div>
<div data-testid="vdp-tech-data"><dl>
  <dt>Kilometerstand</dt><dd>88.000 km</dd>
  <dt>Erstzulassung</dt><dd>07/2018</dd>
  <dt>Kraftstoffart</dt><dd>Benzin</dd>
</dl></div>
<div data-testid="description">Erste Hand.<br>Scheckheft gepflegt.</div>
<div data-testid="image-gallery"><img src="/img/1.jpg"><img src="/img/2.jpg"></div>
</body></html>`

const renderedPage = `<html><body><h1>Hatch R</h1><span itemprop="price" content="7300">7.300 €</span></body></html>`

type countingRenderer struct {
	calls atomic.Int32
	html  string
	err   error
}

func (r *countingRenderer) Render(context.Context, string) (string, error) {
	r.calls.Add(1)
	return r.html, r.err
}

func testSite() listing.Site {
	return listing.Site{
		Name:          "test",
		Domain:        "127.0.0.1",
		ListingPaths:  []*regexp.Regexp{regexp.MustCompile(`^/listing/\d+$`)},
		RedirectPaths: []*regexp.Regexp{regexp.MustCompile(`^/listing/redirect-to-listing/`)},
		Canonical:     regexp.MustCompile(`^/listing/\d+$`),
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/listing/redirect-to-listing/1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/listing/1", http.StatusFound)
	})
	mux.HandleFunc("/listing/redirect-to-listing/about", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/about", http.StatusFound)
	})
	mux.HandleFunc("/listing/1", page(embeddedPage))
	mux.HandleFunc("/listing/2", page(markupPage))
	mux.HandleFunc("/listing/3", page(`<html><body><div id="app"></div></body></html>`))
	mux.HandleFunc("/listing/4", page(`<html><head><title>Only a title</title></head><body></body></html>`))
	mux.HandleFunc("/listing/5", page(`<html><body><p>nothing to see</p></body></html>`))
	mux.HandleFunc("/listing/6", page(statePage))
	mux.HandleFunc("/listing/429", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/listing/403", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/about", page(`<html><body><h1>About</h1></body></html>`))
	mux.HandleFunc("/img/1.jpg", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-1"))
	})
	mux.HandleFunc("/img/2.jpg", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("jpeg-2"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSession(renderer Renderer) *Session {
	r := New(testSite(), Options{Cooldown: 10 * time.Millisecond}, renderer, nil)
	return r.NewSession()
}

func TestResolveEmbeddedAfterRedirect(t *testing.T) {
	srv := newTestServer(t)
	renderer := &countingRenderer{html: renderedPage}

	rec, err := newTestSession(renderer).Resolve(context.Background(), srv.URL+"/listing/redirect-to-listing/1")
	require.NoError(t, err)

	assert.Equal(t, "embedded", rec.Strategy)
	assert.Equal(t, srv.URL+"/listing/1", rec.SourceURL)
	assert.Equal(t, "Sedan X", rec.Title)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 9000, *rec.Price)
	require.NotNil(t, rec.Mileage)
	assert.Equal(t, 120000, *rec.Mileage)
	require.NotNil(t, rec.Year)
	assert.Equal(t, 2015, *rec.Year)
	assert.Equal(t, "Diesel", rec.Fuel)
	assert.Equal(t, "Automatik", rec.Gearbox)
	assert.Equal(t, "110 kW (150 PS)", rec.Power)
	assert.Equal(t, []string{"Getriebe", "Leistung"}, rec.Specs.Keys())
	assert.Equal(t, [][]byte{[]byte("jpeg-1")}, rec.Photos)
	assert.Zero(t, renderer.calls.Load(), "renderer must not run when embedded data suffices")
}

func TestResolveInitialStateSkipsBrokenImages(t *testing.T) {
	srv := newTestServer(t)

	rec, err := newTestSession(nil).Resolve(context.Background(), srv.URL+"/listing/6")
	require.NoError(t, err)

	assert.Equal(t, "embedded", rec.Strategy)
	assert.Equal(t, "Wagon Z", rec.Title)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 14990, *rec.Price)
	assert.Equal(t, [][]byte{[]byte("jpeg-1")}, rec.Photos)
}

func TestResolveMarkup(t *testing.T) {
	srv := newTestServer(t)
	renderer := &countingRenderer{html: renderedPage}

	rec, err := newTestSession(renderer).Resolve(context.Background(), srv.URL+"/listing/2")
	require.NoError(t, err)

	assert.Equal(t, "markup", rec.Strategy)
	assert.Equal(t, "Coupe Y", rec.Title)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 12500, *rec.Price)
	require.NotNil(t, rec.Mileage)
	assert.Equal(t, 88000, *rec.Mileage)
	require.NotNil(t, rec.Year)
	assert.Equal(t, 2018, *rec.Year)
	assert.Equal(t, "Benzin", rec.Fuel)
	assert.Equal(t, "Erste Hand.\nScheckheft gepflegt.", rec.Description)
	assert.Len(t, rec.Photos, 2)
	assert.Zero(t, renderer.calls.Load())
}

func TestResolveFallsBackToRenderer(t *testing.T) {
	srv := newTestServer(t)
	renderer := &countingRenderer{html: renderedPage}

	rec, err := newTestSession(renderer).Resolve(context.Background(), srv.URL+"/listing/3")
	require.NoError(t, err)

	assert.Equal(t, "rendered", rec.Strategy)
	assert.Equal(t, "Hatch R", rec.Title)
	require.NotNil(t, rec.Price)
	assert.Equal(t, 7300, *rec.Price)
	assert.EqualValues(t, 1, renderer.calls.Load())
}

func TestResolveSoftWhenRendererFails(t *testing.T) {
	srv := newTestServer(t)
	renderer := &countingRenderer{err: errors.New("browser crashed")}

	rec, err := newTestSession(renderer).Resolve(context.Background(), srv.URL+"/listing/4")
	require.NoError(t, err)

	assert.Equal(t, "soft", rec.Strategy)
	assert.Equal(t, "Only a title", rec.Title)
	assert.Nil(t, rec.Price)
	assert.Empty(t, rec.Photos)
	assert.EqualValues(t, 1, renderer.calls.Load())
}

func TestResolveUnresolvable(t *testing.T) {
	srv := newTestServer(t)

	_, err := newTestSession(nil).Resolve(context.Background(), srv.URL+"/listing/5")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvable)
	assert.Equal(t, KindUnresolvable, KindOf(err))
}

func TestResolveNotAListing(t *testing.T) {
	srv := newTestServer(t)

	_, err := newTestSession(nil).Resolve(context.Background(), srv.URL+"/listing/redirect-to-listing/about")
	assert.ErrorIs(t, err, ErrNotAListing)
}

func TestResolveRateLimited(t *testing.T) {
	srv := newTestServer(t)

	start := time.Now()
	_, err := newTestSession(nil).Resolve(context.Background(), srv.URL+"/listing/429")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, http.StatusTooManyRequests, f.Status)
}

func TestResolveAccessDenied(t *testing.T) {
	srv := newTestServer(t)

	_, err := newTestSession(nil).Resolve(context.Background(), srv.URL+"/listing/403")
	assert.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, "access-denied", KindOf(err).String())
}

func TestResolveTransportError(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/listing/1"
	srv.Close()

	_, err := newTestSession(nil).Resolve(context.Background(), url)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	assert.Zero(t, parseRetryAfter(h))
	h.Set("Retry-After", "30")
	assert.Equal(t, 30*time.Second, parseRetryAfter(h))
	h.Set("Retry-After", "soon")
	assert.Zero(t, parseRetryAfter(h))
}
