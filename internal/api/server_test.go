package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/listingrelay/internal/metrics"
	"github.io/infrasutra/listingrelay/internal/pipeline"
	"github.io/infrasutra/listingrelay/internal/sse"
	"github.io/infrasutra/listingrelay/internal/store"
)

type fakeRunner struct {
	runErr   error
	runMode  pipeline.Mode
	removed  int64
	clearErr error
}

func (f *fakeRunner) RunAccount(_ context.Context, accountID string, mode pipeline.Mode) (*pipeline.RunSummary, error) {
	f.runMode = mode
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &pipeline.RunSummary{AccountID: accountID, Mode: mode.String(), Messages: 2, Entries: 2, Published: 1, Failed: 1}, nil
}

func (f *fakeRunner) ClearMailbox(context.Context, string) (int64, error) {
	return f.removed, f.clearErr
}

type fakeHistory struct {
	entries []store.LedgerEntry
	gotOpts store.ListOptions
}

func (f *fakeHistory) List(_ context.Context, _ string, opts store.ListOptions) ([]store.LedgerEntry, int32, error) {
	f.gotOpts = opts
	return f.entries, 25, nil
}

func (f *fakeHistory) Stats(context.Context, string, time.Time) (store.LedgerStats, error) {
	return store.LedgerStats{Total: 10, Published: 7, Failed: 3, LastWeek: 4}, nil
}

type fakeAccounts struct{}

func (fakeAccounts) LoadAccount(_ context.Context, id string) (store.Account, error) {
	if id != "acc-1" {
		return store.Account{}, store.ErrNotFound
	}
	return store.Account{ID: id}, nil
}

type testAPI struct {
	server  *Server
	runner  *fakeRunner
	history *fakeHistory
	hub     *sse.Hub
}

func newTestAPI(token string, checks ...Checker) *testAPI {
	price := 9500
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	runner := &fakeRunner{removed: 3}
	history := &fakeHistory{entries: []store.LedgerEntry{
		{ID: 2, MessageID: "m1", Title: "Sedan X", FinalPrice: &price, Published: true, PublishedAt: &created, CreatedAt: created},
	}}
	hub := sse.NewHub()
	server := NewServer(Deps{
		Runner:   runner,
		History:  history,
		Accounts: fakeAccounts{},
		Hub:      hub,
		Checks:   checks,
		Token:    token,
	}, nil)
	return &testAPI{server: server, runner: runner, history: history, hub: hub}
}

func (a *testAPI) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.server.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReady(t *testing.T) {
	a := newTestAPI("")
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/ready", "").Code)

	down := newTestAPI("", Checker{Name: "ledger", Check: func(context.Context) error { return errors.New("down") }})
	rec := down.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "ledger unavailable", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.Register()
	a := newTestAPI("")
	a.do(t, http.MethodGet, "/health", "")

	rec := a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `listingrelay_http_requests_total{code="200",method="GET",route="/health"}`)
}

func TestTokenRequired(t *testing.T) {
	a := newTestAPI("secret")
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/accounts/acc-1/stats", "").Code)
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/accounts/acc-1/stats", "wrong").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/accounts/acc-1/stats", "secret").Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/api/accounts/acc-1/stats?token=secret", "").Code)
}

func TestUnknownAccount(t *testing.T) {
	a := newTestAPI("")
	rec := a.do(t, http.MethodGet, "/api/accounts/nobody/postings", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"account not found"}`, rec.Body.String())
}

func TestPostings(t *testing.T) {
	a := newTestAPI("")
	rec := a.do(t, http.MethodGet, "/api/accounts/acc-1/postings?page=2&limit=10&sort=oldest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.ListOptions{Offset: 10, Limit: 10, Sort: "oldest"}, a.history.gotOpts)

	var body postingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Sedan X", body.Items[0].Title)
	assert.Equal(t, 9500, *body.Items[0].FinalPrice)
	assert.Nil(t, body.Items[0].RawPrice)
	assert.Equal(t, "2026-05-01T10:00:00Z", body.Items[0].CreatedAt)
	assert.True(t, body.Meta.HasNext)
	assert.EqualValues(t, 25, body.Meta.Total)
}

func TestStats(t *testing.T) {
	a := newTestAPI("")
	rec := a.do(t, http.MethodGet, "/api/accounts/acc-1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":10,"published":7,"failed":3,"lastWeek":4}`, rec.Body.String())
}

func TestManualRun(t *testing.T) {
	a := newTestAPI("")
	rec := a.do(t, http.MethodPost, "/api/accounts/acc-1/run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.ModeManual, a.runner.runMode)
	assert.Contains(t, rec.Body.String(), `"mode":"manual"`)

	a.runner.runErr = pipeline.ErrRunInProgress
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, "/api/accounts/acc-1/run", "").Code)

	a.runner.runErr = errors.New("list unseen: db closed")
	assert.Equal(t, http.StatusInternalServerError, a.do(t, http.MethodPost, "/api/accounts/acc-1/run", "").Code)

	assert.Equal(t, http.StatusMethodNotAllowed, a.do(t, http.MethodGet, "/api/accounts/acc-1/run", "").Code)
}

func TestClearMailbox(t *testing.T) {
	a := newTestAPI("")
	rec := a.do(t, http.MethodDelete, "/api/accounts/acc-1/mailbox", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":3}`, rec.Body.String())

	a.runner.clearErr = pipeline.ErrRunInProgress
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodDelete, "/api/accounts/acc-1/mailbox", "").Code)
}

func TestStreamDeliversPostings(t *testing.T) {
	a := newTestAPI("")
	srv := httptest.NewServer(a.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/accounts/acc-1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return strings.Join(lines, "\n")
			}
			lines = append(lines, line)
		}
	}
	assert.Equal(t, "event: ready\ndata: {}", readEvent())

	require.Eventually(t, func() bool { return a.hub.Subscribers("acc-1") == 1 }, time.Second, 10*time.Millisecond)
	a.hub.Notify("acc-1", store.LedgerEntry{ID: 5, MessageID: "m9", Title: "Coupe Y", Published: true})

	event := readEvent()
	require.True(t, strings.HasPrefix(event, "event: posting\ndata: "), event)
	var payload sse.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(event, "event: posting\ndata: ")), &payload))
	assert.Equal(t, "Coupe Y", payload.Title)
	assert.Equal(t, "acc-1", payload.AccountID)
}
