package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pricewatch/internal/adapter"
	"github.com/JakeFAU/pricewatch/internal/compare"
	"github.com/JakeFAU/pricewatch/internal/config"
	"github.com/JakeFAU/pricewatch/internal/lock"
	"github.com/JakeFAU/pricewatch/internal/matcher"
	"github.com/JakeFAU/pricewatch/internal/pricing"
	"github.com/JakeFAU/pricewatch/internal/snapshot"
)

func TestServer_TriggerMatch(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{result: matcher.Result{Attempted: 12, Found: 7}}
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodPost, "/v1/sites/praktiker/match?limit=20")

	require.Equal(t, http.StatusOK, rec.Code)
	var body matcher.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, matcher.Result{Attempted: 12, Found: 7}, body)
	assert.Equal(t, []call{{site: "praktiker", limit: 20}}, passes.matchCalls())
}

func TestServer_TriggerSnapshot(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{written: 3}
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodPost, "/v1/sites/mashinibg/snapshots")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"written":3}`, rec.Body.String())
	assert.Equal(t, []call{{site: "mashinibg", limit: 0}}, passes.snapshotCalls())
}

func TestServer_TriggerFilteredSnapshot(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{filtered: snapshot.FilteredResult{Items: 4, Matched: 3, Observed: 3, Written: 2}}
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodPost, "/v1/sites/praktiker/snapshots/filtered?q=drill&brand=Bosch&limit=500")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":4,"matched":3,"observed":3,"written":2,"failed":0}`, rec.Body.String())
	assert.Equal(t, []pricing.ItemFilter{{Query: "drill", Brand: "Bosch", Limit: snapshot.MaxFilteredRefresh}}, passes.filteredCalls())
}

func TestServer_TriggerFilteredSnapshotDefaultsAndErrors(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{}
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, testConfig())
	rec := serve(server, http.MethodPost, "/v1/sites/praktiker/snapshots/filtered")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []pricing.ItemFilter{{Limit: snapshot.MaxFilteredRefresh}}, passes.filteredCalls())

	held := newTestServer(&fakePasses{err: lock.ErrHeld}, &fakeComparer{}, &fakeStore{}, testConfig())
	rec = serve(held, http.MethodPost, "/v1/sites/praktiker/snapshots/filtered")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_TriggerOutlivesClientDisconnect(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{result: matcher.Result{Attempted: 2, Found: 1}, honourCtx: true}
	cfg := testConfig()
	cfg.Server.WriteTimeout = time.Minute
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/sites/praktiker/match", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"attempted":2,"found":1}`, rec.Body.String())
}

func TestServer_TriggerErrorsMapToStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		code int
	}{
		{name: "lock held", err: fmt.Errorf("match: %w", lock.ErrHeld), code: http.StatusConflict},
		{name: "unknown site", err: fmt.Errorf("match nope: %w", pricing.ErrNotFound), code: http.StatusNotFound},
		{name: "no adapter", err: fmt.Errorf("get: %w", adapter.ErrUnknownAdapter), code: http.StatusNotFound},
		{name: "canceled", err: fmt.Errorf("match: %w", context.Canceled), code: http.StatusRequestTimeout},
		{name: "other", err: errors.New("boom"), code: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakePasses{err: tc.err}, &fakeComparer{}, &fakeStore{}, testConfig())

			rec := serve(server, http.MethodPost, "/v1/sites/praktiker/match")

			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestServer_TriggerInvalidLimit(t *testing.T) {
	t.Parallel()

	passes := &fakePasses{}
	server := newTestServer(passes, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodPost, "/v1/sites/praktiker/snapshots?limit=-4")

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, passes.snapshotCalls())
}

func TestServer_TriggerRateLimited(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.API.TriggerRPS = 0.001
	cfg.API.TriggerBurst = 1
	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, cfg)

	first := serve(server, http.MethodPost, "/v1/sites/praktiker/match")
	second := serve(server, http.MethodPost, "/v1/sites/praktiker/match")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	// Reads are not throttled.
	rec := serve(server, http.MethodGet, "/v1/sites")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Compare(t *testing.T) {
	t.Parallel()

	cmp := &fakeComparer{rows: []compare.Row{{SKU: "A-1", SiteCode: "praktiker", Verdict: compare.VerdictCheaper}}}
	cfg := testConfig()
	cfg.API.DefaultLimit = 50
	cfg.API.MaxLimit = 100
	server := newTestServer(&fakePasses{}, cmp, &fakeStore{}, cfg)

	rec := serve(server, http.MethodGet, "/v1/compare?site=praktiker&q=drill&brand=Bosch&limit=500")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sku":"A-1"`)
	assert.Equal(t, "praktiker", cmp.site)
	assert.Equal(t, pricing.ItemFilter{Query: "drill", Brand: "Bosch", Limit: 100}, cmp.filter)
}

func TestServer_CompareDefaultsToAllSites(t *testing.T) {
	t.Parallel()

	cmp := &fakeComparer{}
	cfg := testConfig()
	cfg.API.DefaultLimit = 25
	server := newTestServer(&fakePasses{}, cmp, &fakeStore{}, cfg)

	rec := serve(server, http.MethodGet, "/v1/compare")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pricing.AllSites, cmp.site)
	assert.Equal(t, 25, cmp.filter.Limit)
}

func TestServer_CompareFailure(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{err: errors.New("db down")}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodGet, "/v1/compare?site=all")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_History(t *testing.T) {
	t.Parallel()

	cmp := &fakeComparer{series: []compare.Series{{SiteCode: "mrbricolage", Key: "5901234", Snapshots: []pricing.Snapshot{}}}}
	server := newTestServer(&fakePasses{}, cmp, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodGet, "/v1/history?sku=A-1&site=mrbricolage")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"key":"5901234"`)
	assert.Equal(t, "A-1", cmp.sku)
	assert.Equal(t, "mrbricolage", cmp.site)
}

func TestServer_HistoryErrors(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, testConfig())
	rec := serve(server, http.MethodGet, "/v1/history")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := &fakeComparer{err: fmt.Errorf("history X: %w", pricing.ErrNotFound)}
	server = newTestServer(&fakePasses{}, missing, &fakeStore{}, testConfig())
	rec = serve(server, http.MethodGet, "/v1/history?sku=X")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListSites(t *testing.T) {
	t.Parallel()

	store := &fakeStore{sites: []pricing.Site{{ID: 1, Code: "praktiker", Name: "Praktiker"}}}
	server := newTestServer(&fakePasses{}, &fakeComparer{}, store, testConfig())

	rec := serve(server, http.MethodGet, "/v1/sites")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"praktiker"`)
}

func TestServer_ListMatches(t *testing.T) {
	t.Parallel()

	store := &fakeStore{
		sites:   []pricing.Site{{ID: 2, Code: "praktiker"}},
		matches: []pricing.Match{{ID: 9, ItemID: 4, SiteID: 2, CompetitorSKU: "100234"}},
	}
	server := newTestServer(&fakePasses{}, &fakeComparer{}, store, testConfig())

	rec := serve(server, http.MethodGet, "/v1/sites/praktiker/matches?item_id=4,5&item_id=6")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"competitor_sku":"100234"`)
	assert.Equal(t, int64(2), store.gotSiteID)
	assert.Equal(t, []int64{4, 5, 6}, store.gotItemIDs)
}

func TestServer_ListMatchesErrors(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{sites: []pricing.Site{{ID: 1, Code: "praktiker"}}}, testConfig())

	cases := []struct {
		target string
		code   int
	}{
		{"/v1/sites/praktiker/matches", http.StatusBadRequest},
		{"/v1/sites/praktiker/matches?item_id=abc", http.StatusBadRequest},
		{"/v1/sites/praktiker/matches?item_id=-1", http.StatusBadRequest},
		{"/v1/sites/nope/matches?item_id=1", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := serve(server, http.MethodGet, tc.target)
		assert.Equal(t, tc.code, rec.Code, tc.target)
	}
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, testConfig())
	assert.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/readyz").Code)

	down := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{pingErr: errors.New("refused")}, testConfig())
	assert.Equal(t, http.StatusOK, serve(down, http.MethodGet, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(down, http.MethodGet, "/readyz").Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodGet, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "secret"}
	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, cfg)

	rec := serve(server, http.MethodGet, "/v1/sites")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/sites", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/sites?api_key=secret")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, serve(server, http.MethodGet, "/healthz").Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{}, &fakeComparer{}, &fakeStore{}, testConfig())
	rec := serve(server, http.MethodGet, "/healthz")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakePasses{panicMsg: "kaboom"}, &fakeComparer{}, &fakeStore{}, testConfig())

	rec := serve(server, http.MethodPost, "/v1/sites/praktiker/match")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func testConfig() config.Config {
	return config.Config{
		API:     config.APIConfig{TriggerRPS: 100, TriggerBurst: 100},
		Logging: config.LoggingConfig{Development: true},
	}
}

func newTestServer(p Passes, c Comparer, s Store, cfg config.Config) *Server {
	return NewServer(p, c, s, cfg, zap.NewNop())
}

type call struct {
	site  string
	limit int
}

type fakePasses struct {
	mu        sync.Mutex
	result    matcher.Result
	written   int
	filtered  snapshot.FilteredResult
	err       error
	panicMsg  string
	honourCtx bool
	matches   []call
	snapshots []call
	filters   []pricing.ItemFilter
}

func (f *fakePasses) Match(ctx context.Context, site string, limit int) (matcher.Result, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.honourCtx && ctx.Err() != nil {
		return matcher.Result{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, call{site: site, limit: limit})
	return f.result, f.err
}

func (f *fakePasses) Snapshot(_ context.Context, site string, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, call{site: site, limit: limit})
	return f.written, f.err
}

func (f *fakePasses) RefreshFiltered(_ context.Context, _ string, filter pricing.ItemFilter) (snapshot.FilteredResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filters = append(f.filters, filter)
	return f.filtered, f.err
}

func (f *fakePasses) filteredCalls() []pricing.ItemFilter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pricing.ItemFilter(nil), f.filters...)
}

func (f *fakePasses) matchCalls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.matches...)
}

func (f *fakePasses) snapshotCalls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.snapshots...)
}

type fakeComparer struct {
	rows   []compare.Row
	series []compare.Series
	err    error

	site   string
	sku    string
	filter pricing.ItemFilter
}

func (f *fakeComparer) Compare(_ context.Context, site string, filter pricing.ItemFilter) ([]compare.Row, error) {
	f.site, f.filter = site, filter
	if f.err != nil {
		return nil, f.err
	}
	return f.rows, nil
}

func (f *fakeComparer) History(_ context.Context, sku, site string) ([]compare.Series, error) {
	f.sku, f.site = sku, site
	if f.err != nil {
		return nil, f.err
	}
	return f.series, nil
}

type fakeStore struct {
	sites   []pricing.Site
	matches []pricing.Match
	pingErr error

	gotSiteID  int64
	gotItemIDs []int64
}

func (f *fakeStore) ListSites(context.Context) ([]pricing.Site, error) { return f.sites, nil }
func (f *fakeStore) Ping(context.Context) error                        { return f.pingErr }

func (f *fakeStore) SiteByCode(_ context.Context, code string) (pricing.Site, error) {
	for _, site := range f.sites {
		if site.Code == code {
			return site, nil
		}
	}
	return pricing.Site{}, fmt.Errorf("site %q: %w", code, pricing.ErrNotFound)
}

func (f *fakeStore) MatchesForItems(_ context.Context, siteID int64, itemIDs []int64) ([]pricing.Match, error) {
	f.gotSiteID, f.gotItemIDs = siteID, itemIDs
	return f.matches, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
