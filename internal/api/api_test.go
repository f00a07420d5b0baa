package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-cache/internal/db"
	"transit-cache/internal/metrics"
	"transit-cache/internal/nextbus/nextbustest"
	"transit-cache/internal/provider"
	"transit-cache/internal/publisher"
	"transit-cache/internal/resolver"
)

type fixture struct {
	srv  *httptest.Server
	feed *nextbustest.Feed
	hub  *publisher.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))

	m := metrics.NewCollector(time.Second)
	feed := nextbustest.New()
	hub := publisher.NewHub()
	fan := publisher.NewFanout(m, hub)
	res, err := resolver.New(store, feed, 64, fan, m)
	require.NoError(t, err)
	prov := provider.New(store, res, feed, fan)

	srv := httptest.NewServer(NewHandler(prov, store, hub, m).Router(nil))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, feed: feed, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sqlite", body["database"])
}

func TestGetDirections(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/agencies/ttc/routes/506/directions?columns=tag,name&sort=name&order=desc", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "vnd.transit.dir/direction", body["type"])
	assert.Equal(t, []any{"tag", "name"}, body["columns"])
	assert.Equal(t, []any{
		[]any{"506_1_506", "West"},
		[]any{"506_0_506", "East"},
	}, body["rows"])
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, 1, f.feed.Calls("config:ttc/506"))
}

func TestGetWithFilter(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/v1/agencies/ttc/routes?filter=tag:=:501&columns=title", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{[]any{"501-Queen"}}, body["rows"])
}

func TestGetErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"unknown address", "/v1/agencies/ttc/garages", http.StatusNotFound},
		{"unknown column", "/v1/agencies?columns=secret", http.StatusBadRequest},
		{"malformed filter", "/v1/agencies?filter=tag", http.StatusBadRequest},
		{"bad operator", "/v1/agencies?filter=tag:~:ttc", http.StatusBadRequest},
		{"bad order", "/v1/agencies?order=sideways", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, tc.path, "")
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestGetRemoteFailure(t *testing.T) {
	f := newFixture(t)
	f.feed.Fail("agencies", errors.New("feed unavailable"))

	resp, _ := f.do(t, http.MethodGet, "/v1/agencies", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSavedStops(t *testing.T) {
	f := newFixture(t)
	body := `{"agency":"ttc","route":"506","direction":"506_0_506","stop":"5292"}`

	resp, out := f.do(t, http.MethodPost, "/v1/saved-stops", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "agencies/ttc/routes/506/directions/506_0_506/stops/5292", out["address"])

	resp, out = f.do(t, http.MethodPost, "/v1/saved-stops", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, out = f.do(t, http.MethodGet, "/v1/saved-stops?columns=stop_tag,direction_name", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{[]any{"5292", "East"}}, out["rows"])

	resp, out = f.do(t, http.MethodDelete, "/v1/saved-stops", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["removed"])

	resp, out = f.do(t, http.MethodDelete, "/v1/saved-stops", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out["removed"])
}

func TestSavedStopErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing field", http.MethodPost, "/v1/saved-stops", `{"agency":"ttc","route":"506"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/saved-stops", `{"agency":"ttc","route":"506","direction":"d","stop":"s","x":1}`, http.StatusBadRequest},
		{"not json", http.MethodPost, "/v1/saved-stops", `stop=5292`, http.StatusBadRequest},
		{"unknown stop", http.MethodPost, "/v1/saved-stops", `{"agency":"ttc","route":"506","direction":"506_0_506","stop":"1"}`, http.StatusNotFound},
		{"read-only collection", http.MethodPost, "/v1/agencies/ttc/routes", `{}`, http.StatusMethodNotAllowed},
		{"read-only delete", http.MethodDelete, "/v1/agencies", `{}`, http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	postResp, _ := f.do(t, http.MethodPost, "/v1/saved-stops",
		`{"agency":"ttc","route":"506","direction":"506_0_506","stop":"5292"}`)
	require.Equal(t, http.StatusCreated, postResp.StatusCode)

	// the bookmark fills the cache first, so several events arrive
	sc := bufio.NewScanner(resp.Body)
	var addrs []string
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev publisher.ChangeEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		addrs = append(addrs, ev.Address)
		if ev.Address == "saved-stops" {
			break
		}
	}
	assert.Equal(t, []string{
		"agencies",
		"agencies/ttc/routes",
		"agencies/ttc/routes/506/directions",
		"agencies/ttc/routes/506/stops",
		"agencies/ttc/routes/506/directions/506_0_506/stops",
		"agencies/ttc/routes/506/directions/506_1_506/stops",
		"saved-stops",
	}, addrs)
}
