package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Lzww0608/gflake"
	"github.com/Lzww0608/gflake/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioID = "472731557322752"

type testClock struct{ ms atomic.Int64 }

func (c *testClock) NowMillis() int64 { return c.ms.Load() }

func newTestServer(t *testing.T, opts Options) (*Server, *gflake.Client, *testClock) {
	t.Helper()
	clock := &testClock{}
	clock.ms.Store(gflake.DefaultEpoch + 112707986)

	client, err := gflake.NewClient(gflake.DefaultEpoch, 6, 6,
		gflake.WithGeneratorOptions(gflake.WithClock(clock)))
	require.NoError(t, err)
	return New(client, opts), client, clock
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	s, client, _ := newTestServer(t, Options{})

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	client.Destroy()
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/health").Code)
}

func TestNextIDs(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s, "/v1/ids")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ids":["`+scenarioID+`"]}`, rec.Body.String())

	rec = get(t, s, "/v1/ids?count=3")
	require.Equal(t, http.StatusOK, rec.Code)
	var body idsResponse
	decodeBody(t, rec, &body)
	require.Len(t, body.IDs, 3)
	for i, id := range body.IDs {
		assert.Equal(t, int64(i+1), id.Sequence())
	}
}

func TestNextIDsRejectsBadCount(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})
	for _, q := range []string{"0", "-1", "4097", "many"} {
		rec := get(t, s, "/v1/ids?count="+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestNextIDsFullBatch(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s, "/v1/ids?count="+strconv.Itoa(MaxBatch))
	require.Equal(t, http.StatusOK, rec.Code)
	var body idsResponse
	decodeBody(t, rec, &body)
	require.Len(t, body.IDs, MaxBatch)
	assert.Equal(t, scenarioID, body.IDs[0].String())
	assert.Equal(t, gflake.MaxSequence, body.IDs[MaxBatch-1].Sequence())
}

func TestNextIDsErrors(t *testing.T) {
	s, client, clock := newTestServer(t, Options{})

	require.Equal(t, http.StatusOK, get(t, s, "/v1/ids").Code)
	clock.ms.Add(-5)
	rec := get(t, s, "/v1/ids")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "clock moved backwards")

	client.Destroy()
	rec = get(t, s, "/v1/ids")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDecode(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	rec := get(t, s, "/v1/ids/"+scenarioID)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{
		"id": "472731557322752",
		"timestamp": 112707986,
		"process_id": 6,
		"worker_seed": 6,
		"sequence": 0,
		"unix_ms": 1555414227986,
		"time": "2019-04-16T11:30:27.986Z"
	}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/ids/abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/v1/ids/-1").Code)
}

func TestTimestamp(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	tests := []struct {
		query string
		code  int
		body  string
	}{
		{"", http.StatusOK, `{"id":"472731557322752","unit":"ms","timestamp":1555414227986}`},
		{"?unit=ms", http.StatusOK, `{"id":"472731557322752","unit":"ms","timestamp":1555414227986}`},
		{"?unit=s", http.StatusOK, `{"id":"472731557322752","unit":"s","timestamp":1555414227}`},
		{"?unit=h", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		rec := get(t, s, "/v1/ids/"+scenarioID+"/timestamp"+tt.query)
		assert.Equal(t, tt.code, rec.Code, tt.query)
		if tt.body != "" {
			assert.JSONEq(t, tt.body, rec.Body.String(), tt.query)
		}
	}
}

func TestIssued(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	var body idsResponse
	decodeBody(t, get(t, s, "/v1/issued"), &body)
	assert.Empty(t, body.IDs)
	assert.NotNil(t, body.IDs)

	require.Equal(t, http.StatusOK, get(t, s, "/v1/ids?count=2").Code)
	decodeBody(t, get(t, s, "/v1/issued"), &body)
	require.Len(t, body.IDs, 2)
	assert.Equal(t, scenarioID, body.IDs[0].String())
}

func TestRequestIDIsEchoed(t *testing.T) {
	s, _, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, "abc-123")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(HeaderRequestID))

	req.Header.Set(HeaderRequestID, "bad id\n")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.NotEqual(t, "bad id", rec.Header().Get(HeaderRequestID))
	assert.Len(t, rec.Header().Get(HeaderRequestID), 20)
}

func TestRateLimit(t *testing.T) {
	s, _, _ := newTestServer(t, Options{RateLimit: 2})

	require.Equal(t, http.StatusOK, get(t, s, "/v1/issued").Code)
	limited := false
	for i := 0; i < 10 && !limited; i++ {
		rec := get(t, s, "/v1/issued")
		limited = rec.Code == http.StatusTooManyRequests
	}
	assert.True(t, limited)

	// health is not limited
	assert.Equal(t, http.StatusOK, get(t, s, "/health").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(nil)
	clock := &testClock{}
	clock.ms.Store(gflake.DefaultEpoch + 1)
	client, err := gflake.NewClient(gflake.DefaultEpoch, 1, 1,
		gflake.WithGeneratorOptions(gflake.WithClock(clock), gflake.WithObserver(m)))
	require.NoError(t, err)
	s := New(client, Options{Metrics: m})

	require.Equal(t, http.StatusOK, get(t, s, "/v1/ids?count=5").Code)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "gflake_ids_issued_total 5"))
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",route="/v1/ids",status="200"} 1`))
}
