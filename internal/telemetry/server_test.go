package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	details map[uint32]ConditionDetail
}

func (f fakeProvider) ConditionSummaries() []ConditionSummary {
	var out []ConditionSummary
	for id := uint32(1); id <= uint32(len(f.details)); id++ {
		out = append(out, f.details[id].ConditionSummary)
	}
	return out
}

func (f fakeProvider) ConditionDetail(id uint32) (ConditionDetail, bool) {
	d, ok := f.details[id]
	return d, ok
}

func newTestProvider() fakeProvider {
	return fakeProvider{details: map[uint32]ConditionDetail{
		1: {
			ConditionSummary: ConditionSummary{ID: 1, Name: "stimulus", Line: 0, Type: "ttl", Armed: true, Trials: 3},
			Mean:             [][]float64{{1, 2}},
			StdDev:           [][]float64{{0, 0.5}},
		},
		2: {ConditionSummary: ConditionSummary{ID: 2, Name: "reward", Line: -1, Type: "message"}},
	}}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandler_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(2)

	rec := get(t, NewHandler(HTTPServerOptions{Registry: reg}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_counter_total 2")
}

func TestHandler_Health(t *testing.T) {
	rec := get(t, NewHandler(HTTPServerOptions{}), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h := NewHandler(HTTPServerOptions{Health: func() HealthReport {
		return HealthReport{Status: "acquisition stopped", Details: map[string]string{"source": "serial"}}
	}})
	rec = get(t, h, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "acquisition stopped")
}

func TestHandler_Conditions(t *testing.T) {
	h := NewHandler(HTTPServerOptions{Conditions: newTestProvider()})

	rec := get(t, h, "/api/conditions")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ConditionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "stimulus", list[0].Name)
	assert.Equal(t, 3, list[0].Trials)

	rec = get(t, h, "/api/conditions/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail ConditionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, [][]float64{{1, 2}}, detail.Mean)
	assert.Equal(t, [][]float64{{0, 0.5}}, detail.StdDev)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/conditions/9").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/conditions/abc").Code)
}

func TestHandler_EmptyConditionList(t *testing.T) {
	h := NewHandler(HTTPServerOptions{Conditions: fakeProvider{}})
	rec := get(t, h, "/api/conditions")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHandler_NoConditionsAPIWithoutProvider(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, NewHandler(HTTPServerOptions{}), "/api/conditions").Code)
}

func TestStartHTTPServer_ServesAndShutsDown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- StartHTTPServer(ctx, HTTPServerOptions{
			Addr:     fmt.Sprintf("127.0.0.1:%d", port),
			Registry: prometheus.NewRegistry(),
		}, zap.NewNop())
	}()

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestStartHTTPServer_PortInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = StartHTTPServer(ctx, HTTPServerOptions{Addr: listener.Addr().String()}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "observability server failed to start")
}
