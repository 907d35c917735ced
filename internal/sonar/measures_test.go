package sonar

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/scanfleet/scanfleet/internal/config"
)

func metricsCfg(keys []string, chunk int) config.SonarConfig {
	return config.SonarConfig{
		Metrics:                        keys,
		MetricsChunkSize:               chunk,
		MetricsHTTPTimeoutMS:           2000,
		MetricsRetryMax:                1,
		MetricsNotFoundDeadlineSeconds: 5,
	}
}

func measuresHandler(value func(metric string) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := strings.Split(r.URL.Query().Get("metricKeys"), ",")
		type measure struct {
			Metric string `json:"metric"`
			Value  string `json:"value"`
		}
		measures := make([]measure, 0, len(keys))
		for _, k := range keys {
			measures = append(measures, measure{Metric: k, Value: value(k)})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"component": map[string]any{"key": r.URL.Query().Get("component"), "measures": measures},
		})
	}
}

func TestFetchMergesChunks(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if got := r.URL.Query().Get("component"); got != "proj_c1" {
			t.Errorf("component = %q", got)
		}
		measuresHandler(func(m string) string { return "v-" + m })(w, r)
	}))
	defer srv.Close()

	c := NewMetricsClient(metricsCfg([]string{"a", "b", "c", "d", "e"}, 2))
	got, err := c.Fetch(context.Background(), config.InstanceConfig{Host: srv.URL, Token: "tok"}, "proj_c1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 5 || got["c"] != "v-c" {
		t.Fatalf("merged map = %v", got)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3 (5 keys / chunk 2)", calls.Load())
	}
}

func TestFetchRetries404UntilIndexed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		measuresHandler(func(string) string { return "1" })(w, r)
	}))
	defer srv.Close()

	c := NewMetricsClient(metricsCfg([]string{"ncloc"}, 10))
	got, err := c.Fetch(context.Background(), config.InstanceConfig{Host: srv.URL}, "proj_c1")
	if err != nil {
		t.Fatalf("fetch should survive an initial 404: %v", err)
	}
	if got["ncloc"] != "1" {
		t.Fatalf("got %v", got)
	}
	if calls.Load() < 2 {
		t.Fatalf("expected a retry after 404, calls = %d", calls.Load())
	}
}

func TestFetchNon404ClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewMetricsClient(metricsCfg([]string{"ncloc"}, 10))
	_, err := c.Fetch(context.Background(), config.InstanceConfig{Host: srv.URL}, "proj_c1")
	if err == nil {
		t.Fatal("expected error on 403")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("expected StatusError 403, got %v", err)
	}
	if !IsPermanentStatus(err) {
		t.Fatalf("403 must classify as permanent")
	}
}

func TestFetchRecoversFromServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		measuresHandler(func(string) string { return "2" })(w, r)
	}))
	defer srv.Close()

	c := NewMetricsClient(metricsCfg([]string{"bugs"}, 10))
	got, err := c.Fetch(context.Background(), config.InstanceConfig{Host: srv.URL}, "proj_c1")
	if err != nil {
		t.Fatalf("fetch should retry a 5xx: %v", err)
	}
	if got["bugs"] != "2" {
		t.Fatalf("got %v", got)
	}
}
