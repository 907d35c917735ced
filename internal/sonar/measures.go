package sonar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/scanfleet/scanfleet/internal/config"
)

// MetricsClient pulls numeric measurements for a completed analysis from
// the server's read API, chunking over the configured metric set.
type MetricsClient struct {
	metrics          []string
	chunkSize        int
	timeout          time.Duration
	retryMax         int
	notFoundDeadline time.Duration
}

// NewMetricsClient creates a MetricsClient from the sonar configuration.
func NewMetricsClient(cfg config.SonarConfig) *MetricsClient {
	chunk := cfg.MetricsChunkSize
	if chunk <= 0 {
		chunk = 15
	}
	return &MetricsClient{
		metrics:          cfg.Metrics,
		chunkSize:        chunk,
		timeout:          cfg.MetricsHTTPTimeout(),
		retryMax:         cfg.MetricsRetryMax,
		notFoundDeadline: cfg.MetricsNotFoundDeadline(),
	}
}

// measuresResponse mirrors the read API's JSON shape.
type measuresResponse struct {
	Component struct {
		Key      string `json:"key"`
		Measures []struct {
			Metric string `json:"metric"`
			Value  string `json:"value"`
		} `json:"measures"`
	} `json:"component"`
}

// Fetch retrieves the full metric map for componentKey from the instance,
// merging one call per chunk of at most chunkSize keys.
func (c *MetricsClient) Fetch(ctx context.Context, inst config.InstanceConfig, componentKey string) (map[string]string, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = c.retryMax
	client.Logger = nil
	client.HTTPClient.Timeout = c.timeout

	merged := map[string]string{}
	for start := 0; start < len(c.metrics); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(c.metrics) {
			end = len(c.metrics)
		}
		chunk := c.metrics[start:end]

		part, err := c.fetchChunk(ctx, client, inst, componentKey, chunk)
		if err != nil {
			return nil, err
		}
		for k, v := range part {
			merged[k] = v
		}
	}
	return merged, nil
}

// fetchChunk calls the read API for one key chunk. 5xx and transport
// failures retry inside retryablehttp; 404 retries here until the
// not-found deadline because a freshly analyzed component may not be
// indexed yet.
func (c *MetricsClient) fetchChunk(ctx context.Context, client *retryablehttp.Client, inst config.InstanceConfig, componentKey string, keys []string) (map[string]string, error) {
	endpoint := strings.TrimSuffix(inst.Host, "/") + "/api/measures/component"
	q := url.Values{}
	q.Set("component", componentKey)
	q.Set("metricKeys", strings.Join(keys, ","))
	fullURL := endpoint + "?" + q.Encode()

	deadline := time.Now().Add(c.notFoundDeadline)
	for {
		res, err := c.doOnce(ctx, client, fullURL, inst.Token)
		if err == nil {
			return res, nil
		}

		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound && time.Now().Before(deadline) {
			slog.Debug("Component not yet indexed, retrying metrics fetch",
				"component", componentKey, "deadline", deadline)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
			}
			continue
		}
		return nil, err
	}
}

func (c *MetricsClient) doOnce(ctx context.Context, client *retryablehttp.Client, fullURL, token string) (map[string]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: create request: %w", err)
	}
	if token != "" {
		// The server accepts the token as basic-auth username.
		req.SetBasicAuth(token, "")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var parsed measuresResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("metrics: decode response: %w", err)
	}

	out := make(map[string]string, len(parsed.Component.Measures))
	for _, m := range parsed.Component.Measures {
		out[m.Metric] = m.Value
	}
	return out, nil
}
