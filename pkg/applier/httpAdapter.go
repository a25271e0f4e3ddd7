package applier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/terracarta/geosync/pkg/models"
	"go.uber.org/zap"
)

// HTTPAdapter talks to the geospatial server's admin API. The underlying
// client retries transient failures with backoff; the admin endpoints are
// idempotent, so a retried call is safe.
type HTTPAdapter struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPAdapter creates an adapter for the admin API at baseURL.
func NewHTTPAdapter(baseURL string, timeout time.Duration, log *zap.SugaredLogger) (*HTTPAdapter, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid admin API URL %q: %w", baseURL, err)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = timeout
	client.Logger = nil
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			log.Warnw("Retrying admin API call", "url", req.URL.String(), "attempt", attempt)
		}
	}

	return &HTTPAdapter{baseURL: baseURL, client: client}, nil
}

// RebindDatasource points the server's datasource id at a new backing store.
func (a *HTTPAdapter) RebindDatasource(ctx context.Context, id string, spec models.Datasource) error {
	path := fmt.Sprintf("/admin/datasources/%s/rebind", url.PathEscape(id))
	return a.post(ctx, path, spec)
}

// ReloadMetadata replaces the server's service/layer metadata with the
// document's contents.
func (a *HTTPAdapter) ReloadMetadata(ctx context.Context, doc *models.ConfigurationDocument) error {
	return a.post(ctx, "/admin/metadata/reload", doc)
}

// InvalidateCache evicts cached tiles and capability documents for the
// given resources.
func (a *HTTPAdapter) InvalidateCache(ctx context.Context, refs []models.ResourceRef) error {
	return a.post(ctx, "/admin/cache/invalidate", refs)
}

func (a *HTTPAdapter) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("admin API call %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("admin API call %s returned %d: %s", path, resp.StatusCode, string(msg))
	}
	return nil
}
