package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPFeed reads quotes from a price service exposing
// GET {baseURL}/prices/{asset} → {"price": "...", "decimals": n, "updated_at": "..."}.
type HTTPFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFeed creates a feed client with the given request timeout.
func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	return &HTTPFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (f *HTTPFeed) LatestPrice(ctx context.Context, asset string) (Quote, error) {
	endpoint := f.baseURL + "/prices/" + url.PathEscape(asset)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: build request: %v", ErrOracleUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("%w: %s: status %d: %s", ErrOracleUnavailable, asset, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var q Quote
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return Quote{}, fmt.Errorf("%w: %s: decode: %v", ErrOracleUnavailable, asset, err)
	}
	return q, nil
}
