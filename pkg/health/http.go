package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker answers whether an HTTP endpoint responds with a status
// in the accepted range. The API client polls the server's readiness
// endpoint through it.
type HTTPChecker struct {
	URL       string
	StatusMin int
	StatusMax int
	Client    *http.Client
}

// NewHTTPChecker builds a checker that accepts any non-error status
// (200-399) with a 10 second request timeout.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		StatusMin: 200,
		StatusMax: 399,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// WithStatusRange narrows the accepted status codes.
func (h *HTTPChecker) WithStatusRange(min, max int) *HTTPChecker {
	h.StatusMin = min
	h.StatusMax = max
	return h
}

// WithTimeout overrides the request timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// Check issues one GET against the URL.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return result(start, false, fmt.Sprintf("build request: %v", err))
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return result(start, false, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.StatusMin && resp.StatusCode <= h.StatusMax
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.StatusMin, h.StatusMax)
	}
	return result(start, healthy, message)
}
