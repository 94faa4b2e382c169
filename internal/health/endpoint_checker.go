package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// EndpointChecker probes an HTTP liveness endpoint. Used by the
// supervisor when the server runs on the streaming transport.
type EndpointChecker struct {
	url    string
	client *http.Client
}

// NewEndpointChecker creates a checker over the given liveness URL.
func NewEndpointChecker(url string) *EndpointChecker {
	return &EndpointChecker{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *EndpointChecker) Name() string {
	return "server-endpoint"
}

func (c *EndpointChecker) Check(ctx context.Context) *Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Unhealthy(fmt.Sprintf("bad probe url: %v", err)).WithDetail("url", c.url)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Unhealthy(fmt.Sprintf("probe failed: %v", err)).WithDetail("url", c.url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Unhealthy(fmt.Sprintf("probe returned %d", resp.StatusCode)).
			WithDetail("url", c.url).
			WithDetail("status_code", resp.StatusCode)
	}
	return Healthy("endpoint responding").WithDetail("url", c.url)
}
