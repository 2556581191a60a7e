package capability

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"toolmux/internal/domain"
)

// StreamableHTTPDialer dials endpoints over the MCP streamable HTTP
// transport, one connection per session.
type StreamableHTTPDialer struct{}

func NewStreamableHTTPDialer() *StreamableHTTPDialer {
	return &StreamableHTTPDialer{}
}

func (d *StreamableHTTPDialer) Dial(_ context.Context, endpoint domain.EndpointSpec) (mcp.Transport, error) {
	url := strings.TrimSpace(endpoint.URL)
	if url == "" {
		return nil, errors.New("endpoint url is required")
	}

	transport, err := buildRoundTripper(endpoint)
	if err != nil {
		return nil, err
	}

	return &mcp.StreamableClientTransport{
		Endpoint: url,
		HTTPClient: &http.Client{
			Transport: transport,
		},
	}, nil
}

func buildRoundTripper(endpoint domain.EndpointSpec) (http.RoundTripper, error) {
	base := http.DefaultTransport
	if base == nil {
		return nil, errors.New("default http transport is nil")
	}
	if len(endpoint.Headers) == 0 {
		return base, nil
	}

	headers := http.Header{}
	for key, value := range endpoint.Headers {
		name := http.CanonicalHeaderKey(strings.TrimSpace(key))
		if name == "" {
			return nil, errors.New("endpoint headers contain empty key")
		}
		headers.Set(name, value)
	}
	return &headerRoundTripper{
		base:    base,
		headers: headers,
	}, nil
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers http.Header
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for key, values := range h.headers {
		req.Header.Del(key)
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return h.base.RoundTrip(req)
}
