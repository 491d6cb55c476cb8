package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	userAgent       = "mailqueue-dispatcher/1.0"
	maxResponseBody = 1 << 20
)

// APIClient is the HTTPClient used by the API-based transports. Each call
// is bound to the caller's context so a dispatch attempt deadline aborts it.
type APIClient struct {
	hc *http.Client
}

// NewAPIClient returns an APIClient whose calls give up after timeout.
func NewAPIClient(timeout time.Duration) *APIClient {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = 16
	tr.ResponseHeaderTimeout = timeout
	return &APIClient{hc: &http.Client{Timeout: timeout, Transport: tr}}
}

func (c *APIClient) Do(ctx context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", req.Method, err)
	}
	hreq.Header.Set("User-Agent", userAgent)
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// Provider error bodies are small; anything past the cap is dropped.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	out := &HTTPResponse{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       data,
	}
	for k, vs := range resp.Header {
		out.Headers[k] = strings.Join(vs, ", ")
	}
	return out, nil
}
