package provider

import (
	"context"
	"sync"
)

// fakeHTTPClient records requests and replies with a canned response.
type fakeHTTPClient struct {
	mu       sync.Mutex
	requests []*HTTPRequest
	resp     *HTTPResponse
	err      error
}

func (f *fakeHTTPClient) Do(_ context.Context, req *HTTPRequest) (*HTTPResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.resp == nil {
		return &HTTPResponse{StatusCode: 200}, nil
	}
	return f.resp, nil
}

func (f *fakeHTTPClient) last() *HTTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}
