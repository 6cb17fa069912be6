package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// Request performs a single outbound HTTP call and drains the response body.
// There is deliberately no retry: every upstream failure is terminal for the
// originating request and is surfaced to the caller.
func Request(ctx context.Context, client *http.Client, method, url, contentType string, body []byte) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}
