package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PetoAdam/homenavi/http-leak-adapter/internal/model"
)

const maxBodyBytes = 1 << 20

var errTrailingData = errors.New("unexpected data after JSON document")

// Fetcher retrieves and decodes the JSON document served by a device endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ep model.Endpoint) (any, error)
}

type HTTPFetcher struct {
	httpClient *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Fetch issues the request and decodes the body regardless of the status code;
// sensors that answer an error status with a JSON body are still read.
// Numbers are kept as json.Number so their string form matches the wire.
func (f *HTTPFetcher) Fetch(ctx context.Context, ep model.Endpoint) (any, error) {
	req, err := http.NewRequestWithContext(ctx, ep.RequestMethod(), ep.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decoding response (status %d): %w", resp.StatusCode, errTrailingData)
	}
	return doc, nil
}
