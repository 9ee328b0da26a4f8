package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// HTTPGenerator calls a remote generation service over HTTP. The service
// receives the Request as a JSON body and responds with a Result.
type HTTPGenerator struct {
	url    string
	client *http.Client
}

// NewHTTPGenerator creates a generator that POSTs requests to url. The
// per-call deadline is left to the caller (wrap with NewTimeoutGuard).
func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("generation: failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("generation: failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("generation call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.ReadAll(io.LimitReader(resp.Body, 1024)) // drain
		return nil, fmt.Errorf("generation service returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&result); err != nil {
		return nil, fmt.Errorf("generation: failed to decode response: %w", err)
	}
	return &result, nil
}

// LocalGenerator produces a deterministic report from the extracted source
// without calling out. It exists so the server can run end to end in
// development when no generation service is configured.
type LocalGenerator struct{}

// NewLocalGenerator creates the development fallback generator.
func NewLocalGenerator() *LocalGenerator {
	return &LocalGenerator{}
}

func (g *LocalGenerator) Generate(ctx context.Context, req *Request) (*Result, error) {
	keys := make([]string, 0, len(req.Source))
	for k := range req.Source {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, req.Source[k])
	}

	return &Result{
		Sections: map[string]string{
			"summary":  fmt.Sprintf("Assessment with %d answered items.", len(req.Source)),
			"findings": b.String(),
		},
		Model: "local",
	}, nil
}
