package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/inboxlab/mailrag/internal/errors"
)

// HTTPReranker calls an external cross-encoder service speaking the common
// POST /rerank protocol: {query, documents} in, scored indices out.
type HTTPReranker struct {
	endpoint string
	model    string
	client   *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

// NewHTTPReranker creates a reranker client for endpoint (service base URL).
func NewHTTPReranker(endpoint, model string, timeout time.Duration) *HTTPReranker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReranker{
		endpoint: endpoint,
		model:    model,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	Model     string   `json:"model,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}

// Rerank scores passages against query. Network failures, timeouts and
// upstream 5xx come back transient so the retriever can degrade.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]RerankResult, error) {
	if len(passages) == 0 {
		return []RerankResult{}, nil
	}

	body, err := json.Marshal(rerankRequest{Query: query, Documents: passages, Model: r.model})
	if err != nil {
		return nil, errors.Internal("encode rerank request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Internal("build rerank request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Transient("rerank request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, errors.Transient(fmt.Sprintf("reranker status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Permanent(fmt.Sprintf("reranker status %d: %s", resp.StatusCode, raw), nil)
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Transient("decode rerank response", err)
	}

	out := make([]RerankResult, 0, len(decoded.Results))
	for _, res := range decoded.Results {
		if res.Index < 0 || res.Index >= len(passages) {
			return nil, errors.Permanent(fmt.Sprintf("reranker returned index %d for %d passages", res.Index, len(passages)), nil)
		}
		out = append(out, RerankResult{Index: res.Index, Score: res.Score})
	}
	return out, nil
}
