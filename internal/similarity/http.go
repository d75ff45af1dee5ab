package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/concilia-dev/concilia/pkg/errors"
)

// HTTPProviderConfig configures the external similarity service client
type HTTPProviderConfig struct {
	BaseURL string        `json:"base_url"`
	APIKey  string        `json:"api_key,omitempty"`
	Timeout time.Duration `json:"timeout"`
}

// DefaultHTTPProviderConfig returns sane client defaults
func DefaultHTTPProviderConfig(baseURL string) *HTTPProviderConfig {
	return &HTTPProviderConfig{
		BaseURL: baseURL,
		Timeout: 2 * time.Second,
	}
}

// HTTPProvider delegates similarity scoring to an external service. Errors
// from the service are returned as external errors so callers can degrade;
// this provider is expected to be wrapped in a Breaker.
type HTTPProvider struct {
	config *HTTPProviderConfig
	client *http.Client
}

// NewHTTPProvider creates an HTTP-backed similarity provider
func NewHTTPProvider(config *HTTPProviderConfig) (*HTTPProvider, error) {
	if config == nil || config.BaseURL == "" {
		return nil, errors.ConfigurationError(errors.CodeMissingConfig, "similarity.base_url", nil)
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Second
	}

	return &HTTPProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

type similarityRequest struct {
	TextA string `json:"text_a"`
	TextB string `json:"text_b"`
}

type similarityResponse struct {
	Score float64 `json:"score"`
}

// Similarity posts both texts to the service and returns its score clamped
// to [0,1]
func (p *HTTPProvider) Similarity(ctx context.Context, a, b string) (float64, error) {
	body, err := json.Marshal(similarityRequest{TextA: a, TextB: b})
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to encode similarity request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.BaseURL+"/v1/similarity", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, errors.CategoryInternal, errors.CodeUnexpectedError, "failed to build similarity request")
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, errors.ExternalServiceError(errors.CodeTimeout, "similarity", err)
		}
		return 0, errors.ExternalServiceError(errors.CodeSimilarityUnavailable, "similarity", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, errors.ExternalServiceError(errors.CodeSimilarityUnavailable, "similarity",
			fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(payload)))
	}

	var out similarityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, errors.ExternalServiceError(errors.CodeSimilarityUnavailable, "similarity", err)
	}

	score := out.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return score, nil
}
