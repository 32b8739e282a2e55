// brave.go implements the brave-search tool: a {query, results} output
// shape and a structured not_configured error when no API key is present.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const braveSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"
const braveSearchTimeout = 15 * time.Second

// BraveAPIKeyFunc resolves the configured brave API key (from
// {root}/config/integrations.toml) each time the tool runs, rather than
// when the tool is constructed.
type BraveAPIKeyFunc func() string

// NewBraveSearchTool builds the brave-search tool bound to apiKeyFn.
func NewBraveSearchTool(apiKeyFn BraveAPIKeyFunc) *Tool {
	client := &http.Client{Timeout: braveSearchTimeout}
	return &Tool{
		Name: "brave-search",
		Description: "Search the web via the Brave Search API.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "minLength": 1},
				"count": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 20},
			},
			"required": []interface{}{"query"},
		},
		Execute: func(ctx context.Context, tc *Ctx, input map[string]interface{}) (Output, error) {
			apiKey := apiKeyFn()
			if apiKey == "" {
				return Output{"success": false, "error": "brave search is not configured", "code": "not_configured"}, nil
			}
			query, _ := input["query"].(string)
			count := 5
			if v, present := input["count"]; present {
				if f, ok := v.(float64); ok {
					count = int(f)
				}
			}

			results, err := braveSearch(ctx, client, apiKey, query, count)
			if err != nil {
				return nil, err
			}
			return ok(map[string]interface{}{"query": query, "results": results}), nil
		},
	}
}

type braveResult struct {
	Title string `json:"title"`
	URL string `json:"url"`
	Description string `json:"description"`
}

func braveSearch(ctx context.Context, client *http.Client, apiKey, query string, count int) ([]braveResult, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, braveSearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var braveResp struct {
		Web struct {
			Results []braveResult `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return braveResp.Web.Results, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
