package spell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPOracle checks words against a remote spelling service.
type HTTPOracle struct {
	checkURL  string
	healthURL string
	do        func(*http.Request) (*http.Response, error)
}

func NewHTTPOracle(baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(baseURL, "/")
	hc := &http.Client{Timeout: timeout}
	return &HTTPOracle{
		checkURL:  base + "/check",
		healthURL: base + "/health",
		do:        hc.Do,
	}
}

func (o *HTTPOracle) CheckWords(ctx context.Context, words []string) ([]WordResult, error) {
	body, err := json.Marshal(map[string][]string{"words": words})
	if err != nil {
		return nil, fmt.Errorf("encode words: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.checkURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := o.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("spell oracle %d: %s", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}
	var out []WordResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode spell oracle reply: %w", err)
	}
	return out, nil
}

// WarmUp succeeds once the service answers its health endpoint.
func (o *HTTPOracle) WarmUp(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.healthURL, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := o.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("spell oracle health %d", resp.StatusCode)
	}
	return nil
}
