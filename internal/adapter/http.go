package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPPublisher 调各平台发布服务的 HTTP 适配器，
// endpoint 形如 platform -> http://social-publisher:8002/publish/{platform}
type HTTPPublisher struct {
	client    *http.Client
	endpoints map[string]string
}

func NewHTTPPublisher(endpoints map[string]string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPPublisher{
		client:    &http.Client{Timeout: timeout},
		endpoints: endpoints,
	}
}

func (p *HTTPPublisher) Publish(ctx context.Context, content Content, platform string) (*Result, error) {
	endpoint, ok := p.endpoints[platform]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for platform %s", platform)
	}
	body, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", platform, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("publish to %s: status %d: %s", platform, resp.StatusCode, string(b))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", platform, err)
	}
	if res.ExternalID == "" {
		return nil, fmt.Errorf("publish to %s: empty external id", platform)
	}
	return &res, nil
}

var _ Publisher = (*HTTPPublisher)(nil)
