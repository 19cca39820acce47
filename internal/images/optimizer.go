package images

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// URLPlaceholder marks where the escaped source image url goes in a proxy template.
const URLPlaceholder = "{url}"

// Optimizer rewrites a validated image url into an optimized variant.
// Callers keep the original url whenever Optimize fails.
type Optimizer interface {
	Optimize(ctx context.Context, imageURL string) (string, error)
}

// ProxyOptimizer points images at a resizing proxy described by a url template,
// e.g. "https://img.example.com/fit?w=800&url={url}".
type ProxyOptimizer struct {
	template  string
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// NewProxyOptimizer validates the template and creates an optimizer.
func NewProxyOptimizer(template string, client *http.Client, userAgent string, timeout time.Duration) (*ProxyOptimizer, error) {
	if !strings.Contains(template, URLPlaceholder) {
		return nil, fmt.Errorf("image proxy template must contain %s", URLPlaceholder)
	}
	sample := strings.ReplaceAll(template, URLPlaceholder, "x")
	if u, err := url.Parse(sample); err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("image proxy template is not an absolute url: %q", template)
	}
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &ProxyOptimizer{template: template, client: client, userAgent: userAgent, timeout: timeout}, nil
}

// Optimize returns the proxied url once the proxy answers a HEAD for it with 2xx.
func (p *ProxyOptimizer) Optimize(ctx context.Context, imageURL string) (string, error) {
	proxied := strings.ReplaceAll(p.template, URLPlaceholder, url.QueryEscape(imageURL))

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, proxied, nil)
	if err != nil {
		return "", fmt.Errorf("build proxy request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("image proxy unreachable: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("image proxy returned status %d", resp.StatusCode)
	}
	return proxied, nil
}
