package infrastructure

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/yourusername/bili-extract-go/internal/domain"
)

// Resolver extracts a content id from user input, expanding short links first
type Resolver struct {
	client         *http.Client
	shortLinkHosts []string
	headers        http.Header
	logger         *zap.Logger
}

// NewResolver creates a resolver. client follows redirects when expanding
// short links; headers may be nil.
func NewResolver(client *http.Client, shortLinkHosts []string, headers http.Header, logger *zap.Logger) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		client:         client,
		shortLinkHosts: shortLinkHosts,
		headers:        headers,
		logger:         logger,
	}
}

// Resolve returns the first content id found in input, after replacing a
// short link with the URL it redirects to.
func (r *Resolver) Resolve(ctx context.Context, input string) (domain.ContentID, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("%w: empty input", domain.ErrNotFound)
	}

	target := input
	if raw, link, ok := r.findShortLink(input); ok {
		expanded, err := r.expand(ctx, link)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", domain.ErrResolution, link, err)
		}
		r.logger.Debug("Expanded short link",
			zap.String("short_link", link),
			zap.String("url", expanded))
		target = strings.Replace(input, raw, expanded, 1)
	}

	id, ok := domain.FindContentID(target)
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrNotFound, input)
	}
	return id, nil
}

// findShortLink returns the first short link in input as written and as a
// fetchable URL carrying a scheme.
func (r *Resolver) findShortLink(input string) (raw, link string, ok bool) {
	for _, field := range strings.Fields(input) {
		for _, host := range r.shortLinkHosts {
			if host == "" {
				continue
			}
			idx := strings.Index(field, host)
			if idx < 0 {
				continue
			}
			if scheme := strings.Index(field, "http"); scheme >= 0 && scheme < idx {
				return field[scheme:], field[scheme:], true
			}
			return field[idx:], "https://" + field[idx:], true
		}
	}
	return "", "", false
}

// expand issues a HEAD request and returns the final URL after redirects
func (r *Resolver) expand(ctx context.Context, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
	if err != nil {
		return "", err
	}
	for key, values := range r.headers {
		req.Header[key] = append([]string(nil), values...)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	return resp.Request.URL.String(), nil
}
