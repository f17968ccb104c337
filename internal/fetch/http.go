package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"meterwatch/pkg/logx"
)

// httpFetcher does a plain GET against a URL that serves the fragment
// directly. Useful with portals that render server-side, or with a
// local scraper proxy.
type httpFetcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger
}

// Cap response bodies; the fragment is a few hundred bytes.
const maxBodyBytes = 1 << 20

func newHTTPFetcher(cfg Config, log logx.Logger) (*httpFetcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("fetcher.url is required for http driver")
	}
	return &httpFetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

func (f *httpFetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if f.cfg.Credentials.Email != "" {
		req.SetBasicAuth(f.cfg.Credentials.Email, f.cfg.Credentials.Password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: http %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", fmt.Errorf("%w: http %d", ErrTransient, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrTransient, err)
	}
	out := strings.TrimSpace(string(b))
	if out == "" {
		return "", fmt.Errorf("%w: empty response body", ErrTransient)
	}
	return out, nil
}
