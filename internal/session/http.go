package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// HTTPProvider opens the public booking page to obtain the session cookie,
// then reads the CSRF token from {base}/configuration.
type HTTPProvider struct {
	SiteURL string
	BaseURL string
	Timeout time.Duration

	// Transport is used for tests; nil means http.DefaultTransport.
	Transport http.RoundTripper
}

func (p *HTTPProvider) Acquire(ctx context.Context) (Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return Session{}, err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	hc := &http.Client{Jar: jar, Timeout: timeout, Transport: p.Transport}

	if _, err := p.get(ctx, hc, p.SiteURL, ""); err != nil {
		return Session{}, fmt.Errorf("open site: %w", err)
	}

	siteURL, err := url.Parse(p.SiteURL)
	if err != nil {
		return Session{}, err
	}
	cookies := jar.Cookies(siteURL)
	if len(cookies) == 0 {
		return Session{}, fmt.Errorf("open site: no session cookie set")
	}

	body, err := p.get(ctx, hc, strings.TrimRight(p.BaseURL, "/")+"/configuration", p.SiteURL)
	if err != nil {
		return Session{}, fmt.Errorf("configuration: %w", err)
	}
	var conf struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &conf); err != nil {
		return Session{}, fmt.Errorf("configuration: %w", err)
	}
	if conf.Token == "" {
		return Session{}, fmt.Errorf("configuration: %w", errEmptyToken)
	}

	return Session{Token: conf.Token, Cookies: cookies, AcquiredAt: time.Now().UTC()}, nil
}

// Refresh starts over with an empty cookie jar.
func (p *HTTPProvider) Refresh(ctx context.Context) (Session, error) {
	return p.Acquire(ctx)
}

func (p *HTTPProvider) get(ctx context.Context, hc *http.Client, rawURL, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/html")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	res, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("status=%d", res.StatusCode)
	}
	return b, nil
}
