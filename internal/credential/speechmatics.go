// Package credential issues short-lived Flow tokens from the Speechmatics
// management API.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultBaseURL = "https://mp.speechmatics.com"
	DefaultTTL     = time.Hour
	// Tokens are refreshed this long before their exp claim.
	expirySkew = 30 * time.Second
)

var ErrNoAPIKey = errors.New("credential: speechmatics api key missing")

type Provider struct {
	HTTPClient *http.Client
	APIKey     string
	BaseURL    string
	TTL        time.Duration

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]token
	now   func() time.Time
}

type token struct {
	value   string
	expires time.Time
}

type issueRequest struct {
	TTL int64 `json:"ttl"`
}

type issueResponse struct {
	KeyValue string `json:"key_value"`
}

func NewProvider(apiKey, baseURL string, ttl time.Duration) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Provider{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		TTL:        ttl,
		cache:      make(map[string]token),
		now:        time.Now,
	}
}

// Credential returns a token for purpose ("flow"), reusing a cached one until
// shortly before it expires. Concurrent callers share one request.
func (p *Provider) Credential(ctx context.Context, purpose string) (string, error) {
	if p.APIKey == "" {
		return "", ErrNoAPIKey
	}
	if tok, ok := p.cached(purpose); ok {
		return tok, nil
	}
	// The shared request outlives a cancelled caller; HTTPClient.Timeout
	// bounds it.
	shared := context.WithoutCancel(ctx)
	ch := p.group.DoChan(purpose, func() (any, error) {
		if tok, ok := p.cached(purpose); ok {
			return tok, nil
		}
		t, err := p.issue(shared, purpose)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.cache[purpose] = t
		p.mu.Unlock()
		return t.value, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Provider) cached(purpose string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.cache[purpose]
	if !ok || !p.now().Add(expirySkew).Before(t.expires) {
		return "", false
	}
	return t.value, true
}

func (p *Provider) issue(ctx context.Context, purpose string) (token, error) {
	endpoint := p.BaseURL + "/v1/api_keys?" + url.Values{"type": {purpose}}.Encode()
	reqBody, _ := json.Marshal(issueRequest{TTL: int64(p.TTL / time.Second)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return token{}, err
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("Content-Type", "application/json")

	issuedAt := p.now()
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return token{}, fmt.Errorf("credential: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return token{}, fmt.Errorf("credential: status=%d body=%s", resp.StatusCode, string(b))
	}
	var ir issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return token{}, fmt.Errorf("credential: decode response: %w", err)
	}
	if ir.KeyValue == "" {
		return token{}, fmt.Errorf("credential: empty key_value")
	}
	return token{value: ir.KeyValue, expires: expiry(ir.KeyValue, issuedAt.Add(p.TTL))}, nil
}

// expiry reads the exp claim without verifying the signature; the token is
// only ever passed back to the service that signed it.
func expiry(raw string, fallback time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
