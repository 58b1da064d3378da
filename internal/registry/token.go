package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"dimona/internal/registry/tokencache"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// TokenCache stores bearer tokens per named client.
type TokenCache interface {
	Get(ctx context.Context, key string) (tokencache.Token, bool, error)
	Set(ctx context.Context, key string, token tokencache.Token) error
	Delete(ctx context.Context, key string) error
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// tokenSource hands out cached bearer tokens and coalesces concurrent
// refreshes of the same client.
type tokenSource struct {
	httpClient *http.Client
	tokenURL   string
	audience   string
	skew       time.Duration
	cache      TokenCache
	group      singleflight.Group
	now        func() time.Time
	logger     *slog.Logger
	metrics    *Metrics
}

func cacheKey(c Credentials) string {
	return c.Name + ":" + c.ClientID
}

// Token returns a usable bearer token for c, fetching one when the cached
// token is missing or within skew of expiry.
func (s *tokenSource) Token(ctx context.Context, c Credentials) (string, error) {
	key := cacheKey(c)
	if tok, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.WarnContext(ctx, "token cache read failed", "client", c.Name, "error", err)
	} else if ok && tok.Usable(s.now(), s.skew) {
		return tok.AccessToken, nil
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		// another caller may have refreshed while we waited
		if tok, ok, err := s.cache.Get(ctx, key); err == nil && ok && tok.Usable(s.now(), s.skew) {
			return tok.AccessToken, nil
		}
		// the refresh serves every waiter, so one caller's cancellation must not
		// abort it; the http client timeout still bounds it
		tok, err := s.fetch(context.WithoutCancel(ctx), c)
		if err != nil {
			return "", err
		}
		if err := s.cache.Set(ctx, key, tok); err != nil {
			s.logger.WarnContext(ctx, "token cache write failed", "client", c.Name, "error", err)
		}
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token of c.
func (s *tokenSource) Invalidate(ctx context.Context, c Credentials) {
	if err := s.cache.Delete(ctx, cacheKey(c)); err != nil {
		s.logger.WarnContext(ctx, "token cache delete failed", "client", c.Name, "error", err)
	}
}

func (s *tokenSource) fetch(ctx context.Context, c Credentials) (tokencache.Token, error) {
	now := s.now()
	assertion, err := signAssertion(c, s.audience, now)
	if err != nil {
		return tokencache.Token{}, NewError(CategoryClientNotConfigured, c.Name, "sign client assertion", err)
	}

	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_id":             {c.ClientID},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return tokencache.Token{}, NewError(CategoryClientNotConfigured, c.Name, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.metrics.observeTokenFetch(c.Name, "transport_error")
		return tokencache.Token{}, NewError(CategoryServiceUnavailable, c.Name, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		s.metrics.observeTokenFetch(c.Name, "transport_error")
		return tokencache.Token{}, NewError(CategoryServiceUnavailable, c.Name, "read token response", err)
	}

	switch {
	case resp.StatusCode >= 500:
		s.metrics.observeTokenFetch(c.Name, "server_error")
		return tokencache.Token{}, NewError(CategoryServiceUnavailable, c.Name,
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		s.metrics.observeTokenFetch(c.Name, "rejected")
		return tokencache.Token{}, NewError(CategoryUnauthorized, c.Name,
			fmt.Sprintf("token endpoint rejected client assertion with %d", resp.StatusCode), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" || tr.ExpiresIn <= 0 {
		s.metrics.observeTokenFetch(c.Name, "invalid_response")
		return tokencache.Token{}, NewError(CategoryInvalidResponse, c.Name, "token response lacks access_token or expires_in", err)
	}
	s.metrics.observeTokenFetch(c.Name, "ok")
	return tokencache.Token{
		AccessToken: tr.AccessToken,
		ExpiresAt:   now.Add(time.Duration(tr.ExpiresIn) * time.Second),
	}, nil
}
