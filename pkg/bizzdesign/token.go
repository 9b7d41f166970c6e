package bizzdesign

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// defaultTokenLifetime applies when the token endpoint omits expires_in
const defaultTokenLifetime = 3600 * time.Second

// tokenSource caches one client-credentials token and refreshes it
// once less than margin remains before expiry.
type tokenSource struct {
	cfg    *clientcredentials.Config
	client *http.Client
	margin time.Duration
	now    func() time.Time

	mu    sync.Mutex
	token *oauth2.Token
	group singleflight.Group
}

func newTokenSource(tokenURL, clientID, clientSecret string, client *http.Client, margin time.Duration) *tokenSource {
	return &tokenSource{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		client: client,
		margin: margin,
		now:    time.Now,
	}
}

// Token returns a cached access token or fetches a new one
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	if tok := s.cached(); tok != "" {
		return tok, nil
	}

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		if tok := s.cached(); tok != "" {
			return tok, nil
		}
		return s.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *tokenSource) cached() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil || s.token.AccessToken == "" {
		return ""
	}
	if s.token.Expiry.Sub(s.now()) <= s.margin {
		return ""
	}
	return s.token.AccessToken
}

func (s *tokenSource) fetch(ctx context.Context) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.client)

	tok, err := s.cfg.Token(ctx)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			s.Invalidate()
			return "", &APIError{
				StatusCode: retrieveErr.Response.StatusCode,
				Message:    "token request rejected",
			}
		}
		return "", fmt.Errorf("failed to obtain token: %w", err)
	}

	if tok.Expiry.IsZero() {
		tok.Expiry = s.now().Add(defaultTokenLifetime)
	}

	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()

	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call re-authenticates
func (s *tokenSource) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}
