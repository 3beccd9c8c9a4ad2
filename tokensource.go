package goSession

import (
	"context"

	"golang.org/x/oauth2"
)

// TokenSource exposes the current access token to code built on golang.org/x/oauth2,
// e.g. oauth2.NewClient for a second API sharing the session. It never refreshes: a
// rejected token is renewed the next time a request goes through Do.
func (c *Client) TokenSource() oauth2.TokenSource {
	return sessionTokenSource{c: c}
}

type sessionTokenSource struct {
	c *Client
}

func (s sessionTokenSource) Token() (*oauth2.Token, error) {
	if err := s.c.ready(); err != nil {
		return nil, err
	}
	creds, ok := s.c.store.Load(context.Background())
	if !ok || creds.AccessToken == "" {
		return nil, ErrNotAuthenticated
	}
	return &oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}, nil
}
