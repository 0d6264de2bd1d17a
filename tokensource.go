package sessionguard

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"github.com/maqeelabbas/sessionguard/internal/output"
)

// TokenSource returns an oauth2.TokenSource backed by the session. Each
// Token call refreshes first when the session is due, so the source can
// feed oauth2.NewClient or any library that accepts one.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c}
}

type tokenSource struct {
	ctx    context.Context
	client *Client
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	store := s.client.store
	sess, err := store.Get(s.ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, output.ErrAuth("Not authenticated")
	}

	if store.Due(sess) {
		_, err := s.client.coord.RefreshFrom(s.ctx, sess.Token)
		if errors.Is(err, output.ErrUnauthorized) {
			return nil, err
		}
		if sess, err = store.Get(s.ctx); err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, output.ErrAuth("Not authenticated")
		}
	}

	return &oauth2.Token{
		AccessToken: sess.Token,
		TokenType:   "Bearer",
		Expiry:      sess.ExpiresAt,
	}, nil
}
