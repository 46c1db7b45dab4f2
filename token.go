package unchain

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/matt-riley/unchain/internal/transport"
)

// TokenSupplier returns the bearer token sent with every API request. It is
// called once per request; an empty token omits the Authorization header.
type TokenSupplier = transport.TokenSupplier

// StaticToken always supplies token.
func StaticToken(token string) TokenSupplier {
	return func(context.Context) (string, error) { return token, nil }
}

// OAuth2Token supplies access tokens from src. Wrap src with
// [oauth2.ReuseTokenSource] to cache tokens between requests.
func OAuth2Token(src oauth2.TokenSource) TokenSupplier {
	return func(context.Context) (string, error) {
		token, err := src.Token()
		if err != nil {
			return "", fmt.Errorf("oauth2 token: %w", err)
		}
		return token.AccessToken, nil
	}
}

// ClientCredentials supplies tokens obtained with the OAuth2 client
// credentials grant. Tokens are cached until shortly before they expire.
func ClientCredentials(ctx context.Context, cfg clientcredentials.Config) TokenSupplier {
	return OAuth2Token(cfg.TokenSource(ctx))
}
