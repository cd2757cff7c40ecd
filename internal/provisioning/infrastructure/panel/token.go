package panel

import (
	"context"
	"errors"
	"net/http"

	sharedDomain "github.com/felixgeelhaar/tunnelgate/internal/shared/domain"
	"golang.org/x/oauth2"
)

// accessToken returns a valid bearer token. stale names a token the panel
// just rejected; it is never handed out again. Concurrent refreshes collapse
// into one request.
func (c *Client) accessToken(ctx context.Context, stale string) (string, error) {
	if tok, ok := c.cachedToken(stale); ok {
		return tok, nil
	}

	v, err, _ := c.sf.Do("token", func() (any, error) {
		if tok, ok := c.cachedToken(stale); ok {
			return tok, nil
		}

		// Detached from the caller so one cancelled request does not fail
		// everyone waiting on the same refresh.
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, c.http)

		tok, err := c.oauth.PasswordCredentialsToken(refreshCtx, c.cfg.Username, c.cfg.Password)
		if err != nil {
			return "", classifyTokenError(err)
		}
		if tok.Expiry.IsZero() {
			tok.Expiry = c.now().Add(c.cfg.TokenTTL)
		}

		c.mu.Lock()
		c.token = tok
		c.mu.Unlock()

		c.logger.Debug("panel token refreshed", "expires_at", tok.Expiry)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedToken(stale string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || c.token.AccessToken == "" || c.token.AccessToken == stale {
		return "", false
	}
	if !c.now().Add(c.cfg.TokenSkew).Before(c.token.Expiry) {
		return "", false
	}
	return c.token.AccessToken, true
}

func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		switch re.Response.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest, http.StatusUnprocessableEntity:
			return sharedDomain.AuthError("panel token", err)
		}
	}
	return sharedDomain.TransportError("panel token", err)
}
