package bluesky

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// refreshMargin is how close to the access JWT's exp claim we get before
// refreshing instead of risking a 401 mid-call.
const refreshMargin = time.Minute

type session struct {
	did          string
	handle       string
	accessExpiry time.Time
}

// Login creates a session and keeps the tokens on the underlying xrpc
// client. Only the publishing tools need this; the classifier reads public
// records unauthenticated.
func (c *Client) Login(ctx context.Context, handle, password string) error {
	out, err := atproto.ServerCreateSession(ctx, c.xrpc, &atproto.ServerCreateSession_Input{
		Identifier: handle,
		Password:   password,
	})
	if err != nil {
		return fmt.Errorf("creating session for %s: %w", handle, err)
	}

	exp, err := tokenExpiration(out.AccessJwt)
	if err != nil {
		return err
	}

	c.xrpc.Auth = &xrpc.AuthInfo{
		AccessJwt:  out.AccessJwt,
		RefreshJwt: out.RefreshJwt,
		Did:        out.Did,
		Handle:     out.Handle,
	}
	c.session = &session{
		did:          out.Did,
		handle:       out.Handle,
		accessExpiry: exp,
	}
	return nil
}

// Did returns the did of the logged-in account, empty when unauthenticated.
func (c *Client) Did() string {
	if c.session == nil {
		return ""
	}
	return c.session.did
}

// refreshIfStale refreshes the access token when it is about to expire.
// Unauthenticated clients pass straight through.
func (c *Client) refreshIfStale(ctx context.Context) error {
	if c.session == nil {
		return nil
	}
	if time.Until(c.session.accessExpiry) > refreshMargin {
		return nil
	}

	// refreshSession authenticates with the refresh token, so swap it in
	// for the duration of the call.
	accessJwt := c.xrpc.Auth.AccessJwt
	c.xrpc.Auth.AccessJwt = c.xrpc.Auth.RefreshJwt

	out, err := atproto.ServerRefreshSession(ctx, c.xrpc)
	if err != nil {
		c.xrpc.Auth.AccessJwt = accessJwt
		return fmt.Errorf("refreshing session: %w", err)
	}

	exp, err := tokenExpiration(out.AccessJwt)
	if err != nil {
		return err
	}

	c.xrpc.Auth.AccessJwt = out.AccessJwt
	c.xrpc.Auth.RefreshJwt = out.RefreshJwt
	c.session.accessExpiry = exp
	return nil
}

// tokenExpiration pulls the exp claim out of an unverified JWT. The token
// came to us over TLS from the issuer; we only need the timestamp.
func tokenExpiration(token string) (time.Time, error) {
	tok, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing access token: %w", err)
	}
	return tok.Expiration(), nil
}
