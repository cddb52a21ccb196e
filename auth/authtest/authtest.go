// Package authtest provides a no-op auth.Authenticator for tests and
// local development, standing in for a real OIDC-backed authenticator so
// callers can exercise authenticated code paths without a token issuer.
package authtest

import (
	"context"

	"github.com/ggoodman/plexusd/auth"
)

// NoAuth is a test authenticator that treats every token as valid,
// always resolving to the same user identity.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication implements auth.Authenticator, accepting any token.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return &noAuthUserInfo{userID: n.UserID}, nil
}

var _ auth.Authenticator = (*NoAuth)(nil)

// noAuthUserInfo provides user info for the NoAuth authenticator.
type noAuthUserInfo struct {
	userID string
}

func (n *noAuthUserInfo) UserID() string { return n.userID }

func (n *noAuthUserInfo) Claims(ref any) error {
	return nil
}
