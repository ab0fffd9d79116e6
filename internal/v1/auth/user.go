// Package auth verifies bearer tokens presented at the WebSocket
// handshake and yields the authenticated identity attached to every
// connection for its lifetime.
package auth

import "github.com/medatlas/collab-gateway/internal/v1/protocol"

// AuthenticatedUser is the identity extracted from a verified token.
// It is immutable for the lifetime of the connection.
type AuthenticatedUser struct {
	UserID    string
	Username  string
	FirstName string
	LastName  string
	Email     string
	Roles     []string
}

// Info converts the identity into its wire representation.
func (u *AuthenticatedUser) Info() protocol.UserInfo {
	return protocol.UserInfo{
		UserID:    u.UserID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Email:     u.Email,
		Roles:     u.Roles,
	}
}

// TokenVerifier is the port the transport layer depends on. The claims
// decoder implements it for deployments where the identity provider sits
// behind the gateway's ingress; the JWKS verifier implements it with full
// signature checking.
type TokenVerifier interface {
	Verify(token string) (*AuthenticatedUser, error)
}
