package hub

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned for tokens that do not resolve to a client.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is an authenticated client.
type Identity struct {
	ClientID string
	UserID   string
	GuestID  string
}

// Authenticator resolves a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// StaticAuthenticator maps known tokens to client IDs. With an empty map
// every token is accepted as its own client ID. Tokens that are UUIDs
// identify guests; anything else identifies a user.
type StaticAuthenticator map[string]string

// Authenticate implements Authenticator.
func (a StaticAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	clientID := token
	if len(a) > 0 {
		id, ok := a[token]
		if !ok {
			return Identity{}, ErrUnauthorized
		}
		clientID = id
	}

	if uuid.Validate(token) == nil {
		return Identity{ClientID: clientID, GuestID: clientID}, nil
	}
	return Identity{ClientID: clientID, UserID: clientID}, nil
}
