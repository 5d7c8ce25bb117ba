package requestctx

import (
	"context"

	"github.com/nimbleworks/chat_gateway/internal/tier"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the Identity.
var Key contextKey = "chat-gateway/requestctx"

// Identity captures the resolved caller for admission and recording.
// Authenticated callers are keyed by user id; anonymous callers fall
// back to the client IP and the FREE tier.
type Identity struct {
	UserID        string
	ClientIP      string
	Tier          tier.Tier
	Authenticated bool
}

// Key returns the admission/idempotency subject key for the caller.
func (id Identity) Key() string {
	if id.Authenticated && id.UserID != "" {
		return id.UserID
	}
	if id.ClientIP != "" {
		return "ip:" + id.ClientIP
	}
	return "anonymous"
}

// Anonymous builds the identity used for unauthenticated callers.
func Anonymous(clientIP string) Identity {
	return Identity{ClientIP: clientIP, Tier: tier.Free}
}

// Authenticated builds the identity for a resolved user profile. The
// raw tier value is constrained to the known enum.
func Authenticated(userID, rawTier string) Identity {
	return Identity{
		UserID:        userID,
		Tier:          tier.Parse(rawTier),
		Authenticated: true,
	}
}

// WithContext embeds the identity into the parent context.
func WithContext(parent context.Context, id Identity) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, id)
}

// FromContext retrieves the identity if present.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(Key).(Identity)
	return id, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for identity storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
