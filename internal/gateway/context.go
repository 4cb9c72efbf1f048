package gateway

import (
	"context"
	"crypto/subtle"
	"time"
)

type contextKey string

const ownerUserIDContextKey contextKey = "owner_user_id"

func withOwnerUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ownerUserIDContextKey, userID)
}

func ownerUserIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ownerUserIDContextKey).(string)
	return v, ok
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
