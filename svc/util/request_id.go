package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns "" outside of a request.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID keeps a well-formed id supplied by an upstream proxy and mints
// a fresh one otherwise.
func NewRequestID(upstream string) string {
	if upstream != "" {
		if id, err := uuid.Parse(upstream); err == nil {
			return id.String()
		}
	}
	return uuid.New().String()
}
