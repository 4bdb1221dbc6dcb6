// Package clock supplies the current time to the paste service. A request
// may carry its own clock in its context; the HTTP layer only installs one
// when test mode is enabled.
package clock

import (
	"context"
	"strconv"
	"time"
)

type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }

type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

type ctxKey struct{}

func WithClock(ctx context.Context, c Clock) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the request clock if one was installed, otherwise def.
func FromContext(ctx context.Context, def Clock) Clock {
	if c, ok := ctx.Value(ctxKey{}).(Clock); ok && c != nil {
		return c
	}
	if def == nil {
		return System{}
	}
	return def
}

// ParseMillis reads an epoch-milliseconds header value.
func ParseMillis(v string) (time.Time, bool) {
	if v == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
