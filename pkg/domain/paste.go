package domain

import (
	"math"
	"strings"
	"time"
)

const (
	IDLength = 11
	// MaxTTLSeconds keeps now+ttl inside time.Duration.
	MaxTTLSeconds = math.MaxInt64 / int64(time.Second)
	MaxViewsLimit = math.MaxInt32
	idChars  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

type Paste struct {
	ID        string     `json:"id"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	MaxViews  *int       `json:"max_views"`
	ViewsUsed int        `json:"views_used"`
}

type CreateParams struct {
	Content    string
	TTLSeconds *int64
	MaxViews   *int
}

// Validate reports the first field that makes the request unacceptable.
// maxSize <= 0 disables the size check.
func (p CreateParams) Validate(maxSize int64) error {
	if strings.TrimSpace(p.Content) == "" {
		return ErrContentRequired
	}
	if maxSize > 0 && int64(len(p.Content)) > maxSize {
		return ErrPasteTooLarge
	}
	if p.TTLSeconds != nil && (*p.TTLSeconds < 1 || *p.TTLSeconds > MaxTTLSeconds) {
		return ErrInvalidTTL
	}
	if p.MaxViews != nil && (*p.MaxViews < 1 || *p.MaxViews > MaxViewsLimit) {
		return ErrInvalidMaxViews
	}
	return nil
}

// ExpiresAt returns nil when no ttl was requested.
func (p CreateParams) ExpiresAt(now time.Time) *time.Time {
	if p.TTLSeconds == nil {
		return nil
	}
	exp := now.Add(time.Duration(*p.TTLSeconds) * time.Second)
	return &exp
}

func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

func (p *Paste) Exhausted() bool {
	return p.MaxViews != nil && p.ViewsUsed >= *p.MaxViews
}

// Servable is the whole lifecycle policy: a paste may be shown at now only
// while it is neither expired nor out of views. Both transitions are one-way.
func (p *Paste) Servable(now time.Time) bool {
	return !p.Expired(now) && !p.Exhausted()
}

// RemainingViews is nil for unlimited pastes. Call it after the view has
// been counted.
func (p *Paste) RemainingViews() *int {
	if p.MaxViews == nil {
		return nil
	}
	left := *p.MaxViews - p.ViewsUsed
	if left < 0 {
		left = 0
	}
	return &left
}

// ValidID reports whether id could have been issued by GenID. Anything else
// is answered as not found without a store round trip.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if strings.IndexByte(idChars, id[i]) < 0 {
			return false
		}
	}
	return true
}
