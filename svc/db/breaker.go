package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"burnbin/pkg/domain"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

// breaker trips after maxFailures consecutive store errors and lets a single
// probe through once the cooldown has passed. Misses and cancelled requests
// are not failures.
type breaker struct {
	failures      int32
	circuitState  int32
	circuitOpened int64
	now           func() time.Time
}

func (b *breaker) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

func (b *breaker) checkCircuit() error {
	switch atomic.LoadInt32(&b.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.circuitOpened)
		if b.clock().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&b.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, domain.ErrPasteNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&b.circuitState, circuitOpen)
		atomic.StoreInt64(&b.circuitOpened, b.clock().Unix())
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.circuitState) == circuitClosed {
		atomic.StoreInt32(&b.circuitState, circuitOpen)
		atomic.StoreInt64(&b.circuitOpened, b.clock().Unix())
	}
}
