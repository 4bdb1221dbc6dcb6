package db

import (
	"context"
	"testing"
	"time"

	"burnbin/pkg/domain"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	b := &breaker{now: func() time.Time { return now }}
	boom := errors.New("disk I/O error")

	for i := 0; i < maxFailures-1; i++ {
		b.recordError(boom)
		assert.NoError(t, b.checkCircuit())
	}
	b.recordError(boom)
	assert.ErrorIs(t, b.checkCircuit(), ErrCircuitOpen)

	now = now.Add(cooldownSeconds * time.Second)
	assert.NoError(t, b.checkCircuit(), "half-open probe should pass")

	b.recordError(boom)
	assert.ErrorIs(t, b.checkCircuit(), ErrCircuitOpen, "failed probe reopens")

	now = now.Add(cooldownSeconds * time.Second)
	assert.NoError(t, b.checkCircuit())
	b.recordError(nil)
	assert.NoError(t, b.checkCircuit())
}

func TestBreakerIgnoresMisses(t *testing.T) {
	b := &breaker{}
	for i := 0; i < maxFailures*2; i++ {
		b.recordError(domain.ErrPasteNotFound)
		b.recordError(context.Canceled)
		b.recordError(errors.Wrap(context.DeadlineExceeded, "query"))
	}
	assert.NoError(t, b.checkCircuit())
}
