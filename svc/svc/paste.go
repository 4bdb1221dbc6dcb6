package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"burnbin/cfg"
	"burnbin/metrics"
	"burnbin/pkg/clock"
	"burnbin/pkg/domain"
	"burnbin/svc/cache"
	"burnbin/svc/db"
	"burnbin/svc/util"

	"github.com/pkg/errors"
)

// ExhaustedSet shares view-exhaustion tombstones between instances,
// normally *db.Redis.
type ExhaustedSet interface {
	MarkExhausted(ctx context.Context, id string, ttl time.Duration) error
	IsExhausted(ctx context.Context, id string) (bool, error)
}

type Paste struct {
	store    db.Store
	tomb     *cache.Tombstones
	shared   ExhaustedSet
	clk      clock.Clock
	cfg      *cfg.Cfg
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

// NewPaste wires the service. shared may be nil; clk nil means the system
// clock.
func NewPaste(store db.Store, tomb *cache.Tombstones, shared ExhaustedSet, clk clock.Clock, c *cfg.Cfg) *Paste {
	if store == nil || tomb == nil || c == nil {
		panic("paste service: nil dependency (store, tombstones or cfg)")
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Paste{
		store:  store,
		tomb:   tomb,
		shared: shared,
		clk:    clk,
		cfg:    c,
	}
}

// Shutdown rejects new operations and waits for in-flight ones.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) now(ctx context.Context) time.Time {
	return clock.FromContext(ctx, p.clk).Now()
}

func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if err := params.Validate(p.cfg.MaxPasteSize); err != nil {
		return nil, err
	}
	id, err := util.GenID(ctx, p.store.Exists)
	if err != nil {
		return nil, errors.Wrap(err, "gen id")
	}
	now := p.now(ctx)
	paste := &domain.Paste{
		ID:        id,
		Content:   params.Content,
		CreatedAt: now,
		ExpiresAt: params.ExpiresAt(now),
		MaxViews:  params.MaxViews,
	}
	if err := p.store.Create(ctx, paste); err != nil {
		metrics.StoreErrors.WithLabelValues("create").Inc()
		return nil, errors.Wrap(err, "create paste")
	}
	metrics.PasteCreated.Inc()
	util.Debug().
		Str("id", id).
		Bool("ttl", params.TTLSeconds != nil).
		Bool("max_views", params.MaxViews != nil).
		Str("request_id", util.GetRequestID(ctx)).
		Msg("paste created")
	return paste, nil
}

// View serves one view of a paste, counting it against the view budget.
// Missing, malformed, expired and exhausted ids all give
// domain.ErrPasteNotFound.
func (p *Paste) View(ctx context.Context, id string) (*domain.Paste, error) {
	if p.shutdown.Load() {
		return nil, domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	if !domain.ValidID(id) {
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	if p.tomb.Has(ctx, id) {
		metrics.TombstoneHits.Inc()
		metrics.PasteNotFound.Inc()
		return nil, domain.ErrPasteNotFound
	}
	if p.shared != nil {
		gone, err := p.shared.IsExhausted(ctx, id)
		if err != nil {
			util.Warn().Err(err).Msg("shared tombstone lookup failed")
		} else if gone {
			p.tomb.Mark(id)
			metrics.TombstoneHits.Inc()
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
	}
	paste, err := p.store.Consume(ctx, id, p.now(ctx))
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			metrics.PasteNotFound.Inc()
			return nil, domain.ErrPasteNotFound
		}
		metrics.StoreErrors.WithLabelValues("consume").Inc()
		return nil, errors.Wrap(err, "consume paste")
	}
	if paste.Exhausted() {
		p.markExhausted(ctx, id)
	}
	return paste, nil
}

func (p *Paste) markExhausted(ctx context.Context, id string) {
	p.tomb.Mark(id)
	if p.shared == nil {
		return
	}
	if err := p.shared.MarkExhausted(ctx, id, p.cfg.TombstoneTTL); err != nil {
		util.Warn().Err(err).Str("id", id).Msg("failed to share tombstone")
	}
}

// Sweep deletes every paste that can no longer be served at now.
func Sweep(ctx context.Context, store db.Store, now time.Time) (int, error) {
	deleted, err := store.CleanupExpired(ctx, now)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("cleanup").Inc()
	}
	metrics.PruneCycles.Inc()
	metrics.PrunedPastes.Add(float64(deleted))
	return deleted, err
}

// StartCleaner sweeps every interval until ctx is done. The returned channel
// is closed once the loop has exited.
func StartCleaner(ctx context.Context, store db.Store, interval time.Duration, clk clock.Clock) (<-chan struct{}, error) {
	if interval <= 0 {
		return nil, errors.New("cleanup interval must be positive")
	}
	if clk == nil {
		clk = clock.System{}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		runCleaner(ctx, store, interval, clk)
	}()
	return done, nil
}

func runCleaner(ctx context.Context, store db.Store, interval time.Duration, clk clock.Clock) {
	cleanupRequestID := util.NewRequestID("")
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			deleted, err := Sweep(ctx, store, clk.Now())
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				util.Error().
					Err(err).
					Str("request_id", cleanupRequestID).
					Msg("cleanup failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", cleanupRequestID).
					Msg("cleanup completed")
			}
		}
	}
}
