// Package statbatch coalesces per-kill skill deltas into periodic batch
// writes, grounded on the teacher's internal/worker.Pool worker loop
// (ticker-driven flush on size-or-interval) applied here to
// PlayerRepository.UpdatePlayerStatsBatch instead of a ClickHouse insert
// batch (SPEC_FULL §11 — batch stat application).
package statbatch

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/openmohaa/telemetryd/internal/models"
)

// StatsUpdater is the narrow slice of repository.PlayerRepository the
// batcher needs.
type StatsUpdater interface {
	UpdatePlayerStatsBatch(ctx context.Context, updates []models.StatBatchUpdate) error
}

const (
	defaultBatchSize     = 200
	defaultFlushInterval = time.Second
)

// Config tunes batch size and flush cadence.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	return c
}

// Batcher accumulates skill deltas and flushes them to the repository in
// one batch call, either when BatchSize is reached or on every tick of
// FlushInterval, whichever comes first.
type Batcher struct {
	players StatsUpdater
	cfg     Config
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	pending map[int64]float64

	enqueue chan models.StatBatchUpdate
	done    chan struct{}

	flushed    prometheus.Counter
	flushSize  prometheus.Histogram
	flushFails prometheus.Counter
}

func NewBatcher(players StatsUpdater, cfg Config, logger *zap.Logger, reg prometheus.Registerer) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{
		players: players,
		cfg:     cfg,
		logger:  logger.Sugar(),
		pending: make(map[int64]float64),
		enqueue: make(chan models.StatBatchUpdate, cfg.BatchSize*4),
		done:    make(chan struct{}),
		flushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "telemetryd_statbatch_flushes_total",
			Help: "Total number of skill-delta batch flushes.",
		}),
		flushSize: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetryd_statbatch_flush_size",
			Help:    "Number of distinct players flushed per batch.",
			Buckets: prometheus.LinearBuckets(1, 20, 10),
		}),
		flushFails: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "telemetryd_statbatch_flush_failures_total",
			Help: "Total number of failed skill-delta batch flushes.",
		}),
	}
}

// Enqueue adds a skill delta for playerID. Deltas for the same player
// within one flush window are summed before the batch write.
func (b *Batcher) Enqueue(playerID int64, delta float64) {
	if delta == 0 {
		return
	}
	select {
	case b.enqueue <- models.StatBatchUpdate{PlayerID: playerID, SkillDelta: delta}:
	default:
		// queue saturated: fold directly into pending under the lock rather
		// than drop the delta.
		b.mu.Lock()
		b.pending[playerID] += delta
		b.mu.Unlock()
	}
}

// Run drains the enqueue channel until ctx is cancelled, flushing on
// BatchSize accumulation or every FlushInterval.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case u := <-b.enqueue:
			b.mu.Lock()
			b.pending[u.PlayerID] += u.SkillDelta
			size := len(b.pending)
			b.mu.Unlock()
			if size >= b.cfg.BatchSize {
				b.flush(ctx)
			}
		case <-ticker.C:
			b.flush(ctx)
		case <-ctx.Done():
			b.flush(context.Background())
			close(b.done)
			return
		}
	}
}

// Stop waits for a Run goroutine whose context has already been cancelled
// to finish its final flush.
func (b *Batcher) Stop() {
	<-b.done
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	updates := make([]models.StatBatchUpdate, 0, len(b.pending))
	for playerID, delta := range b.pending {
		updates = append(updates, models.StatBatchUpdate{PlayerID: playerID, SkillDelta: delta})
	}
	b.pending = make(map[int64]float64)
	b.mu.Unlock()

	if err := b.players.UpdatePlayerStatsBatch(ctx, updates); err != nil {
		b.logger.Warnw("skill-delta batch flush failed, retrying next tick", "batchSize", len(updates), "error", err)
		b.flushFails.Inc()
		// Fold the failed batch back into pending rather than drop it, so a
		// transient outage delays a player's skill update instead of losing
		// it outright.
		b.mu.Lock()
		for _, u := range updates {
			b.pending[u.PlayerID] += u.SkillDelta
		}
		b.mu.Unlock()
		return
	}
	b.flushed.Inc()
	b.flushSize.Observe(float64(len(updates)))
}
