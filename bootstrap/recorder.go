package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiancrm/gatekeep/adapters/metrics"
	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// LocalUsageRecorder buffers usage records and writes them in batches
// to the store. Recording never blocks the response path; a failed
// flush is logged and counted, never propagated to the request.
type LocalUsageRecorder struct {
	store         ports.UsageStore
	logger        zerolog.Logger
	metrics       *metrics.Collector
	buffer        []usage.Record
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once
}

// NewLocalUsageRecorder creates a new local usage recorder.
func NewLocalUsageRecorder(store ports.UsageStore, logger zerolog.Logger, m *metrics.Collector, batchSize int, flushInterval time.Duration) *LocalUsageRecorder {
	if batchSize == 0 {
		batchSize = 100
	}
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	r := &LocalUsageRecorder{
		store:         store,
		logger:        logger,
		metrics:       m,
		buffer:        make([]usage.Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(1)
	go r.flushLoop()

	return r
}

// Record queues a usage record for processing.
func (r *LocalUsageRecorder) Record(rec usage.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, rec)

	if len(r.buffer) >= r.batchSize {
		r.flushLocked()
	}
}

// Flush forces immediate processing of queued records.
func (r *LocalUsageRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	records := r.takeLocked()
	r.mu.Unlock()

	return r.write(ctx, records)
}

func (r *LocalUsageRecorder) takeLocked() []usage.Record {
	if len(r.buffer) == 0 {
		return nil
	}
	records := make([]usage.Record, len(r.buffer))
	copy(records, r.buffer)
	r.buffer = r.buffer[:0]
	return records
}

func (r *LocalUsageRecorder) flushLocked() {
	records := r.takeLocked()
	if records == nil {
		return
	}

	// Write in background to not block the caller
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.write(ctx, records)
	}()
}

func (r *LocalUsageRecorder) write(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	if err := r.store.InsertBatch(ctx, records); err != nil {
		r.logger.Error().Err(err).Int("count", len(records)).Msg("usage batch write failed")
		if r.metrics != nil {
			r.metrics.FlushErrors.Inc()
		}
		return err
	}

	if r.metrics != nil {
		r.metrics.RecordsFlushed.Add(float64(len(records)))
	}
	return nil
}

func (r *LocalUsageRecorder) flushLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Flush(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// Close stops the recorder and flushes remaining records.
func (r *LocalUsageRecorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = r.Flush(ctx)
	})
	return err
}

// Ensure interface compliance.
var _ ports.UsageRecorder = (*LocalUsageRecorder)(nil)
