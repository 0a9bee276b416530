// Package usage persists per-message audit records and hourly rollups off
// the response path. Recording is best-effort: failures are logged and
// dropped after a bounded number of attempts, never surfaced to the caller.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Visual-Hive/chatconnect-ai-backend/internal/models"
)

// Store is the durable side of the recorder, satisfied by *db.DB.
type Store interface {
	InsertUsageRecord(ctx context.Context, rec *models.UsageRecord) error
	UpsertUsageAggregate(ctx context.Context, agg *models.UsageAggregate) error
}

// Publisher emits usage events for downstream consumers (billing). Optional
// and best-effort.
type Publisher interface {
	Publish(ctx context.Context, rec *models.UsageRecord) error
}

const (
	queueSize    = 1000
	workerCount  = 4
	maxAttempts  = 3
	retryDelay   = 200 * time.Millisecond
	writeTimeout = 5 * time.Second
)

type Recorder struct {
	store     Store
	publisher Publisher
	log       *logrus.Logger

	queue        chan *models.UsageRecord
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

func NewRecorder(store Store, publisher Publisher, log *logrus.Logger) *Recorder {
	r := &Recorder{
		store:        store,
		publisher:    publisher,
		log:          log,
		queue:        make(chan *models.UsageRecord, queueSize),
		shutdownChan: make(chan struct{}),
	}

	for i := 0; i < workerCount; i++ {
		r.wg.Add(1)
		go r.worker()
	}

	return r
}

// Record enqueues a usage record without blocking. If the queue is full the
// record is dropped and counted in the logs; the response path is never the
// place to wait on accounting.
func (r *Recorder) Record(rec *models.UsageRecord) {
	select {
	case r.queue <- rec:
	default:
		r.log.WithFields(logrus.Fields{
			"tenant_id": rec.TenantID,
			"trace_id":  rec.TraceID,
		}).Warn("usage queue full, record dropped")
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	for {
		select {
		case rec := <-r.queue:
			r.process(rec)
		case <-r.shutdownChan:
			// Drain what is already queued before exiting.
			for {
				select {
				case rec := <-r.queue:
					r.process(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) process(rec *models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.withRetry(func() error { return r.store.InsertUsageRecord(ctx, rec) }); err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id": rec.TenantID,
			"trace_id":  rec.TraceID,
			"error":     err,
		}).Error("usage record dropped after retries")
		return
	}

	// Aggregates are derived; a failure here leaves raw records available
	// for reconciliation.
	agg := &models.UsageAggregate{
		TenantID:         rec.TenantID,
		Bucket:           rec.Timestamp.UTC().Truncate(time.Hour),
		MessageCount:     1,
		PromptTokens:     int64(rec.Usage.PromptTokens),
		CompletionTokens: int64(rec.Usage.CompletionTokens),
		CachedTokens:     int64(rec.Usage.CachedTokens),
	}
	if err := r.store.UpsertUsageAggregate(ctx, agg); err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id": rec.TenantID,
			"error":     err,
		}).Warn("usage aggregate update failed")
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, rec); err != nil {
			r.log.WithFields(logrus.Fields{
				"tenant_id": rec.TenantID,
				"error":     err,
			}).Warn("usage event publish failed")
		}
	}
}

func (r *Recorder) withRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < maxAttempts {
			time.Sleep(retryDelay * time.Duration(attempt))
		}
	}
	return err
}

// Close stops the workers after draining queued records.
func (r *Recorder) Close() {
	close(r.shutdownChan)
	r.wg.Wait()
}
