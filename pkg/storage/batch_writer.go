package storage

import (
	"context"
	"sync"
	"time"
)

// BatchWriter buffers audit records and writes them in one transaction
// when maxSize records are pending or maxWait has passed since the first.
// It is safe for concurrent use.
type BatchWriter struct {
	store   *Store
	batch   []*AuditRecord
	maxSize int
	maxWait time.Duration
	onError func(error)
	mu      sync.Mutex
	timer   *time.Timer
	closed  bool
	flushed int
}

// NewBatchWriter creates a batch writer. onError receives failures from
// timer-driven flushes and may be nil.
func (s *Store) NewBatchWriter(maxSize int, maxWait time.Duration, onError func(error)) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond
	}
	return &BatchWriter{
		store:   s,
		batch:   make([]*AuditRecord, 0, maxSize),
		maxSize: maxSize,
		maxWait: maxWait,
		onError: onError,
	}
}

// SaveAudit queues r. A full batch is written before returning.
func (bw *BatchWriter) SaveAudit(ctx context.Context, r *AuditRecord) error {
	if err := validateAudit(r); err != nil {
		return err
	}
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return ErrStoreClosed
	}

	bw.batch = append(bw.batch, r)
	if len(bw.batch) >= bw.maxSize {
		return bw.flushLocked(ctx)
	}
	if len(bw.batch) == 1 {
		bw.startTimer()
	}
	return nil
}

// Flush writes pending records.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

// Close flushes pending records and rejects further writes.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.closed {
		return nil
	}
	bw.closed = true
	return bw.flushLocked(context.Background())
}

// flushLocked must be called with mu held.
func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if bw.timer != nil {
		bw.timer.Stop()
		bw.timer = nil
	}
	if len(bw.batch) == 0 {
		return nil
	}
	batch := bw.batch
	bw.batch = make([]*AuditRecord, 0, bw.maxSize)
	if err := bw.store.SaveAuditBatch(ctx, batch); err != nil {
		return err
	}
	bw.flushed += len(batch)
	return nil
}

// startTimer must be called with mu held.
func (bw *BatchWriter) startTimer() {
	bw.timer = time.AfterFunc(bw.maxWait, func() {
		bw.mu.Lock()
		err := bw.flushLocked(context.Background())
		bw.mu.Unlock()
		if err != nil && bw.onError != nil {
			bw.onError(err)
		}
	})
}

// Pending returns the number of queued records.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.batch)
}

// Flushed returns the number of records written so far.
func (bw *BatchWriter) Flushed() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushed
}
