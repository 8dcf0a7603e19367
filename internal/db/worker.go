package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrWorkerClosed is returned by Do after Close.
var ErrWorkerClosed = errors.New("db: writer closed")

type TxFn func(ctx context.Context, tx *sql.Tx) error

const (
	jobQueued int32 = iota
	jobStarted
	jobAbandoned
)

type job struct {
	ctx   context.Context
	fn    TxFn
	ch    chan error
	state *atomic.Int32
}

// Worker runs write transactions one at a time on a single goroutine.
// Readers use the *sql.DB directly.
type Worker struct {
	db      *sql.DB
	dialect Dialect
	jobs    chan job
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewWorker(db *sql.DB, dialect Dialect) *Worker {
	w := &Worker{
		db:      db,
		dialect: dialect,
		jobs:    make(chan job, 256),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Dialect reports the SQL dialect of the underlying connection.
func (w *Worker) Dialect() Dialect { return w.dialect }

// Close drains queued jobs and stops the worker. Safe to call twice.
func (w *Worker) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

// Do runs fn inside a transaction on the writer goroutine. fn's error rolls
// the transaction back and is returned unchanged so callers can match
// sentinel errors.
//
// A caller whose context expires before the job starts gets ctx.Err() and the
// job is skipped. Once the job has started, Do waits for it and returns what
// the transaction actually did; the transaction is bound to ctx, so an
// expired context rolls it back rather than leaving the outcome unknown.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	j := job{ctx: ctx, fn: fn, ch: make(chan error, 1), state: new(atomic.Int32)}

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWorkerClosed
	}
	// Bail out if the caller's context expires while the buffer is full.
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case err := <-j.ch:
		return err
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobQueued, jobAbandoned) {
			return ctx.Err()
		}
		return <-j.ch
	}
}

func (w *Worker) loop() {
	defer close(w.done)

	for j := range w.jobs {
		if !j.state.CompareAndSwap(jobQueued, jobStarted) {
			continue
		}
		if err := j.ctx.Err(); err != nil {
			j.ch <- err
			continue
		}

		tx, err := w.db.BeginTx(j.ctx, nil)
		if err != nil {
			j.ch <- err
			continue
		}

		if err := j.fn(j.ctx, tx); err != nil {
			_ = tx.Rollback()
			j.ch <- err
			continue
		}

		j.ch <- tx.Commit()
	}
}
