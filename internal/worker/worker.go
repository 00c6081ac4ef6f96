package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/subledger/internal/chain"
	"github.com/wnt/subledger/internal/lending"
	"github.com/wnt/subledger/internal/logger"
	"github.com/wnt/subledger/internal/metrics"
	"github.com/wnt/subledger/internal/store"
)

const (
	idleWait  = time.Second
	errorWait = 5 * time.Second
)

// EventQueue is the ordered event source a worker consumes
type EventQueue interface {
	PopEvent(ctx context.Context, stream string) (*chain.Event, error)
	Requeue(ctx context.Context, stream string, ev chain.Event) error
	Ack(ctx context.Context, stream string, ev chain.Event) error
	Drop(ctx context.Context, stream string) error
}

// Dispatcher applies one event to the store
type Dispatcher interface {
	Dispatch(ctx context.Context, s store.Store, ev chain.Event) error
}

// Worker consumes a single stream in order
type Worker struct {
	id         string
	stream     string
	queue      EventQueue
	store      store.Store
	dispatcher Dispatcher
	logger     zerolog.Logger
	stopped    atomic.Bool
	lastBlock  atomic.Int64
	idleWait   time.Duration
	errorWait  time.Duration
}

// NewWorker creates a new worker instance
func NewWorker(id, stream string, q EventQueue, s store.Store, d Dispatcher, baseLogger zerolog.Logger) *Worker {
	return &Worker{
		id:         id,
		stream:     stream,
		queue:      q,
		store:      s,
		dispatcher: d,
		logger:     logger.WithStream(logger.WithWorker(baseLogger, id), stream),
		idleWait:   idleWait,
		errorWait:  errorWait,
	}
}

// ID returns the worker instance id
func (w *Worker) ID() string {
	return w.id
}

// LastBlock returns the block of the last committed event
func (w *Worker) LastBlock() int64 {
	return w.lastBlock.Load()
}

// Start begins the worker processing loop
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Msg("Starting worker")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Worker received shutdown signal")
			return ctx.Err()
		default:
		}

		if w.stopped.Load() {
			w.logger.Info().Msg("Worker stopped")
			return nil
		}

		processed, err := w.processNext(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			w.logger.Error().Err(err).Msg("Failed to process event")
			wait = w.errorWait
		case !processed:
			wait = w.idleWait
		}

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Stop signals the worker to stop after the current event
func (w *Worker) Stop() {
	w.stopped.Store(true)
	w.logger.Info().Msg("Worker stop signal received")
}

// processNext handles the earliest pending event. It reports false when the
// stream was empty.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	ev, err := w.queue.PopEvent(ctx, w.stream)
	if err != nil {
		return false, fmt.Errorf("failed to pop event from queue: %w", err)
	}
	if ev == nil {
		return false, nil
	}

	eventLogger := logger.WithEvent(w.logger, ev.Type, ev.ID(), ev.BlockNumber)
	startTime := time.Now()

	err = store.Atomically(ctx, w.store, func(s store.Store) error {
		return w.dispatcher.Dispatch(ctx, s, *ev)
	})
	duration := time.Since(startTime)
	metrics.RecordEventDuration(ev.Type, duration.Seconds())

	if err != nil {
		if permanent(err) {
			eventLogger.Error().Err(err).Msg("Dropping event that can never apply")
			metrics.RecordEventProcessed(ev.Type, "dropped")
			if dropErr := w.queue.Drop(ctx, w.stream); dropErr != nil {
				eventLogger.Error().Err(dropErr).Msg("Failed to clear dropped event")
			}
			return true, nil
		}

		metrics.RecordEventProcessed(ev.Type, "failed")
		// Requeue with a fresh context so shutdown does not lose the event
		requeueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if requeueErr := w.queue.Requeue(requeueCtx, w.stream, *ev); requeueErr != nil {
			eventLogger.Error().Err(requeueErr).Msg("Failed to requeue failed event")
		}
		return true, fmt.Errorf("event %s failed: %w", ev.ID(), err)
	}

	metrics.RecordEventProcessed(ev.Type, "success")
	w.lastBlock.Store(ev.BlockNumber)

	if err := w.queue.Ack(ctx, w.stream, *ev); err != nil {
		eventLogger.Warn().Err(err).Msg("Failed to record stream progress")
	}

	eventLogger.Debug().Dur("duration", duration).Msg("Event committed")
	return true, nil
}

// permanent reports errors no retry can fix
func permanent(err error) bool {
	return errors.Is(err, lending.ErrUnknownEvent) || errors.Is(err, chain.ErrBadParam)
}
