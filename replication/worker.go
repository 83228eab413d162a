package replication

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/beacon/marker"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading entries per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 10 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Default deadline for one publish attempt
	DefaultRequestTimeout = 10 * time.Second
)

// WorkerConfig configures the shipper of one topic to one remote cluster
type WorkerConfig struct {
	LocalCluster    string
	Remote          string
	Log             Log
	Transport       Transport
	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	RequestTimeout  time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMultiplier <= 1 {
		c.RetryMultiplier = DefaultRetryMultiplier
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Worker polls a partition log and ships locally originated entries to one
// remote cluster. Entries that arrived from other clusters are never
// forwarded, and entries addressed elsewhere are skipped.
//
// Delivery is at-least-once: the cursor advances only after the transport
// acknowledged the batch, and receivers drop redelivered entries.
type Worker struct {
	config      WorkerConfig
	cursorName  string
	cursor      atomic.Pointer[marker.Position]
	stopCh      chan struct{}
	doneCh      chan struct{}
	cancel      context.CancelFunc
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

const cursorPrefix = "repl/"

// CursorName is the log cursor a worker for remote uses
func CursorName(remote string) string {
	return cursorPrefix + remote
}

// NewWorker creates a worker positioned at its persisted cursor
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Remote == "" {
		return nil, fmt.Errorf("remote cluster is required")
	}
	if config.LocalCluster == "" {
		return nil, fmt.Errorf("local cluster is required")
	}
	if config.Log == nil {
		return nil, fmt.Errorf("log is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	config.applyDefaults()

	w := &Worker{
		config:     config,
		cursorName: CursorName(config.Remote),
	}

	// Register the cursor up front so log cleanup keeps unshipped entries
	if !config.Log.HasCursor(w.cursorName) {
		if err := config.Log.AdvanceCursor(w.cursorName, marker.Earliest); err != nil {
			return nil, fmt.Errorf("failed to register cursor: %w", err)
		}
	}

	cursor, err := config.Log.GetCursor(w.cursorName)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	w.cursor.Store(&cursor)
	return w, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	log.Info().
		Str("topic", w.config.Log.Topic()).
		Str("remote", w.config.Remote).
		Str("cursor", w.Cursor().String()).
		Msg("Starting replication worker")

	go w.pollLoop(ctx)
}

// Stop stops the worker and waits for its goroutine
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	w.cancel()
	<-w.doneCh
	w.running.Store(false)

	log.Info().
		Str("topic", w.config.Log.Topic()).
		Str("remote", w.config.Remote).
		Msg("Replication worker stopped")
}

// Cursor returns the position of the last entry handled
func (w *Worker) Cursor() marker.Position {
	return *w.cursor.Load()
}

// Backlog estimates entries not yet handled. Across ledgers only the entries
// of the newest ledger are counted.
func (w *Worker) Backlog() int {
	last := w.config.Log.LastPosition()
	cursor := w.Cursor()
	if !last.After(cursor) {
		return 0
	}
	if last.Major == cursor.Major {
		return int(last.Minor - cursor.Minor)
	}
	return int(last.Minor + 1)
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if !w.step(ctx) {
			if !w.sleep(w.config.PollInterval) {
				return
			}
		}
	}
}

// step ships one batch. Returns false when there was nothing to do.
func (w *Worker) step(ctx context.Context) bool {
	entries, err := w.config.Log.ReadFrom(w.Cursor(), w.config.BatchSize)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", w.config.Log.Topic()).
			Str("remote", w.config.Remote).
			Msg("Failed to read partition log")
		return false
	}
	if len(entries) == 0 {
		return false
	}

	batch := w.collect(entries)
	if len(batch.Envelopes) > 0 {
		if err := w.publishWithRetry(ctx, batch); err != nil {
			return false
		}
	}

	last := entries[len(entries)-1].Position
	if err := w.config.Log.AdvanceCursor(w.cursorName, last); err != nil {
		log.Warn().
			Err(err).
			Str("topic", w.config.Log.Topic()).
			Str("remote", w.config.Remote).
			Msg("Failed to advance replication cursor - entries may be redelivered")
	}
	w.cursor.Store(&last)
	return true
}

func (w *Worker) collect(entries []markerlog.Entry) Batch {
	batch := Batch{
		Source: w.config.LocalCluster,
		Target: w.config.Remote,
	}
	for _, e := range entries {
		if e.Origin != w.config.LocalCluster || !e.ShouldReplicateTo(w.config.Remote) {
			continue
		}
		batch.Envelopes = append(batch.Envelopes, EnvelopeFromEntry(w.config.Log.Topic(), e))
	}
	return batch
}

// publishWithRetry retries with exponential backoff until the batch is
// acknowledged or the worker stops
func (w *Worker) publishWithRetry(ctx context.Context, batch Batch) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, w.config.RequestTimeout)
		err := w.config.Transport.Publish(attemptCtx, w.config.Remote, batch)
		cancel()

		if err == nil {
			telemetry.ReplicationBatchSeconds.Observe(time.Since(start).Seconds())
			telemetry.ReplicationEntriesTotal.With("sent").Add(float64(len(batch.Envelopes)))
			return nil
		}

		attempts++
		telemetry.ReplicationFailuresTotal.With(w.config.Remote).Inc()
		log.Warn().
			Err(err).
			Str("topic", w.config.Log.Topic()).
			Str("remote", w.config.Remote).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish batch, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep returns false if the worker was stopped while sleeping
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
