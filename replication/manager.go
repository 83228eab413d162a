package replication

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/telemetry"
	"github.com/rs/zerolog/log"
)

// ManagerConfig configures cross-cluster replication for one broker
type ManagerConfig struct {
	LocalCluster string
	Transport    Transport
	Applier      Applier
	Filter       Filter

	BatchSize       int
	PollInterval    time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
	RetryMultiplier float64
	RequestTimeout  time.Duration
}

// ManagerConfigFrom fills worker tuning from the replication section
func ManagerConfigFrom(local string, c cfg.ReplicationConfiguration) ManagerConfig {
	return ManagerConfig{
		LocalCluster:    local,
		BatchSize:       c.BatchSize,
		PollInterval:    time.Duration(c.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(c.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(c.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: c.RetryMultiplier,
		RequestTimeout:  time.Duration(c.RequestTimeoutS) * time.Second,
	}
}

type topicWorkers struct {
	log     Log
	workers map[string]*Worker
}

// Manager owns the transport, one worker per (topic, remote) and the inbound path
type Manager struct {
	config ManagerConfig

	mu      sync.Mutex
	topics  map[string]*topicWorkers
	running bool
}

// NewManager validates config. Nothing runs until Start.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.LocalCluster == "" {
		return nil, fmt.Errorf("local cluster is required")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.Applier == nil {
		return nil, fmt.Errorf("applier is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	return &Manager{
		config: config,
		topics: make(map[string]*topicWorkers),
	}, nil
}

// Start binds the inbound handler and starts every registered worker
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("replication manager already running")
	}
	if err := m.config.Transport.Start(m.handle); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	workers := 0
	for _, tw := range m.topics {
		for _, w := range tw.workers {
			w.Start()
			workers++
		}
	}
	m.running = true

	log.Info().
		Str("cluster", m.config.LocalCluster).
		Int("workers", workers).
		Msg("Replication manager started")
	return nil
}

// Stop stops every worker and closes the transport
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	for _, tw := range m.topics {
		for _, w := range tw.workers {
			w.Stop()
		}
	}
	if err := m.config.Transport.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close replication transport")
	}
	log.Info().Msg("Replication manager stopped")
}

// Replicates reports whether topic matches the replicated-topic patterns
func (m *Manager) Replicates(topic string) bool {
	return m.config.Filter.Match(topic)
}

// AddTopic starts shipping l to remotes. Topics outside the filter are ignored.
func (m *Manager) AddTopic(l Log, remotes []string) error {
	if !m.Replicates(l.Topic()) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.topics[l.Topic()]; exists {
		return nil
	}

	tw := &topicWorkers{log: l, workers: make(map[string]*Worker)}
	m.topics[l.Topic()] = tw
	return m.syncWorkersLocked(tw, remotes)
}

// SetRemotes adjusts the remotes a topic ships to. A removed remote loses its
// cursor so it stops holding back log trimming; re-adding it ships whatever
// the log still holds and the remote drops what it already applied.
func (m *Manager) SetRemotes(topic string, remotes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tw, ok := m.topics[topic]
	if !ok {
		return nil
	}
	return m.syncWorkersLocked(tw, remotes)
}

func (m *Manager) syncWorkersLocked(tw *topicWorkers, remotes []string) error {
	for remote, w := range tw.workers {
		if !slices.Contains(remotes, remote) {
			w.Stop()
			delete(tw.workers, remote)
		}
	}

	// Covers cursors left behind by remotes dropped before a restart too
	for name := range tw.log.Cursors() {
		remote, ok := strings.CutPrefix(name, cursorPrefix)
		if !ok || (remote != m.config.LocalCluster && slices.Contains(remotes, remote)) {
			continue
		}
		if err := tw.log.DeleteCursor(name); err != nil {
			return fmt.Errorf("failed to drop cursor of %s: %w", remote, err)
		}
		log.Info().
			Str("topic", tw.log.Topic()).
			Str("remote", remote).
			Msg("Dropped replication cursor of removed remote")
	}

	for _, remote := range remotes {
		if _, exists := tw.workers[remote]; exists || remote == m.config.LocalCluster {
			continue
		}
		w, err := NewWorker(WorkerConfig{
			LocalCluster:    m.config.LocalCluster,
			Remote:          remote,
			Log:             tw.log,
			Transport:       m.config.Transport,
			BatchSize:       m.config.BatchSize,
			PollInterval:    m.config.PollInterval,
			RetryInitial:    m.config.RetryInitial,
			RetryMax:        m.config.RetryMax,
			RetryMultiplier: m.config.RetryMultiplier,
			RequestTimeout:  m.config.RequestTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create worker for %s: %w", remote, err)
		}
		tw.workers[remote] = w
		if m.running {
			w.Start()
		}
	}
	return nil
}

// RemoveTopic stops the topic's workers
func (m *Manager) RemoveTopic(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tw, ok := m.topics[topic]
	if !ok {
		return
	}
	for _, w := range tw.workers {
		w.Stop()
	}
	delete(m.topics, topic)
}

// Backlog sums unshipped entries per remote across topics
func (m *Manager) Backlog() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int)
	for _, tw := range m.topics {
		for remote, w := range tw.workers {
			out[remote] += w.Backlog()
		}
	}
	return out
}

// Remotes returns the remotes a topic currently ships to, sorted
func (m *Manager) Remotes(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	tw, ok := m.topics[topic]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(tw.workers))
	for remote := range tw.workers {
		out = append(out, remote)
	}
	slices.Sort(out)
	return out
}

// handle applies an inbound batch. Any apply error fails the whole batch so
// the transport redelivers it; entries already applied are dropped then.
func (m *Manager) handle(ctx context.Context, batch Batch) error {
	if batch.Target != "" && batch.Target != m.config.LocalCluster {
		log.Warn().
			Str("source", batch.Source).
			Str("target", batch.Target).
			Msg("Dropping batch addressed to another cluster")
		return nil
	}

	for _, env := range batch.Envelopes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if env.Origin == m.config.LocalCluster || !m.config.Filter.Match(env.Topic) {
			continue
		}

		applied, err := m.config.Applier.ApplyReplicated(env)
		if err != nil {
			log.Error().
				Err(err).
				Str("topic", env.Topic).
				Str("origin", env.Origin).
				Str("position", env.Position.String()).
				Msg("Failed to apply replicated entry")
			return err
		}
		if applied {
			telemetry.ReplicationEntriesTotal.With("received").Inc()
		} else {
			telemetry.ReplicationEntriesTotal.With("duplicate").Inc()
		}
	}
	return nil
}
