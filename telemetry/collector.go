package telemetry

import (
	"sync"
	"time"
)

// TopicStats is a point-in-time view of one topic
type TopicStats struct {
	Producers  int
	QueueDepth int
}

// StatsProvider lists loaded topics and their stats
type StatsProvider interface {
	TopicStats() map[string]TopicStats
}

// BacklogProvider reports replication backlog per remote cluster
type BacklogProvider interface {
	Backlog() map[string]int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	topics   StatsProvider
	backlog  BacklogProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector. backlog may be nil.
func NewMetricsCollector(topics StatsProvider, backlog BacklogProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		topics:   topics,
		backlog:  backlog,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.topics != nil {
		var producers, queued int
		stats := mc.topics.TopicStats()
		for _, s := range stats {
			producers += s.Producers
			queued += s.QueueDepth
		}

		ActiveTopics.Set(float64(len(stats)))
		ActiveProducers.Set(float64(producers))
		ProducerWaitQueue.Set(float64(queued))
	}

	if mc.backlog != nil {
		for remote, n := range mc.backlog.Backlog() {
			ReplicationBacklog.With(remote).Set(float64(n))
		}
	}
}
