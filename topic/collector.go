package topic

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/telemetry"
)

// StatsCollector periodically samples every live topic and publishes ring
// size and runner lag gauges.
type StatsCollector struct {
	client   *Client
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStatsCollector creates a collector over the client's topics.
func NewStatsCollector(client *Client, interval time.Duration) *StatsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &StatsCollector{
		client:   client,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (sc *StatsCollector) Start() {
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop stops the collector.
func (sc *StatsCollector) Stop() {
	close(sc.stopCh)
	sc.wg.Wait()
}

func (sc *StatsCollector) collectLoop() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()

	for {
		select {
		case <-ticker.C:
			sc.collect()
		case <-sc.stopCh:
			return
		}
	}
}

func (sc *StatsCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, t := range sc.client.Topics() {
		stats, err := t.Stats(ctx)
		if err != nil {
			log.Debug().Err(err).Str("topic", t.Name()).Msg("Failed to collect topic stats")
			continue
		}
		telemetry.RingSize.With(t.Name()).Set(float64(stats.Size))

		var maxLag int64
		for _, li := range t.Listeners() {
			if lag := stats.TailSequence + 1 - li.Cursor; lag > maxLag {
				maxLag = lag
			}
		}
		telemetry.RunnerLag.With(t.Name()).Set(float64(maxLag))
	}
}
