package topic

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/encoding"
	"github.com/maxpert/retopic/hlc"
	"github.com/maxpert/retopic/id"
	"github.com/maxpert/retopic/ring"
)

// resolvedConfigCacheSize bounds the per-name config resolution cache.
const resolvedConfigCacheSize = 1024

// Client is the public entry point: it hands out one Topic per name,
// resolving the name's configuration once and wiring the configured ring
// backend underneath. Safe for concurrent use.
type Client struct {
	topics   *xsync.MapOf[string, *Topic]
	resolved *lru.Cache[string, cfg.TopicConfiguration]
	clock    *hlc.Clock
	ids      id.Generator
	address  string

	mu       sync.Mutex // guards lazy backend init and Close
	pebble   *ring.PebbleStore
	natsConn *nats.Conn
	closed   bool
}

// NewClient builds a client from the loaded global configuration.
func NewClient() (*Client, error) {
	resolved, err := lru.New[string, cfg.TopicConfiguration](resolvedConfigCacheSize)
	if err != nil {
		return nil, err
	}

	clock := hlc.NewClock(cfg.Config.NodeID)
	return &Client{
		topics:   xsync.NewMapOf[string, *Topic](),
		resolved: resolved,
		clock:    clock,
		ids:      id.NewHLCGenerator(clock),
		address:  cfg.Config.PublisherAddress,
	}, nil
}

// GetTopic returns the topic for the given name, creating it on first use.
// Repeated calls with the same name return the same instance.
func (c *Client) GetTopic(name string) (*Topic, error) {
	if name == "" {
		return nil, errEmptyName
	}
	if t, ok := c.topics.Load(name); ok {
		return t, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrTopicClosed
	}
	if t, ok := c.topics.Load(name); ok {
		return t, nil
	}

	tc := c.resolveConfig(name)
	t, err := c.buildTopic(name, tc)
	if err != nil {
		return nil, err
	}
	c.topics.Store(name, t)

	log.Info().
		Str("topic", name).
		Str("backend", tc.Backend).
		Str("policy", tc.OverloadPolicy).
		Int64("capacity", tc.Capacity).
		Msg("Created topic")
	return t, nil
}

// resolveConfig resolves and caches the effective configuration for a
// topic name. Resolution happens once per name; the result is immutable.
func (c *Client) resolveConfig(name string) cfg.TopicConfiguration {
	if tc, ok := c.resolved.Get(name); ok {
		return tc
	}
	tc := cfg.ResolveTopic(name)
	c.resolved.Add(name, tc)
	return tc
}

func (c *Client) buildTopic(name string, tc cfg.TopicConfiguration) (*Topic, error) {
	rb, err := c.buildRing(name, tc)
	if err != nil {
		return nil, fmt.Errorf("failed to build ring for topic %q: %w", name, err)
	}

	policy, err := ParseOverloadPolicy(tc.OverloadPolicy)
	if err != nil {
		return nil, err
	}
	compression, err := encoding.ParseCompression(tc.Compression)
	if err != nil {
		return nil, err
	}

	return NewTopic(Options{
		Name:               name,
		Ring:               rb,
		Policy:             policy,
		ReadBatchSize:      tc.ReadBatchSize,
		LossTolerant:       tc.LossTolerant,
		Compression:        compression,
		PublisherAddress:   c.address,
		BlockRetryInterval: durationMS(tc.BlockRetryIntervalMS, DefaultBlockRetryInterval),
		BlockWaitBudget:    blockBudget(tc.BlockWaitBudgetMS),
		PollInterval:       durationMS(tc.PollIntervalMS, DefaultPollInterval),
		ReadRetryInitial:   durationMS(tc.ReadRetryInitialMS, DefaultReadRetryInitial),
		ReadRetryMax:       durationMS(tc.ReadRetryMaxMS, DefaultReadRetryMax),
		ReadMaxRetries:     tc.ReadMaxRetries,
		Clock:              c.clock,
		IDs:                c.ids,
	})
}

// blockBudget maps the config knob onto a duration: negative waits
// forever, zero falls back to the default.
func blockBudget(ms int) time.Duration {
	if ms < 0 {
		return -1
	}
	return durationMS(ms, DefaultBlockWaitBudget)
}

// buildRing creates the configured backend. Pebble rings share one store
// under the data directory; NATS rings share one connection.
func (c *Client) buildRing(name string, tc cfg.TopicConfiguration) (ring.Ringbuffer, error) {
	ttl := time.Duration(tc.TTLSeconds) * time.Second

	switch tc.Backend {
	case "", cfg.BackendMemory:
		return ring.NewMemoryRing(tc.Capacity, ttl), nil

	case cfg.BackendPebble:
		if c.pebble == nil {
			store, err := ring.OpenPebbleStore(filepath.Join(cfg.Config.DataDir, "rings"))
			if err != nil {
				return nil, err
			}
			c.pebble = store
		}
		return c.pebble.Ring(name, tc.Capacity, ttl)

	case cfg.BackendNATS:
		if c.natsConn == nil {
			if cfg.Config.NATS.URL == "" {
				return nil, fmt.Errorf("topic %q uses the nats backend but nats.url is not configured", name)
			}
			nc, err := nats.Connect(cfg.Config.NATS.URL,
				nats.RetryOnFailedConnect(true),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(time.Second),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to NATS: %w", err)
			}
			c.natsConn = nc
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ring.NewNatsRing(ctx, c.natsConn, ring.NatsRingOptions{
			Name:     name,
			Capacity: tc.Capacity,
			TTL:      ttl,
		})

	default:
		return nil, fmt.Errorf("unknown ring backend %q", tc.Backend)
	}
}

// Topics snapshots the live topics.
func (c *Client) Topics() []*Topic {
	out := make([]*Topic, 0, c.topics.Size())
	c.topics.Range(func(_ string, t *Topic) bool {
		out = append(out, t)
		return true
	})
	return out
}

// Topic returns an already-created topic without creating one.
func (c *Client) Topic(name string) (*Topic, bool) {
	return c.topics.Load(name)
}

// Close shuts down every topic (cancelling all runners) and releases the
// shared ring backends.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrTopicClosed
	}
	c.closed = true

	for _, t := range c.Topics() {
		if err := t.Close(); err != nil && err != ErrTopicClosed {
			log.Warn().Err(err).Str("topic", t.Name()).Msg("Failed to close topic")
		}
		c.topics.Delete(t.Name())
	}

	var err error
	if c.pebble != nil {
		err = c.pebble.Close()
		c.pebble = nil
	}
	if c.natsConn != nil {
		c.natsConn.Close()
		c.natsConn = nil
	}

	log.Info().Msg("Topic client closed")
	return err
}
