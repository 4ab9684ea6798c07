package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/retopic/cfg"
	"github.com/maxpert/retopic/ring"
	"github.com/maxpert/retopic/topic"
)

func newBridgeTopic(t *testing.T) *topic.Topic {
	t.Helper()
	tp, err := topic.NewTopic(topic.Options{
		Name: "bridge-source",
		Ring: ring.NewMemoryRing(100, 0),
	})
	require.NoError(t, err)
	t.Cleanup(func() { tp.Close() })
	return tp
}

func TestNewKafkaBridgeRequiresBrokers(t *testing.T) {
	_, err := NewKafkaBridge(cfg.BridgeConfiguration{
		Name:       "no-brokers",
		Topic:      "bridge-source",
		KafkaTopic: "out",
	}, newBridgeTopic(t))
	assert.Error(t, err)
}

func TestKafkaBridgeStartStop(t *testing.T) {
	tp := newBridgeTopic(t)

	b, err := NewKafkaBridge(cfg.BridgeConfiguration{
		Name:       "test-bridge",
		Topic:      "bridge-source",
		Brokers:    []string{"localhost:9092"},
		KafkaTopic: "out",
	}, tp)
	require.NoError(t, err)

	// Start only registers the listener; no broker connection yet.
	require.NoError(t, b.Start(false))
	assert.Len(t, tp.Listeners(), 1)

	require.NoError(t, b.Stop())
	assert.Empty(t, tp.Listeners())
}
