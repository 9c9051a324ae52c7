package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actorkit/kjournal/internal/testutil"
)

func TestLoadDefaultsWhenNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "json", cfg.Journal.Codec)
	assert.Equal(t, "all", cfg.Journal.RequiredAcks)
	assert.Equal(t, 10*time.Second, cfg.Journal.WriteTimeout)
	assert.True(t, cfg.Journal.AutoCreateTopics)
	assert.Equal(t, "default", cfg.Fanout.Mapper)
	assert.Equal(t, "events", cfg.Fanout.Topic)
	assert.Equal(t, 1024, cfg.Fanout.QueueSize)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadFromFile(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "kjournal.yaml", `
broker:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  clientID: orders-journal
journal:
  requiredAcks: local
  writeTimeout: 3s
  topicRetention: 604800000
  autoCreateTopics: false
fanout:
  mapper: none
metrics:
  enabled: false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Broker.Brokers)
	assert.Equal(t, "orders-journal", cfg.Broker.ClientID)
	assert.Equal(t, "local", cfg.Journal.RequiredAcks)
	assert.Equal(t, 3*time.Second, cfg.Journal.WriteTimeout)
	assert.EqualValues(t, 604800000, cfg.Journal.TopicRetentionMS)
	assert.False(t, cfg.Journal.AutoCreateTopics)
	assert.Equal(t, "none", cfg.Fanout.Mapper)
	assert.False(t, cfg.Metrics.Enabled)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, "json", cfg.Journal.Codec)
	assert.Equal(t, 1024, cfg.Fanout.QueueSize)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"empty brokers", "broker:\n  brokers: []\n", "broker address"},
		{"journal fire-and-forget", "journal:\n  requiredAcks: none\n", "journal.requiredAcks"},
		{"unknown journal acks", "journal:\n  requiredAcks: quorum\n", "journal.requiredAcks"},
		{"unknown fanout acks", "fanout:\n  requiredAcks: quorum\n", "fanout.requiredAcks"},
		{"zero fanout queue", "fanout:\n  queueSize: 0\n", "queueSize"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := testutil.WriteFile(t, t.TempDir(), "kjournal.yaml", tc.yaml)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadMalformedFile(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "kjournal.yaml", "broker: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}
