package fanout

import (
	"time"

	"github.com/actorkit/kjournal/pkg/codec"
)

// Options configures the fan-out publisher. Mapper, sink and codec are
// registry names resolved at construction time.
type Options struct {
	Mapper       string         `mapstructure:"mapper"`
	MapperConfig map[string]any `mapstructure:"mapperConfig"`
	Topic        string         `mapstructure:"topic"`
	Sink         string         `mapstructure:"sink"`
	Codec        string         `mapstructure:"codec"`
	RequiredAcks string         `mapstructure:"requiredAcks"`
	QueueSize    int            `mapstructure:"queueSize"`
	Partitions   int32          `mapstructure:"partitions"`
	RetryWindow  time.Duration  `mapstructure:"retryWindow"`
	NATS         NATSOptions    `mapstructure:"nats"`
}

// NATSOptions configures the nats sink only.
type NATSOptions struct {
	Servers       []string `mapstructure:"servers"`
	Stream        string   `mapstructure:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
}

// DefaultOptions returns the fan-out defaults: every event to one shared
// "events" Kafka topic. Fan-out is best-effort, so acks weaker than the
// journal's are acceptable here.
func DefaultOptions() Options {
	return Options{
		Mapper:       MapperDefault,
		Topic:        "events",
		Sink:         SinkKafka,
		Codec:        codec.NameJSON,
		RequiredAcks: "local",
		QueueSize:    1024,
		Partitions:   1,
		RetryWindow:  5 * time.Second,
	}
}
