package fanout

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
)

// Sink delivers encoded fan-out events to one destination system. Publish
// calls for the same entity arrive in sequence order from a single
// dispatcher goroutine per topic.
type Sink interface {
	Publish(ctx context.Context, topic string, ev Event, encoded []byte) error
	Close() error
}

// SinkFactory builds a Sink from the broker connection config and the
// fan-out options.
type SinkFactory func(cfg *broker.Config, opts Options, logger *zap.Logger) (Sink, error)

// Predefined sinks.
const (
	SinkKafka = "kafka"
	SinkNATS  = "nats"
	SinkLog   = "log"
)

var (
	sinkMu sync.RWMutex
	sinks  = make(map[string]SinkFactory)
)

// RegisterSink adds a sink to the registry. Custom sinks must be registered
// before the publisher is constructed.
func RegisterSink(name string, f SinkFactory) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinks[name] = f
}

func newSink(name string, cfg *broker.Config, opts Options, logger *zap.Logger) (Sink, error) {
	sinkMu.RLock()
	f, ok := sinks[name]
	sinkMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown fan-out sink: %s", name)
	}
	return f(cfg, opts, logger)
}
