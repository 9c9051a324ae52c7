package fanout

import (
	"context"

	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
)

// logSink writes events to the logger instead of a broker, for debugging
// mapper and queue behavior without a destination cluster.
type logSink struct {
	logger *zap.Logger
}

func newLogSink(_ *broker.Config, _ Options, logger *zap.Logger) (Sink, error) {
	return &logSink{logger: logger}, nil
}

func (s *logSink) Publish(_ context.Context, topic string, ev Event, encoded []byte) error {
	s.logger.Info("fan-out event",
		zap.String("topic", topic),
		zap.String("entity", ev.EntityID),
		zap.Uint64("sequenceNr", ev.SequenceNr),
		zap.Int("bytes", len(encoded)))
	return nil
}

func (s *logSink) Close() error { return nil }

func init() {
	RegisterSink(SinkLog, newLogSink)
}
