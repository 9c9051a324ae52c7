package fanout

import (
	"cmp"
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
)

// natsSink mirrors events into a JetStream stream. Subjects are
// <prefix>.<topic>.<entityID>, so one entity's events share a subject and
// the stream preserves their order.
type natsSink struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
	logger        *zap.Logger
}

func newNATSSink(_ *broker.Config, opts Options, logger *zap.Logger) (Sink, error) {
	servers := opts.NATS.Servers
	if len(servers) == 0 {
		servers = []string{nats.DefaultURL}
	}
	prefix := cmp.Or(opts.NATS.SubjectPrefix, "kjournal")
	stream := cmp.Or(opts.NATS.Stream, fmt.Sprintf("%s-stream", prefix))

	connOpts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	var nc *nats.Conn
	var err error
	for _, server := range servers {
		nc, err = nats.Connect(server, connOpts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if err := ensureStream(js, stream, prefix, logger); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return &natsSink{
		nc:            nc,
		js:            js,
		subjectPrefix: prefix,
		logger:        logger,
	}, nil
}

func (s *natsSink) Publish(ctx context.Context, topic string, ev Event, encoded []byte) error {
	subject := fmt.Sprintf("%s.%s.%s", s.subjectPrefix, topic, ev.EntityID)
	if _, err := s.js.Publish(subject, encoded, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

func (s *natsSink) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

func ensureStream(js nats.JetStreamContext, stream, prefix string, logger *zap.Logger) error {
	if _, err := js.StreamInfo(stream); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound {
		return fmt.Errorf("get stream info: %w", err)
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     stream,
		Subjects: []string{fmt.Sprintf("%s.>", prefix)},
		Storage:  nats.FileStorage,
		Replicas: 1,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	logger.Info("created JetStream stream", zap.String("stream", stream))
	return nil
}

func init() {
	RegisterSink(SinkNATS, newNATSSink)
}
