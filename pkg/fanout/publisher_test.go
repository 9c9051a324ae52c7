package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
	"github.com/actorkit/kjournal/pkg/codec"
	"github.com/actorkit/kjournal/pkg/journal"
	"github.com/actorkit/kjournal/pkg/metrics"
)

var _ journal.Publisher = (*Publisher)(nil)

type sinkCall struct {
	topic   string
	ev      Event
	encoded []byte
}

// captureSink records deliveries, with hooks to block or fail them.
type captureSink struct {
	mu       sync.Mutex
	calls    []sinkCall
	attempts int
	failNext int

	gate    chan struct{} // when non-nil, Publish blocks until closed
	started chan struct{} // receives a signal when a Publish call begins
}

func (s *captureSink) Publish(ctx context.Context, topic string, ev Event, encoded []byte) error {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failNext > 0 {
		s.failNext--
		return errors.New("sink unavailable")
	}
	s.calls = append(s.calls, sinkCall{topic: topic, ev: ev, encoded: append([]byte(nil), encoded...)})
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *captureSink) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func newCapturePublisher(t *testing.T, sink Sink, opts Options) *Publisher {
	t.Helper()
	enc, err := codec.Lookup(codec.NameJSON)
	require.NoError(t, err)
	mapper, err := newMapper(opts.Mapper, opts)
	require.NoError(t, err)
	return newPublisher(mapper, sink, enc, opts, zap.NewNop())
}

func TestPublisherDeliversInOrder(t *testing.T) {
	sink := &captureSink{}
	opts := DefaultOptions()
	opts.Topic = "order-stream"
	p := newCapturePublisher(t, sink, opts)

	// Interleaved entities share the topic queue; each entity's events
	// must come out in sequence order.
	p.Publish("order-1", 1, []byte("a1"))
	p.Publish("order-2", 1, []byte("b1"))
	p.Publish("order-1", 2, []byte("a2"))
	p.Publish("order-2", 2, []byte("b2"))
	p.Publish("order-1", 3, []byte("a3"))
	require.NoError(t, p.Close())

	calls := sink.Calls()
	require.Len(t, calls, 5)
	last := map[string]uint64{}
	for _, c := range calls {
		require.Equal(t, "order-stream", c.topic)
		require.Greater(t, c.ev.SequenceNr, last[c.ev.EntityID])
		last[c.ev.EntityID] = c.ev.SequenceNr
	}
	require.Equal(t, uint64(3), last["order-1"])
	require.Equal(t, uint64(2), last["order-2"])
}

func TestPublisherEncodesEventOnceFaithfully(t *testing.T) {
	sink := &captureSink{}
	opts := DefaultOptions()
	opts.Topic = "encode-check"
	p := newCapturePublisher(t, sink, opts)

	p.Publish("order-1", 7, []byte("payload"))
	require.NoError(t, p.Close())

	calls := sink.Calls()
	require.Len(t, calls, 1)

	enc, err := codec.Lookup(codec.NameJSON)
	require.NoError(t, err)
	var decoded Event
	require.NoError(t, enc.Unmarshal(calls[0].encoded, &decoded))
	require.Equal(t, Event{EntityID: "order-1", SequenceNr: 7, Data: []byte("payload")}, decoded)
}

func TestPublisherDropsOldestWhenFull(t *testing.T) {
	sink := &captureSink{
		gate:    make(chan struct{}),
		started: make(chan struct{}, 16),
	}
	opts := DefaultOptions()
	opts.Topic = "drop-orders"
	opts.QueueSize = 2
	p := newCapturePublisher(t, sink, opts)

	p.Publish("order-1", 1, []byte("e1"))
	// Wait until the dispatcher is blocked inside the sink so the queue
	// state below is deterministic.
	<-sink.started

	p.Publish("order-1", 2, []byte("e2"))
	p.Publish("order-1", 3, []byte("e3"))
	p.Publish("order-1", 4, []byte("e4")) // queue full: e2 dropped
	p.Publish("order-1", 5, []byte("e5")) // queue full: e3 dropped

	close(sink.gate)
	require.NoError(t, p.Close())

	var seqs []uint64
	for _, c := range sink.Calls() {
		seqs = append(seqs, c.ev.SequenceNr)
	}
	require.Equal(t, []uint64{1, 4, 5}, seqs)
	require.Equal(t, float64(2), promtestutil.ToFloat64(metrics.FanoutDropped.WithLabelValues("drop-orders")))
}

func TestPublisherRetriesTransientSinkFailure(t *testing.T) {
	sink := &captureSink{failNext: 2}
	opts := DefaultOptions()
	opts.Topic = "retry-orders"
	opts.RetryWindow = 3 * time.Second
	p := newCapturePublisher(t, sink, opts)
	defer p.Close()

	p.Publish("order-1", 1, []byte("e1"))
	require.Eventually(t, func() bool {
		return len(sink.Calls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, sink.Attempts())
}

func TestPublisherCountsExhaustedDelivery(t *testing.T) {
	sink := &captureSink{failNext: 1 << 20}
	opts := DefaultOptions()
	opts.Sink = "always-down"
	opts.Topic = "dead-orders"
	opts.RetryWindow = 200 * time.Millisecond
	p := newCapturePublisher(t, sink, opts)
	defer p.Close()

	p.Publish("order-1", 1, []byte("e1"))
	require.Eventually(t, func() bool {
		return promtestutil.ToFloat64(metrics.PublishErrors.WithLabelValues("always-down")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, sink.Calls())
}

func TestPublisherFansOutToAllMappedTopics(t *testing.T) {
	RegisterMapper("audit-pair", func(opts Options) (TopicMapper, error) {
		return mapperFunc(func(Event) []string { return []string{"events", "audit"} }), nil
	})
	sink := &captureSink{}
	opts := DefaultOptions()
	opts.Mapper = "audit-pair"
	p := newCapturePublisher(t, sink, opts)

	p.Publish("order-1", 1, []byte("e1"))
	require.NoError(t, p.Close())

	calls := sink.Calls()
	require.Len(t, calls, 2)
	topics := map[string]bool{}
	for _, c := range calls {
		topics[c.topic] = true
		require.Equal(t, calls[0].encoded, c.encoded, "one encoding shared across topics")
	}
	require.Equal(t, map[string]bool{"events": true, "audit": true}, topics)
}

// mapperFunc adapts a function to the TopicMapper interface.
type mapperFunc func(Event) []string

func (f mapperFunc) Topics(ev Event) []string { return f(ev) }

func TestNewPublisherResolvesRegistries(t *testing.T) {
	cfg := broker.DefaultConfig()

	t.Run("unknown sink", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Sink = "mqtt"
		_, err := NewPublisher(cfg, opts, zap.NewNop())
		require.ErrorContains(t, err, "unknown fan-out sink")
	})

	t.Run("unknown mapper", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Mapper = "by-tenant"
		_, err := NewPublisher(cfg, opts, zap.NewNop())
		require.ErrorContains(t, err, "unknown fan-out mapper")
	})

	t.Run("unknown codec", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Codec = "protobuf"
		_, err := NewPublisher(cfg, opts, zap.NewNop())
		require.ErrorContains(t, err, "unknown codec")
	})

	t.Run("registered sink is used", func(t *testing.T) {
		sink := &captureSink{}
		RegisterSink("capture", func(*broker.Config, Options, *zap.Logger) (Sink, error) {
			return sink, nil
		})
		opts := DefaultOptions()
		opts.Sink = "capture"
		p, err := NewPublisher(cfg, opts, zap.NewNop())
		require.NoError(t, err)

		p.Publish("order-1", 1, []byte("e1"))
		require.NoError(t, p.Close())
		require.Len(t, sink.Calls(), 1)
	})

	t.Run("none mapper opens no sink", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Mapper = MapperNone
		// The kafka sink would fail to dial here; "none" must not try.
		p, err := NewPublisher(cfg, opts, zap.NewNop())
		require.NoError(t, err)
		p.Publish("order-1", 1, []byte("e1"))
		require.NoError(t, p.Close())
	})
}
