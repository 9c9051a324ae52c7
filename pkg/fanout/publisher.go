// Package fanout mirrors confirmed journal appends to secondary topics,
// asynchronously and best-effort. Topic selection, destination system and
// wire encoding are all resolved from named registries at startup, so a
// misconfigured name fails construction instead of losing events later.
//
// Delivery never blocks the append path: each destination topic has a
// bounded queue and one dispatcher goroutine, and when a queue is full the
// oldest event is dropped and counted.
package fanout

import (
	"cmp"
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
	"github.com/actorkit/kjournal/pkg/codec"
	"github.com/actorkit/kjournal/pkg/metrics"
)

// Publisher fans confirmed appends out to secondary topics. It satisfies
// the journal's Publisher interface.
type Publisher struct {
	opts   Options
	mapper TopicMapper
	sink   Sink
	enc    codec.Codec
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string]chan item

	wg        sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

// item carries one event with its already-encoded bytes, so encoding
// happens once per event no matter how many topics it maps to.
type item struct {
	ev      Event
	encoded []byte
}

// NewPublisher resolves the configured codec, mapper and sink and returns a
// running publisher. Unknown registry names are construction errors. With
// the "none" mapper no sink connection is opened at all.
func NewPublisher(cfg *broker.Config, opts Options, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Mapper = cmp.Or(opts.Mapper, MapperDefault)
	opts.Sink = cmp.Or(opts.Sink, SinkKafka)
	opts.Codec = cmp.Or(opts.Codec, codec.NameJSON)
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}

	enc, err := codec.Lookup(opts.Codec)
	if err != nil {
		return nil, err
	}
	mapper, err := newMapper(opts.Mapper, opts)
	if err != nil {
		return nil, err
	}

	var sink Sink
	if opts.Mapper != MapperNone {
		if sink, err = newSink(opts.Sink, cfg, opts, logger); err != nil {
			return nil, err
		}
	}
	return newPublisher(mapper, sink, enc, opts, logger), nil
}

func newPublisher(mapper TopicMapper, sink Sink, enc codec.Codec, opts Options, logger *zap.Logger) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		opts:    opts,
		mapper:  mapper,
		sink:    sink,
		enc:     enc,
		logger:  logger,
		queues:  make(map[string]chan item),
		closing: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Publish enqueues one confirmed append for mirroring and returns
// immediately. When a topic's queue is full the oldest queued event is
// dropped and counted so the newest still fits.
func (p *Publisher) Publish(entityID string, sequenceNr uint64, payload []byte) {
	if p.sink == nil {
		return
	}
	ev := Event{EntityID: entityID, SequenceNr: sequenceNr, Data: payload}
	topics := p.mapper.Topics(ev)
	if len(topics) == 0 {
		return
	}

	encoded, err := p.enc.Marshal(ev)
	if err != nil {
		metrics.PublishErrors.WithLabelValues(p.opts.Sink).Inc()
		p.logger.Error("encode fan-out event",
			zap.String("entity", entityID),
			zap.Uint64("sequenceNr", sequenceNr),
			zap.Error(err))
		return
	}
	for _, topic := range topics {
		p.enqueue(topic, item{ev: ev, encoded: encoded})
	}
}

func (p *Publisher) enqueue(topic string, it item) {
	q := p.queue(topic)
	for {
		select {
		case q <- it:
			return
		default:
		}
		select {
		case <-q:
			metrics.FanoutDropped.WithLabelValues(topic).Inc()
		default:
		}
	}
}

// queue returns the topic's queue, starting its dispatcher on first use.
func (p *Publisher) queue(topic string) chan item {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[topic]; ok {
		return q
	}
	q := make(chan item, p.opts.QueueSize)
	p.queues[topic] = q
	p.wg.Add(1)
	go p.dispatch(topic, q)
	return q
}

func (p *Publisher) dispatch(topic string, q chan item) {
	defer p.wg.Done()
	for {
		select {
		case <-p.closing:
			for {
				select {
				case it := <-q:
					p.deliver(topic, it)
				default:
					return
				}
			}
		case it := <-q:
			p.deliver(topic, it)
		}
	}
}

// deliver publishes one event, retrying transient sink failures within the
// bounded window. Failures are logged and counted, never surfaced to the
// append caller.
func (p *Publisher) deliver(topic string, it item) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = cmp.Or(p.opts.RetryWindow, 5*time.Second)

	err := backoff.Retry(func() error {
		return p.sink.Publish(p.ctx, topic, it.ev, it.encoded)
	}, backoff.WithContext(b, p.ctx))
	if err != nil {
		metrics.PublishErrors.WithLabelValues(p.opts.Sink).Inc()
		p.logger.Warn("fan-out publish failed",
			zap.String("topic", topic),
			zap.String("entity", it.ev.EntityID),
			zap.Uint64("sequenceNr", it.ev.SequenceNr),
			zap.Error(err))
		return
	}
	metrics.FanoutPublished.WithLabelValues(p.opts.Sink, topic).Inc()
}

// Close stops accepting deliveries, drains what is already queued and
// closes the sink.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() { close(p.closing) })
	p.wg.Wait()
	p.cancel()
	if p.sink != nil {
		return p.sink.Close()
	}
	return nil
}
