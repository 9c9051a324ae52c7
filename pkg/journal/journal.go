// Package journal maps per-entity gapless event sequences onto Kafka
// topics. Each entity owns one topic, named by the entity ID and written on
// partition 0 only, with offset = sequenceNr - 1. Appends block until the
// broker acknowledges the write; replay reads the topic back in strict
// sequence order.
//
// The adapter assumes a single writer per entity at a time. Two processes
// appending to the same entity concurrently will corrupt its numbering;
// upholding exclusive ownership is the caller's responsibility.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
	"github.com/actorkit/kjournal/pkg/codec"
	"github.com/actorkit/kjournal/pkg/metrics"
)

// Options holds the journal-side knobs layered on top of the broker
// connection config.
type Options struct {
	Codec            string        `mapstructure:"codec"`
	RequiredAcks     string        `mapstructure:"requiredAcks"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	RetryWindow      time.Duration `mapstructure:"retryWindow"`
	FetchMaxBytes    int32         `mapstructure:"fetchMaxBytes"`
	AutoCreateTopics bool          `mapstructure:"autoCreateTopics"`
	TopicRetentionMS int64         `mapstructure:"topicRetention"`
	TopicReplicas    int16         `mapstructure:"topicReplicas"`

	// Publisher receives every confirmed append for best-effort mirroring.
	// Nil disables fan-out.
	Publisher Publisher `mapstructure:"-"`
}

// DefaultOptions returns the journal defaults: JSON codec, full-ISR acks,
// topic auto-creation.
func DefaultOptions() Options {
	return Options{
		Codec:            codec.NameJSON,
		RequiredAcks:     "all",
		WriteTimeout:     10 * time.Second,
		RetryWindow:      15 * time.Second,
		FetchMaxBytes:    1 << 20,
		AutoCreateTopics: true,
		TopicReplicas:    1,
	}
}

// Publisher receives confirmed appends for mirroring to secondary topics.
// Implementations must not block the append path.
type Publisher interface {
	Publish(entityID string, sequenceNr uint64, payload []byte)
}

// syncProducer and consumerClient are the narrow sarama surfaces the
// journal consumes.
type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type consumerClient interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
	Close() error
}

// Journal is a durable, ordered event store for independently-recovering
// entities, backed by one Kafka topic per entity.
type Journal struct {
	opts     Options
	codec    codec.Codec
	producer syncProducer
	consumer consumerClient
	resolver *broker.Resolver
	client   sarama.Client
	logger   *zap.Logger

	counters *xsync.MapOf[string, *entityCounter]
	deletes  *xsync.MapOf[string, deletion]
}

// entityCounter tracks the next sequence number of one entity. Each entity
// has its own lock so unrelated entities never serialize on each other.
type entityCounter struct {
	mu      sync.Mutex
	nextSeq uint64
	primed  bool
}

// New connects to the cluster and returns a ready Journal. Fire-and-forget
// acks are rejected: a sequence number may only be handed out for a write
// the broker acknowledged.
func New(cfg *broker.Config, opts Options, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	acks, err := broker.ParseRequiredAcks(opts.RequiredAcks)
	if err != nil {
		return nil, err
	}
	if acks == sarama.NoResponse {
		return nil, fmt.Errorf("journal writes require broker acknowledgment, got acks %q", opts.RequiredAcks)
	}
	enc, err := codec.Lookup(opts.Codec)
	if err != nil {
		return nil, err
	}

	sc, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, err
	}
	sc.Producer.RequiredAcks = acks
	sc.Producer.Partitioner = sarama.NewManualPartitioner
	if opts.WriteTimeout > 0 {
		sc.Producer.Timeout = opts.WriteTimeout
	}
	// Retries are decided here after classification, and a single in-flight
	// request per broker keeps acknowledged offsets in submission order.
	sc.Producer.Retry.Max = 0
	sc.Net.MaxOpenRequests = 1
	if opts.FetchMaxBytes > 0 {
		sc.Consumer.Fetch.Default = opts.FetchMaxBytes
	}

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		producer.Close()
		client.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	resolver := broker.NewResolver(client, func() (broker.TopicAdmin, error) {
		return sarama.NewClusterAdmin(cfg.Brokers, sc)
	}, logger)
	if opts.RetryWindow > 0 {
		resolver.RetryWindow = opts.RetryWindow
	}

	return &Journal{
		opts:     opts,
		codec:    enc,
		producer: producer,
		consumer: consumer,
		resolver: resolver,
		client:   client,
		logger:   logger,
		counters: xsync.NewMapOf[string, *entityCounter](),
		deletes:  xsync.NewMapOf[string, deletion](),
	}, nil
}

// Close releases the producer, consumer and client connections.
func (j *Journal) Close() error {
	var errs []error
	if err := j.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := j.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if j.client != nil {
		if err := j.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Append durably writes one event and returns its sequence number. The call
// blocks until the broker acknowledges the write at the configured acks
// level. On ErrWriteTimeout the outcome is unknown: the entry may or may
// not be durable, and the entity's counter is re-derived from the broker
// before the next append.
func (j *Journal) Append(ctx context.Context, entityID string, payload []byte) (uint64, error) {
	seqs, err := j.AppendBatch(ctx, entityID, [][]byte{payload})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// AppendBatch writes the payloads in submission order as one
// atomic-in-order batch: entries are acknowledged one at a time, and on the
// first failure the already-acknowledged prefix is returned together with
// the error. No reordering, no silent partial loss.
func (j *Journal) AppendBatch(ctx context.Context, entityID string, payloads [][]byte) ([]uint64, error) {
	if err := ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, nil
	}

	c := j.counter(entityID)
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed {
		if err := j.primeLocked(ctx, entityID, c); err != nil {
			return nil, fmt.Errorf("prime sequence counter for %s: %w", entityID, err)
		}
	}

	written := make([]uint64, 0, len(payloads))
	for _, payload := range payloads {
		seq := c.nextSeq
		value, err := j.codec.Marshal(Entry{EntityID: entityID, SequenceNr: seq, Payload: payload})
		if err != nil {
			metrics.Appends.WithLabelValues("error").Inc()
			return written, &SerializationError{EntityID: entityID, SequenceNr: seq, Err: err}
		}

		start := time.Now()
		offset, err := j.send(ctx, entityID, value)
		if err != nil {
			if errors.Is(err, ErrWriteTimeout) {
				// Unknown outcome: forget the counter and re-derive it from
				// the broker on the next append.
				c.primed = false
				metrics.Appends.WithLabelValues("ambiguous").Inc()
				j.logger.Warn("append outcome ambiguous",
					zap.String("entity", entityID),
					zap.Uint64("sequenceNr", seq),
					zap.Error(err))
			} else {
				metrics.Appends.WithLabelValues("error").Inc()
			}
			return written, fmt.Errorf("append %s#%d: %w", entityID, seq, err)
		}
		metrics.AppendDuration.Observe(time.Since(start).Seconds())

		if offset != offsetOf(seq) {
			// The broker's offset disagrees with the counter: something else
			// wrote to this topic. Nothing downstream can be trusted.
			c.primed = false
			metrics.Appends.WithLabelValues("error").Inc()
			return written, fmt.Errorf("%w: %s#%d landed at offset %d, want %d",
				ErrCorruptEntry, entityID, seq, offset, offsetOf(seq))
		}

		c.nextSeq++
		written = append(written, seq)
		metrics.Appends.WithLabelValues("ok").Inc()

		if j.opts.Publisher != nil {
			j.opts.Publisher.Publish(entityID, seq, payload)
		}
	}
	return written, nil
}

func (j *Journal) counter(entityID string) *entityCounter {
	c, _ := j.counters.LoadOrCompute(entityID, func() *entityCounter {
		return &entityCounter{}
	})
	return c
}

// primeLocked derives the entity's next sequence number from the broker's
// log-end offset. Called with the counter lock held, before the first
// append after process start and after any ambiguous outcome.
func (j *Journal) primeLocked(ctx context.Context, entityID string, c *entityCounter) error {
	newest, err := j.resolver.NewestOffset(ctx, entityID, broker.JournalPartition)
	if err != nil {
		if !errors.Is(err, broker.ErrUnknownTopic) {
			return err
		}
		if j.opts.AutoCreateTopics {
			spec := broker.TopicSpec{
				Partitions:        1,
				ReplicationFactor: j.opts.TopicReplicas,
				RetentionMS:       j.opts.TopicRetentionMS,
			}
			if err := j.resolver.EnsureTopic(ctx, entityID, spec); err != nil {
				return err
			}
		}
		newest = 0
	}
	c.nextSeq = uint64(newest) + 1
	c.primed = true
	j.logger.Debug("sequence counter primed",
		zap.String("entity", entityID),
		zap.Uint64("nextSequenceNr", c.nextSeq))
	return nil
}

// send produces one record on the entity's partition and waits for the
// acknowledgment. Stale-leader failures refresh metadata and retry once;
// metadata unavailability retries inside the bounded window; ambiguous
// timeouts are never retried.
func (j *Journal) send(ctx context.Context, topic string, value []byte) (int64, error) {
	var offset int64
	staleRetried := false

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = j.opts.RetryWindow

	op := func() error {
		_, off, err := j.producer.SendMessage(&sarama.ProducerMessage{
			Topic:     topic,
			Partition: broker.JournalPartition,
			Value:     sarama.ByteEncoder(value),
		})
		if err == nil {
			offset = off
			return nil
		}
		cerr := broker.ClassifyProduce(err)
		switch {
		case errors.Is(cerr, broker.ErrStaleLeader):
			if staleRetried {
				return backoff.Permanent(cerr)
			}
			staleRetried = true
			j.resolver.Invalidate(topic)
			return cerr
		case errors.Is(cerr, broker.ErrMetadataUnavailable):
			return cerr
		default:
			return backoff.Permanent(cerr)
		}
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return 0, err
	}
	return offset, nil
}
