package fanout

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
)

// syncProducer is the narrow producer surface the kafka sink consumes.
type syncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// kafkaSink mirrors events onto shared Kafka topics. The destination
// partition is the entity hash across the topic's partitions, so one
// entity's events always land on one partition in order. Unlike the
// journal's own producer, fire-and-forget acks are allowed here.
type kafkaSink struct {
	producer syncProducer
	client   sarama.Client
	resolver *broker.Resolver
	logger   *zap.Logger
	opts     Options

	ensured *xsync.MapOf[string, struct{}]
}

func newKafkaSink(cfg *broker.Config, opts Options, logger *zap.Logger) (Sink, error) {
	acks, err := broker.ParseRequiredAcks(opts.RequiredAcks)
	if err != nil {
		return nil, err
	}
	sc, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, err
	}
	sc.Producer.RequiredAcks = acks
	sc.Producer.Partitioner = sarama.NewManualPartitioner

	client, err := sarama.NewClient(cfg.Brokers, sc)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	resolver := broker.NewResolver(client, func() (broker.TopicAdmin, error) {
		return sarama.NewClusterAdmin(cfg.Brokers, sc)
	}, logger)
	if opts.RetryWindow > 0 {
		resolver.RetryWindow = opts.RetryWindow
	}

	return &kafkaSink{
		producer: producer,
		client:   client,
		resolver: resolver,
		logger:   logger,
		opts:     opts,
		ensured:  xsync.NewMapOf[string, struct{}](),
	}, nil
}

func (s *kafkaSink) Publish(ctx context.Context, topic string, ev Event, encoded []byte) error {
	if err := s.ensureTopic(ctx, topic); err != nil {
		return err
	}
	partitions, err := s.resolver.PartitionCount(ctx, topic)
	if err != nil {
		return err
	}

	_, _, err = s.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Partition: broker.PartitionFor(ev.EntityID, partitions),
		Key:       sarama.StringEncoder(ev.EntityID),
		Value:     sarama.ByteEncoder(encoded),
	})
	if err != nil {
		return broker.ClassifyProduce(err)
	}
	return nil
}

// ensureTopic creates the destination topic on first use. Existing topics
// keep their partition count; the hash policy adapts to whatever is there.
func (s *kafkaSink) ensureTopic(ctx context.Context, topic string) error {
	if _, ok := s.ensured.Load(topic); ok {
		return nil
	}
	spec := broker.TopicSpec{Partitions: s.opts.Partitions, ReplicationFactor: 1}
	if err := s.resolver.EnsureTopic(ctx, topic, spec); err != nil {
		return err
	}
	s.ensured.Store(topic, struct{}{})
	return nil
}

func (s *kafkaSink) Close() error {
	var errs []error
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func init() {
	RegisterSink(SinkKafka, newKafkaSink)
}
