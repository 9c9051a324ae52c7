package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MetadataClient is the subset of sarama.Client the resolver consumes.
type MetadataClient interface {
	Leader(topic string, partitionID int32) (*sarama.Broker, error)
	RefreshMetadata(topics ...string) error
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partitionID int32, time int64) (int64, error)
}

// TopicAdmin is the subset of sarama.ClusterAdmin used for topic creation.
type TopicAdmin interface {
	CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error
	Close() error
}

// AdminFactory opens an admin connection on demand. Each call returns a
// fresh connection owned by the caller.
type AdminFactory func() (TopicAdmin, error)

// TopicSpec describes the layout of a topic to be created.
type TopicSpec struct {
	Partitions        int32
	ReplicationFactor int16
	RetentionMS       int64
}

// TopicMetadata is the resolved layout of one topic.
type TopicMetadata struct {
	Name       string
	Partitions []int32
	Leaders    map[int32]string
}

// Resolver answers leader and offset queries against the cluster metadata
// cached by the sarama client. Lookups retry with exponential backoff inside
// a bounded window, refreshing metadata between attempts, and surface
// ErrMetadataUnavailable once the window is exhausted. Metadata is shared
// process state inside the client; Invalidate is the explicit refresh hook
// for stale-leader failures.
type Resolver struct {
	// RetryWindow bounds how long a lookup keeps retrying before giving up.
	RetryWindow time.Duration

	client MetadataClient
	admin  AdminFactory
	logger *zap.Logger
}

// NewResolver wraps a metadata client. admin may be nil if topic creation is
// never needed.
func NewResolver(client MetadataClient, admin AdminFactory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		RetryWindow: 15 * time.Second,
		client:      client,
		admin:       admin,
		logger:      logger,
	}
}

// lookup runs op inside the bounded retry window, refreshing the topic's
// metadata between attempts. Unknown topics and out-of-range offsets are
// semantic results, not transient failures, and are never retried.
func (r *Resolver) lookup(ctx context.Context, topic string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.RetryWindow

	attempt := func() error {
		err := op()
		if err == nil {
			return nil
		}
		cerr := ClassifyFetch(err)
		if errors.Is(cerr, ErrUnknownTopic) || errors.Is(cerr, ErrOffsetOutOfRange) {
			return backoff.Permanent(cerr)
		}
		if rerr := r.client.RefreshMetadata(topic); rerr != nil {
			r.logger.Debug("metadata refresh failed", zap.String("topic", topic), zap.Error(rerr))
		}
		return cerr
	}

	err := backoff.Retry(attempt, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnknownTopic) || errors.Is(err, ErrOffsetOutOfRange) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
}

// Leader resolves the current leader broker for one partition. It fails with
// ErrMetadataUnavailable after the retry window, never with an empty result.
func (r *Resolver) Leader(ctx context.Context, topic string, partition int32) (*sarama.Broker, error) {
	var leader *sarama.Broker
	err := r.lookup(ctx, topic, func() error {
		b, err := r.client.Leader(topic, partition)
		if err != nil {
			return err
		}
		if b == nil {
			return fmt.Errorf("no leader elected for %s[%d]", topic, partition)
		}
		leader = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve leader for %s[%d]: %w", topic, partition, err)
	}
	return leader, nil
}

// TopicMetadata resolves the partition layout and per-partition leader
// addresses of a topic.
func (r *Resolver) TopicMetadata(ctx context.Context, topic string) (*TopicMetadata, error) {
	var md *TopicMetadata
	err := r.lookup(ctx, topic, func() error {
		parts, err := r.client.Partitions(topic)
		if err != nil {
			return err
		}
		m := &TopicMetadata{Name: topic, Partitions: parts, Leaders: make(map[int32]string, len(parts))}
		for _, p := range parts {
			b, err := r.client.Leader(topic, p)
			if err != nil {
				return err
			}
			m.Leaders[p] = b.Addr()
		}
		md = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("resolve metadata for %s: %w", topic, err)
	}
	return md, nil
}

// PartitionCount returns the number of partitions of a topic.
func (r *Resolver) PartitionCount(ctx context.Context, topic string) (int32, error) {
	var n int32
	err := r.lookup(ctx, topic, func() error {
		parts, err := r.client.Partitions(topic)
		if err != nil {
			return err
		}
		n = int32(len(parts))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("partition count for %s: %w", topic, err)
	}
	return n, nil
}

// NewestOffset returns the offset that will be assigned to the next record
// on the partition. ErrUnknownTopic is returned for topics that do not exist.
func (r *Resolver) NewestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return r.offset(ctx, topic, partition, sarama.OffsetNewest)
}

// OldestOffset returns the first offset still retained on the partition.
func (r *Resolver) OldestOffset(ctx context.Context, topic string, partition int32) (int64, error) {
	return r.offset(ctx, topic, partition, sarama.OffsetOldest)
}

func (r *Resolver) offset(ctx context.Context, topic string, partition int32, at int64) (int64, error) {
	var off int64
	err := r.lookup(ctx, topic, func() error {
		o, err := r.client.GetOffset(topic, partition, at)
		if err != nil {
			return err
		}
		off = o
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("offset lookup for %s[%d]: %w", topic, partition, err)
	}
	return off, nil
}

// Invalidate drops cached metadata for a topic after a stale-leader class
// failure. The next lookup fetches fresh state.
func (r *Resolver) Invalidate(topic string) {
	if err := r.client.RefreshMetadata(topic); err != nil {
		r.logger.Debug("metadata refresh failed", zap.String("topic", topic), zap.Error(err))
	}
}

// EnsureTopic creates the topic if it does not exist. Existing topics are
// left untouched, including their retention settings.
func (r *Resolver) EnsureTopic(ctx context.Context, topic string, spec TopicSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.admin == nil {
		return fmt.Errorf("ensure topic %s: no admin connection configured", topic)
	}
	admin, err := r.admin()
	if err != nil {
		return fmt.Errorf("ensure topic %s: %w", topic, err)
	}
	defer admin.Close()

	if spec.Partitions <= 0 {
		spec.Partitions = 1
	}
	if spec.ReplicationFactor <= 0 {
		spec.ReplicationFactor = 1
	}
	detail := &sarama.TopicDetail{
		NumPartitions:     spec.Partitions,
		ReplicationFactor: spec.ReplicationFactor,
	}
	if spec.RetentionMS > 0 {
		detail.ConfigEntries = map[string]*string{
			"retention.ms": stringPtr(strconv.FormatInt(spec.RetentionMS, 10)),
		}
	}

	err = admin.CreateTopic(topic, detail, false)
	if err != nil && !isTopicExists(err) {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	if err == nil {
		r.logger.Info("topic created",
			zap.String("topic", topic),
			zap.Int32("partitions", spec.Partitions))
	}
	return nil
}

func isTopicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var terr *sarama.TopicError
	return errors.As(err, &terr) && terr.Err == sarama.ErrTopicAlreadyExists
}

func stringPtr(s string) *string {
	return &s
}
