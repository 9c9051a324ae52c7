package testutil

import (
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

// Broker is an in-memory stand-in for a Kafka cluster. It satisfies the
// narrow producer, consumer, metadata and admin surfaces the journal and
// fan-out code consume, and records enough state for tests to inspect, with
// hooks for injecting failures and simulating retention expiry.
type Broker struct {
	// AutoCreate makes SendMessage create missing topics with a single
	// partition, mirroring a cluster with auto.create.topics.enable.
	AutoCreate bool

	mu     sync.Mutex
	topics map[string]*fakeTopic

	sendFailures  []sendFailure
	openFailures  []error
	streamErrs    map[string]sarama.KError
	leaderErr     error
	leaderErrLeft int
	offsetErr     error
	offsetErrLeft int
	refreshCalls  int
	sendCalls     int
}

type sendFailure struct {
	err     error
	durable bool
}

type fakeTopic struct {
	partitions []*fakePartition
	retention  string
}

type fakePartition struct {
	oldest int64
	msgs   []*sarama.ConsumerMessage
}

// NewBroker returns an empty cluster with topic auto-creation enabled.
func NewBroker() *Broker {
	return &Broker{
		AutoCreate: true,
		topics:     make(map[string]*fakeTopic),
		streamErrs: make(map[string]sarama.KError),
	}
}

func newFakeTopic(partitions int) *fakeTopic {
	t := &fakeTopic{partitions: make([]*fakePartition, partitions)}
	for i := range t.partitions {
		t.partitions[i] = &fakePartition{}
	}
	return t
}

// SendMessage appends the record to its topic partition and returns the
// assigned offset, honoring any injected failures first.
func (b *Broker) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendCalls++

	var injected error
	durable := false
	if len(b.sendFailures) > 0 {
		injected = b.sendFailures[0].err
		durable = b.sendFailures[0].durable
		b.sendFailures = b.sendFailures[1:]
	}
	if injected != nil && !durable {
		return -1, -1, injected
	}

	t := b.topics[msg.Topic]
	if t == nil {
		if !b.AutoCreate {
			return -1, -1, sarama.ErrUnknownTopicOrPartition
		}
		t = newFakeTopic(1)
		b.topics[msg.Topic] = t
	}
	if int(msg.Partition) < 0 || int(msg.Partition) >= len(t.partitions) {
		return -1, -1, sarama.ErrUnknownTopicOrPartition
	}

	var key, value []byte
	if msg.Key != nil {
		k, err := msg.Key.Encode()
		if err != nil {
			return -1, -1, err
		}
		key = k
	}
	if msg.Value != nil {
		v, err := msg.Value.Encode()
		if err != nil {
			return -1, -1, err
		}
		value = v
	}

	part := t.partitions[msg.Partition]
	offset := int64(len(part.msgs))
	part.msgs = append(part.msgs, &sarama.ConsumerMessage{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
	})
	if injected != nil {
		return -1, -1, injected
	}
	return msg.Partition, offset, nil
}

// ConsumePartition opens a partition consumer positioned at offset. The
// returned consumer's Messages channel holds everything stored from offset
// onward and stays open, like a live consumer waiting for more records.
func (b *Broker) ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.openFailures) > 0 {
		err := b.openFailures[0]
		b.openFailures = b.openFailures[1:]
		return nil, err
	}

	part, err := b.partition(topic, partition)
	if err != nil {
		return nil, err
	}
	logEnd := int64(len(part.msgs))
	if offset < part.oldest || offset > logEnd {
		return nil, sarama.ErrOffsetOutOfRange
	}

	pc := &partitionConsumer{
		messages: make(chan *sarama.ConsumerMessage, int(logEnd-offset)+1),
		errors:   make(chan *sarama.ConsumerError, 1),
		hwm:      logEnd,
	}
	if kerr, ok := b.streamErrs[streamKey(topic, partition)]; ok {
		// Withhold the records and surface the error instead; a reopened
		// consumer sees the data.
		delete(b.streamErrs, streamKey(topic, partition))
		pc.errors <- &sarama.ConsumerError{Topic: topic, Partition: partition, Err: kerr}
		return pc, nil
	}
	for _, m := range part.msgs[offset:] {
		pc.messages <- m
	}
	return pc, nil
}

// Leader resolves the leader broker for a partition, honoring injected
// failures first.
func (b *Broker) Leader(topic string, partition int32) (*sarama.Broker, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.leaderErrLeft > 0 {
		b.leaderErrLeft--
		return nil, b.leaderErr
	}
	if _, err := b.partition(topic, partition); err != nil {
		return nil, err
	}
	return sarama.NewBroker("broker-0.fake:9092"), nil
}

// RefreshMetadata records the refresh so tests can assert invalidation.
func (b *Broker) RefreshMetadata(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshCalls++
	return nil
}

// Partitions lists the partition IDs of a topic.
func (b *Broker) Partitions(topic string) ([]int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topics[topic]
	if t == nil {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	ids := make([]int32, len(t.partitions))
	for i := range ids {
		ids[i] = int32(i)
	}
	return ids, nil
}

// GetOffset answers newest (log-end) and oldest (first retained) offset
// queries.
func (b *Broker) GetOffset(topic string, partition int32, at int64) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.offsetErrLeft > 0 {
		b.offsetErrLeft--
		return -1, b.offsetErr
	}
	part, err := b.partition(topic, partition)
	if err != nil {
		return -1, err
	}
	switch at {
	case sarama.OffsetNewest:
		return int64(len(part.msgs)), nil
	case sarama.OffsetOldest:
		return part.oldest, nil
	default:
		return -1, fmt.Errorf("unsupported offset query: %d", at)
	}
}

// CreateTopic creates a topic with the requested partition count, failing
// like a real cluster when it already exists.
func (b *Broker) CreateTopic(topic string, detail *sarama.TopicDetail, validateOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.topics[topic]; ok {
		return &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	}
	if validateOnly {
		return nil
	}
	n := int(detail.NumPartitions)
	if n <= 0 {
		n = 1
	}
	t := newFakeTopic(n)
	if detail.ConfigEntries != nil {
		if r, ok := detail.ConfigEntries["retention.ms"]; ok && r != nil {
			t.retention = *r
		}
	}
	b.topics[topic] = t
	return nil
}

// Close is a no-op so the broker can stand in for producer, consumer and
// admin handles alike.
func (b *Broker) Close() error {
	return nil
}

// FailNextSend queues a send failure; the record is not stored.
func (b *Broker) FailNextSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFailures = append(b.sendFailures, sendFailure{err: err})
}

// PassNextSend queues a successful send. Combined with FailNextSend it
// places an injected failure at a chosen position in a batch.
func (b *Broker) PassNextSend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFailures = append(b.sendFailures, sendFailure{})
}

// TimeoutNextSend queues an acknowledgment timeout for the next send. If
// durable is true the record is stored anyway, modeling an ack lost in
// flight after the broker persisted the write.
func (b *Broker) TimeoutNextSend(durable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendFailures = append(b.sendFailures, sendFailure{err: sarama.ErrRequestTimedOut, durable: durable})
}

// FailNextConsume makes the next ConsumePartition call fail with err.
func (b *Broker) FailNextConsume(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openFailures = append(b.openFailures, err)
}

// FailStream arms a one-shot mid-stream consumer error: the next consumer
// opened on the partition yields kerr instead of data.
func (b *Broker) FailStream(topic string, partition int32, kerr sarama.KError) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streamErrs[streamKey(topic, partition)] = kerr
}

// FailLeader makes the next n Leader calls fail with err.
func (b *Broker) FailLeader(err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaderErr = err
	b.leaderErrLeft = n
}

// FailOffsets makes the next n GetOffset calls fail with err.
func (b *Broker) FailOffsets(err error, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offsetErr = err
	b.offsetErrLeft = n
}

// Truncate simulates retention expiry: offsets below newOldest are no
// longer served.
func (b *Broker) Truncate(topic string, partition int32, newOldest int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if part, err := b.partition(topic, partition); err == nil {
		part.oldest = newOldest
	}
}

// SetValue overwrites a stored record's value, for corruption scenarios.
func (b *Broker) SetValue(topic string, partition int32, offset int64, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if part, err := b.partition(topic, partition); err == nil && offset >= 0 && offset < int64(len(part.msgs)) {
		part.msgs[offset].Value = value
	}
}

// Messages returns the records stored on one partition, including any that
// retention has expired.
func (b *Broker) Messages(topic string, partition int32) []*sarama.ConsumerMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	part, err := b.partition(topic, partition)
	if err != nil {
		return nil
	}
	out := make([]*sarama.ConsumerMessage, len(part.msgs))
	copy(out, part.msgs)
	return out
}

// RefreshCalls reports how many times metadata was refreshed.
func (b *Broker) RefreshCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls
}

// SendCalls returns how many produce attempts the broker has seen,
// including attempts that were failed by injection.
func (b *Broker) SendCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendCalls
}

// HasTopic reports whether a topic exists.
func (b *Broker) HasTopic(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok
}

// TopicRetention returns the retention.ms value the topic was created with.
func (b *Broker) TopicRetention(topic string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t := b.topics[topic]; t != nil {
		return t.retention
	}
	return ""
}

func (b *Broker) partition(topic string, partition int32) (*fakePartition, error) {
	t := b.topics[topic]
	if t == nil {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	if int(partition) < 0 || int(partition) >= len(t.partitions) {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	return t.partitions[partition], nil
}

func streamKey(topic string, partition int32) string {
	return fmt.Sprintf("%s/%d", topic, partition)
}

// partitionConsumer is the fake's sarama.PartitionConsumer. Channels stay
// open for the consumer's lifetime, like a live fetch session.
type partitionConsumer struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	hwm      int64
}

func (pc *partitionConsumer) AsyncClose() {}

func (pc *partitionConsumer) Close() error { return nil }

func (pc *partitionConsumer) Messages() <-chan *sarama.ConsumerMessage { return pc.messages }

func (pc *partitionConsumer) Errors() <-chan *sarama.ConsumerError { return pc.errors }

func (pc *partitionConsumer) HighWaterMarkOffset() int64 { return pc.hwm }

func (pc *partitionConsumer) Pause() {}

func (pc *partitionConsumer) Resume() {}

func (pc *partitionConsumer) IsPaused() bool { return false }
