package broker

import (
	"errors"
	"fmt"
	"net"

	"github.com/IBM/sarama"
)

var (
	// ErrMetadataUnavailable signals that no broker or partition leader could
	// be resolved within the bounded retry window. It is never returned as a
	// silent empty result.
	ErrMetadataUnavailable = errors.New("broker: metadata unavailable")

	// ErrStaleLeader signals that a write or read was rejected because the
	// cached partition leader is no longer authoritative. Callers refresh
	// metadata and retry once before surfacing.
	ErrStaleLeader = errors.New("broker: stale partition leader")

	// ErrWriteTimeout signals that a produce request was sent but no
	// acknowledgment arrived within the bound, or the connection dropped
	// mid-request. The outcome is ambiguous: the write may or may not be
	// durable. It must never be coerced into a plain failure.
	ErrWriteTimeout = errors.New("broker: write acknowledgment timed out")

	// ErrUnknownTopic signals that the topic or partition does not exist on
	// the cluster.
	ErrUnknownTopic = errors.New("broker: unknown topic or partition")

	// ErrOffsetOutOfRange signals that the requested offset is no longer
	// retained by the broker.
	ErrOffsetOutOfRange = errors.New("broker: offset out of range")
)

// ClassifyProduce maps a produce failure onto the error taxonomy. Timeouts
// and mid-request connection drops are ambiguous outcomes and map to
// ErrWriteTimeout; leadership errors map to ErrStaleLeader; total broker
// unavailability maps to ErrMetadataUnavailable. Errors outside the taxonomy
// pass through unchanged.
func ClassifyProduce(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sarama.ErrRequestTimedOut), errors.Is(err, sarama.ErrNetworkException):
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	case errors.Is(err, sarama.ErrNotLeaderForPartition), errors.Is(err, sarama.ErrLeaderNotAvailable):
		return fmt.Errorf("%w: %v", ErrStaleLeader, err)
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrBrokerNotAvailable):
		return fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return fmt.Errorf("%w: %v", ErrUnknownTopic, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
	}
	return err
}

// ClassifyFetch maps a consume/offset-lookup failure onto the error taxonomy.
// Reads are idempotent, so timeouts here are not ambiguous and are left for
// the caller's retry discipline.
func ClassifyFetch(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sarama.ErrOffsetOutOfRange):
		return fmt.Errorf("%w: %v", ErrOffsetOutOfRange, err)
	case errors.Is(err, sarama.ErrNotLeaderForPartition), errors.Is(err, sarama.ErrLeaderNotAvailable):
		return fmt.Errorf("%w: %v", ErrStaleLeader, err)
	case errors.Is(err, sarama.ErrOutOfBrokers), errors.Is(err, sarama.ErrBrokerNotAvailable):
		return fmt.Errorf("%w: %v", ErrMetadataUnavailable, err)
	case errors.Is(err, sarama.ErrUnknownTopicOrPartition):
		return fmt.Errorf("%w: %v", ErrUnknownTopic, err)
	}
	return err
}

// Retriable reports whether err may be retried without risking a duplicate
// write. Ambiguous outcomes are never retriable.
func Retriable(err error) bool {
	return errors.Is(err, ErrMetadataUnavailable) || errors.Is(err, ErrStaleLeader)
}
