package broker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyProduce(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"request timed out", sarama.ErrRequestTimedOut, ErrWriteTimeout},
		{"network exception", sarama.ErrNetworkException, ErrWriteTimeout},
		{"net timeout", timeoutErr{}, ErrWriteTimeout},
		{"not leader", sarama.ErrNotLeaderForPartition, ErrStaleLeader},
		{"leader not available", sarama.ErrLeaderNotAvailable, ErrStaleLeader},
		{"out of brokers", sarama.ErrOutOfBrokers, ErrMetadataUnavailable},
		{"broker not available", sarama.ErrBrokerNotAvailable, ErrMetadataUnavailable},
		{"unknown topic", sarama.ErrUnknownTopicOrPartition, ErrUnknownTopic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyProduce(tc.in)
			if !errors.Is(got, tc.want) {
				t.Errorf("ClassifyProduce(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}

	t.Run("wrapped errors classified", func(t *testing.T) {
		wrapped := fmt.Errorf("send to orders: %w", sarama.ErrRequestTimedOut)
		if got := ClassifyProduce(wrapped); !errors.Is(got, ErrWriteTimeout) {
			t.Errorf("ClassifyProduce(wrapped) = %v, want ErrWriteTimeout", got)
		}
	})

	t.Run("unrelated errors pass through", func(t *testing.T) {
		in := errors.New("boom")
		if got := ClassifyProduce(in); got != in {
			t.Errorf("ClassifyProduce(boom) = %v, want identity", got)
		}
	})

	t.Run("nil stays nil", func(t *testing.T) {
		if got := ClassifyProduce(nil); got != nil {
			t.Errorf("ClassifyProduce(nil) = %v", got)
		}
	})
}

func TestClassifyFetch(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"offset out of range", sarama.ErrOffsetOutOfRange, ErrOffsetOutOfRange},
		{"not leader", sarama.ErrNotLeaderForPartition, ErrStaleLeader},
		{"out of brokers", sarama.ErrOutOfBrokers, ErrMetadataUnavailable},
		{"unknown topic", sarama.ErrUnknownTopicOrPartition, ErrUnknownTopic},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyFetch(tc.in)
			if !errors.Is(got, tc.want) {
				t.Errorf("ClassifyFetch(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestRetriable(t *testing.T) {
	if !Retriable(fmt.Errorf("x: %w", ErrMetadataUnavailable)) {
		t.Error("metadata unavailable should be retriable")
	}
	if !Retriable(fmt.Errorf("x: %w", ErrStaleLeader)) {
		t.Error("stale leader should be retriable")
	}
	if Retriable(fmt.Errorf("x: %w", ErrWriteTimeout)) {
		t.Error("ambiguous write timeout must never be retriable")
	}
	if Retriable(errors.New("boom")) {
		t.Error("unclassified errors must not be retriable")
	}
}
