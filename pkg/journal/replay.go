package journal

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/actorkit/kjournal/pkg/broker"
	"github.com/actorkit/kjournal/pkg/metrics"
)

// Unbounded replays up to the highest sequence number at call time.
const Unbounded uint64 = math.MaxUint64

// Replay reads the entity's entries with sequence numbers in [from, to] and
// hands each to fn in strictly increasing order. The upper bound is resolved
// once at call time, so the replay terminates without waiting for entries
// written later; fn returning an error stops the replay and surfaces that
// error. A fresh call restarts from its own lower bound, there is no shared
// cursor state, and replay never touches the entity's sequence counter.
//
// A from beyond the highest sequence number yields no entries and no error.
// A from that retention has already expired fails with ErrTruncatedHistory:
// the caller must recover from a snapshot instead of an incomplete prefix.
func (j *Journal) Replay(ctx context.Context, entityID string, from, to uint64, fn func(Entry) error) error {
	if err := ValidateEntityID(entityID); err != nil {
		return err
	}
	if fn == nil {
		return errors.New("journal: nil replay handler")
	}
	if from < 1 {
		from = 1
	}

	highest, err := j.highest(ctx, entityID)
	if err != nil {
		return err
	}
	if to > highest {
		to = highest
	}
	if from > to {
		return nil
	}

	oldest, err := j.resolver.OldestOffset(ctx, entityID, broker.JournalPartition)
	if err != nil {
		return err
	}
	if offsetOf(from) < oldest {
		return fmt.Errorf("%w: %s#%d requested, oldest retained is #%d",
			ErrTruncatedHistory, entityID, from, sequenceOf(oldest))
	}

	mark, marked := j.deletes.Load(entityID)

	pc, err := j.openConsumer(entityID, offsetOf(from))
	if err != nil {
		return err
	}
	defer func() { j.closeConsumer(pc) }()

	next := from
	reopened := false
	for next <= to {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-pc.Messages():
			var entry Entry
			if err := j.codec.Unmarshal(msg.Value, &entry); err != nil {
				return &SerializationError{EntityID: entityID, SequenceNr: sequenceOf(msg.Offset), Err: err}
			}
			if entry.SequenceNr != next {
				return fmt.Errorf("%w: %s offset %d holds sequence %d, want %d",
					ErrCorruptEntry, entityID, msg.Offset, entry.SequenceNr, next)
			}
			if marked && entry.SequenceNr <= mark.UpTo {
				if mark.Permanent {
					next++
					continue
				}
				entry.Deleted = true
			}
			if err := fn(entry); err != nil {
				return err
			}
			metrics.ReplayedEntries.Inc()
			next++

		case ce := <-pc.Errors():
			ferr := broker.ClassifyFetch(ce.Err)
			if !errors.Is(ferr, broker.ErrStaleLeader) || reopened {
				return fmt.Errorf("replay %s at #%d: %w", entityID, next, ferr)
			}
			// One refresh and one reopen at the current position, then
			// surface.
			reopened = true
			j.resolver.Invalidate(entityID)
			j.closeConsumer(pc)
			pc = nil
			npc, err := j.openConsumer(entityID, offsetOf(next))
			if err != nil {
				return err
			}
			pc = npc
		}
	}
	return nil
}

func (j *Journal) openConsumer(topic string, offset int64) (sarama.PartitionConsumer, error) {
	pc, err := j.consumer.ConsumePartition(topic, broker.JournalPartition, offset)
	if err != nil {
		cerr := broker.ClassifyFetch(err)
		if errors.Is(cerr, broker.ErrOffsetOutOfRange) {
			// Retention advanced between the oldest-offset check and the
			// fetch.
			return nil, fmt.Errorf("%w: %s offset %d expired", ErrTruncatedHistory, topic, offset)
		}
		return nil, fmt.Errorf("open replay consumer for %s: %w", topic, cerr)
	}
	return pc, nil
}

func (j *Journal) closeConsumer(pc sarama.PartitionConsumer) {
	if pc == nil {
		return
	}
	if err := pc.Close(); err != nil {
		j.logger.Warn("failed to close partition consumer", zap.Error(err))
	}
}
