package journal

import (
	"context"
	"errors"

	"github.com/actorkit/kjournal/pkg/broker"
)

// Sequence numbers and partition offsets correspond one to one: partition 0
// of an entity topic is written exclusively by this adapter, one record per
// append, so offset = sequenceNr - 1 and the log-end offset equals the
// highest sequence number ever assigned. Writer priming and replay bounding
// both go through these helpers and cannot diverge.

func offsetOf(sequenceNr uint64) int64 {
	return int64(sequenceNr - 1)
}

func sequenceOf(offset int64) uint64 {
	return uint64(offset) + 1
}

// HighestSequenceNr returns the highest sequence number ever written for
// the entity, or 0 when no entry exists. It queries the log-end offset only
// and never reads history. Retention expiry at the head of the log does not
// lower the result.
func (j *Journal) HighestSequenceNr(ctx context.Context, entityID string) (uint64, error) {
	if err := ValidateEntityID(entityID); err != nil {
		return 0, err
	}
	return j.highest(ctx, entityID)
}

func (j *Journal) highest(ctx context.Context, entityID string) (uint64, error) {
	newest, err := j.resolver.NewestOffset(ctx, entityID, broker.JournalPartition)
	if err != nil {
		if errors.Is(err, broker.ErrUnknownTopic) {
			return 0, nil
		}
		return 0, err
	}
	return uint64(newest), nil
}
