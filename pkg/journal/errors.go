package journal

import (
	"errors"
	"fmt"

	"github.com/actorkit/kjournal/pkg/broker"
)

// Broker-level conditions are shared with pkg/broker so errors.Is matches
// across both packages.
var (
	// ErrMetadataUnavailable signals that no leader or broker could be
	// resolved within the bounded retry window.
	ErrMetadataUnavailable = broker.ErrMetadataUnavailable

	// ErrStaleLeader signals that the write or read was still rejected after
	// one metadata refresh and one retry.
	ErrStaleLeader = broker.ErrStaleLeader

	// ErrWriteTimeout signals an ambiguous append: the broker may or may not
	// have persisted the record. The entity's counter is re-derived from the
	// broker before the next append. Callers must not treat this as a plain
	// failure; HighestSequenceNr is the reconciliation path.
	ErrWriteTimeout = broker.ErrWriteTimeout

	// ErrTruncatedHistory signals that the requested replay start has been
	// expired by broker retention. Recovery must fall back to a snapshot.
	ErrTruncatedHistory = errors.New("journal: history truncated by retention")

	// ErrCorruptEntry signals a stored record that violates the
	// sequence/offset correspondence of the journal.
	ErrCorruptEntry = errors.New("journal: corrupt entry")

	// ErrInvalidEntityID signals an entity ID that cannot name a topic.
	ErrInvalidEntityID = errors.New("journal: invalid entity ID")
)

// SerializationError reports an entry that could not be encoded or decoded.
// It is never retried and is fatal for that single entry only; a batch's
// already-durable prefix is unaffected.
type SerializationError struct {
	EntityID   string
	SequenceNr uint64
	Err        error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("journal: serialize entry %s#%d: %v", e.EntityID, e.SequenceNr, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
