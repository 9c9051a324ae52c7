package journal

import "fmt"

// Entry is the unit of durable storage: one event of one entity, addressed
// by its gapless sequence number. Deleted is never persisted; replay sets it
// from the in-memory deletion watermark.
type Entry struct {
	EntityID   string `json:"entityId" msgpack:"entityId"`
	SequenceNr uint64 `json:"sequenceNr" msgpack:"sequenceNr"`
	Payload    []byte `json:"payload" msgpack:"payload"`
	Deleted    bool   `json:"deleted,omitempty" msgpack:"deleted"`
}

// maxEntityIDLen matches Kafka's topic name length limit.
const maxEntityIDLen = 249

// ValidateEntityID checks that id can be used verbatim as a Kafka topic
// name. Invalid IDs are rejected with ErrInvalidEntityID, never sanitized.
func ValidateEntityID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(id) > maxEntityIDLen {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidEntityID, id, maxEntityIDLen)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidEntityID, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidEntityID, id, r)
		}
	}
	return nil
}
