package journal

// deletion is the volatile range-deletion watermark of one entity.
type deletion struct {
	UpTo      uint64
	Permanent bool
}

// MarkRangeDeleted marks every entry with a sequence number up to and
// including upTo as deleted. The mark is best-effort in-memory state: it
// does not survive a restart, and the underlying records stay in the log
// until broker retention expires them. During replay, permanently marked
// entries are skipped entirely and non-permanent ones are delivered with
// Deleted set. A mark never lowers an existing watermark.
func (j *Journal) MarkRangeDeleted(entityID string, upTo uint64, permanent bool) error {
	if err := ValidateEntityID(entityID); err != nil {
		return err
	}
	j.deletes.Compute(entityID, func(old deletion, loaded bool) (deletion, bool) {
		if loaded && upTo < old.UpTo {
			return old, false
		}
		return deletion{UpTo: upTo, Permanent: permanent}, false
	})
	return nil
}
