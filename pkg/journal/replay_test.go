package journal

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/actorkit/kjournal/internal/testutil"
	"github.com/actorkit/kjournal/pkg/broker"
)

func collectRange(t *testing.T, j *Journal, entityID string, from, to uint64) ([]Entry, error) {
	t.Helper()
	var got []Entry
	err := j.Replay(context.Background(), entityID, from, to, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	return got, err
}

func sequences(entries []Entry) []uint64 {
	seqs := make([]uint64, len(entries))
	for i, e := range entries {
		seqs[i] = e.SequenceNr
	}
	return seqs
}

func TestReplayWindow(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	seed(t, j, "order-1", "a", "b", "c", "d", "e")

	t.Run("inner range", func(t *testing.T) {
		got, err := collectRange(t, j, "order-1", 2, 4)
		require.NoError(t, err)
		require.Equal(t, []uint64{2, 3, 4}, sequences(got))
	})

	t.Run("upper bound capped at highest", func(t *testing.T) {
		got, err := collectRange(t, j, "order-1", 4, 99)
		require.NoError(t, err)
		require.Equal(t, []uint64{4, 5}, sequences(got))
	})

	t.Run("zero lower bound reads from the start", func(t *testing.T) {
		got, err := collectRange(t, j, "order-1", 0, Unbounded)
		require.NoError(t, err)
		require.Equal(t, []uint64{1, 2, 3, 4, 5}, sequences(got))
	})

	t.Run("start beyond highest yields nothing", func(t *testing.T) {
		got, err := collectRange(t, j, "order-1", 6, Unbounded)
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("inverted range yields nothing", func(t *testing.T) {
		got, err := collectRange(t, j, "order-1", 4, 2)
		require.NoError(t, err)
		require.Empty(t, got)
	})
}

func TestReplayUnknownEntity(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	got, err := collectRange(t, j, "nobody", 1, Unbounded)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReplayIsRepeatable(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	seed(t, j, "order-1", "a", "b", "c")

	first := replayAll(t, j, "order-1")
	second := replayAll(t, j, "order-1")
	require.Equal(t, first, second)

	// Replay holds no cursor state, so it leaves the writer untouched.
	seq, err := j.Append(context.Background(), "order-1", []byte("d"))
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)
}

func TestReplayTruncatedHistory(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b", "c", "d", "e")
	b.Truncate("order-1", 0, 2)

	_, err := collectRange(t, j, "order-1", 1, Unbounded)
	require.ErrorIs(t, err, ErrTruncatedHistory)
	require.ErrorContains(t, err, "oldest retained is #3")

	// Starting at a still-retained sequence number is fine.
	got, err := collectRange(t, j, "order-1", 3, Unbounded)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4, 5}, sequences(got))
}

func TestReplayCorruptPayload(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b", "c")
	b.SetValue("order-1", 0, 1, []byte("{not json"))

	var got []Entry
	err := j.Replay(context.Background(), "order-1", 1, Unbounded, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "order-1", serr.EntityID)
	require.Equal(t, uint64(2), serr.SequenceNr)
	require.Equal(t, []uint64{1}, sequences(got), "entries before the corrupt one are delivered")
}

func TestReplaySequenceMismatch(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b", "c")

	forged, err := j.codec.Marshal(Entry{EntityID: "order-1", SequenceNr: 7, Payload: []byte("x")})
	require.NoError(t, err)
	b.SetValue("order-1", 0, 1, forged)

	_, err = collectRange(t, j, "order-1", 1, Unbounded)
	require.ErrorIs(t, err, ErrCorruptEntry)
	require.ErrorContains(t, err, "holds sequence 7, want 2")
}

func TestReplayHandlerErrorStops(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	seed(t, j, "order-1", "a", "b", "c", "d")

	errStop := errors.New("enough")
	var got []Entry
	err := j.Replay(context.Background(), "order-1", 1, Unbounded, func(e Entry) error {
		got = append(got, e)
		if len(got) == 2 {
			return errStop
		}
		return nil
	})
	require.ErrorIs(t, err, errStop)
	require.Equal(t, []uint64{1, 2}, sequences(got))
}

func TestReplayStaleLeaderReopens(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b", "c")
	refreshes := b.RefreshCalls()

	b.FailStream("order-1", 0, sarama.ErrNotLeaderForPartition)
	got := replayAll(t, j, "order-1")
	require.Equal(t, []uint64{1, 2, 3}, sequences(got))
	require.Greater(t, b.RefreshCalls(), refreshes, "stale stream must invalidate metadata")
}

func TestReplayReopenFailureSurfaces(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b", "c")

	b.FailStream("order-1", 0, sarama.ErrNotLeaderForPartition)
	b.FailNextConsume(sarama.ErrNotLeaderForPartition)
	_, err := collectRange(t, j, "order-1", 1, Unbounded)
	require.ErrorIs(t, err, broker.ErrStaleLeader)
}

func TestReplaySurfacesUnclassifiedStreamError(t *testing.T) {
	b := testutil.NewBroker()
	j := newTestJournal(t, b)
	seed(t, j, "order-1", "a", "b")

	b.FailStream("order-1", 0, sarama.ErrUnknown)
	_, err := collectRange(t, j, "order-1", 1, Unbounded)
	require.ErrorIs(t, err, sarama.ErrUnknown)
	require.ErrorContains(t, err, "replay order-1 at #1")
}

func TestReplayNilHandler(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	err := j.Replay(context.Background(), "order-1", 1, Unbounded, nil)
	require.ErrorContains(t, err, "nil replay handler")
}

func TestReplayInvalidEntityID(t *testing.T) {
	j := newTestJournal(t, testutil.NewBroker())
	err := j.Replay(context.Background(), "no/slash", 1, Unbounded, func(Entry) error { return nil })
	require.ErrorIs(t, err, ErrInvalidEntityID)
}

func TestMarkRangeDeleted(t *testing.T) {
	t.Run("permanent marks are skipped", func(t *testing.T) {
		j := newTestJournal(t, testutil.NewBroker())
		seed(t, j, "order-1", "a", "b", "c", "d", "e")
		require.NoError(t, j.MarkRangeDeleted("order-1", 2, true))

		got := replayAll(t, j, "order-1")
		require.Equal(t, []uint64{3, 4, 5}, sequences(got))
	})

	t.Run("non-permanent marks are flagged", func(t *testing.T) {
		j := newTestJournal(t, testutil.NewBroker())
		seed(t, j, "order-1", "a", "b", "c")
		require.NoError(t, j.MarkRangeDeleted("order-1", 2, false))

		got := replayAll(t, j, "order-1")
		require.Equal(t, []uint64{1, 2, 3}, sequences(got))
		require.True(t, got[0].Deleted)
		require.True(t, got[1].Deleted)
		require.False(t, got[2].Deleted)
	})

	t.Run("watermark never lowers", func(t *testing.T) {
		j := newTestJournal(t, testutil.NewBroker())
		seed(t, j, "order-1", "a", "b", "c", "d")
		require.NoError(t, j.MarkRangeDeleted("order-1", 3, true))
		require.NoError(t, j.MarkRangeDeleted("order-1", 1, true))

		got := replayAll(t, j, "order-1")
		require.Equal(t, []uint64{4}, sequences(got))
	})

	t.Run("mark does not affect the highest sequence number", func(t *testing.T) {
		j := newTestJournal(t, testutil.NewBroker())
		seed(t, j, "order-1", "a", "b", "c")
		require.NoError(t, j.MarkRangeDeleted("order-1", 3, true))

		highest, err := j.HighestSequenceNr(context.Background(), "order-1")
		require.NoError(t, err)
		require.Equal(t, uint64(3), highest)
	})

	t.Run("invalid entity", func(t *testing.T) {
		j := newTestJournal(t, testutil.NewBroker())
		require.ErrorIs(t, j.MarkRangeDeleted("", 1, true), ErrInvalidEntityID)
	})
}
