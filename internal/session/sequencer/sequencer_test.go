package sequencer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

func stamped(s *Sequencer, n int) {
	for i := 0; i < n; i++ {
		s.Stamp(v1.NewConnectionStatus("connected", "", 0))
	}
}

func TestStampAssignsMonotonicSeqs(t *testing.T) {
	s := New(10)

	e1 := v1.NewConnectionStatus("connected", "", 0)
	e2 := v1.NewConnectionStatus("connected", "", 0)
	assert.Equal(t, int64(1), s.Stamp(e1))
	assert.Equal(t, int64(2), s.Stamp(e2))
	assert.Equal(t, int64(2), s.CurrentSeq())
}

func TestReplayAfterReturnsTail(t *testing.T) {
	s := New(10)
	stamped(s, 5)

	events := s.ReplayAfter(2)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, int64(5), events[2].Seq)
}

func TestReplayAfterCaughtUp(t *testing.T) {
	s := New(10)
	stamped(s, 3)

	events := s.ReplayAfter(3)
	require.NotNil(t, events)
	assert.Empty(t, events)

	// A client claiming a future seq is treated as caught up.
	events = s.ReplayAfter(99)
	require.NotNil(t, events)
	assert.Empty(t, events)
}

func TestReplayAfterTooFarBehind(t *testing.T) {
	s := New(3)
	stamped(s, 6) // ring now holds seqs 4..6

	assert.Nil(t, s.ReplayAfter(2), "evicted range must force a resync")
	require.Len(t, s.ReplayAfter(3), 3)
	require.Len(t, s.ReplayAfter(5), 1)
}

func TestReplayAfterEmptyRing(t *testing.T) {
	s := New(5)

	events := s.ReplayAfter(0)
	require.NotNil(t, events)
	assert.Empty(t, events)
}

func TestEvictionKeepsContiguousWindow(t *testing.T) {
	s := New(4)
	stamped(s, 10)

	events := s.ReplayAfter(6)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, int64(7+i), e.Seq)
	}
}

func TestNumberingIsNeverReused(t *testing.T) {
	s := New(5)
	stamped(s, 4)

	// Numbering only moves forward; there is no way to rewind it, so a
	// client-held last_seq stays valid for the lifetime of the session.
	assert.Equal(t, int64(5), s.Stamp(v1.NewConnectionStatus("connected", "", 0)))
	assert.Equal(t, int64(5), s.CurrentSeq())
}

func TestConcurrentStampsAreUnique(t *testing.T) {
	s := New(DefaultRingCapacity)

	const workers, perWorker = 8, 100
	var wg sync.WaitGroup
	seqs := make(chan int64, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seqs <- s.Stamp(v1.NewConnectionStatus("connected", "", 0))
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "duplicate seq %d", seq)
		seen[seq] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), s.CurrentSeq())
}
