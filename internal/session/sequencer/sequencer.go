// Package sequencer assigns monotonically increasing sequence numbers to
// outbound events and keeps a bounded replay ring for reconnecting clients.
package sequencer

import (
	"sync"

	v1 "github.com/mirageos/mirage/pkg/api/v1"
)

// DefaultRingCapacity bounds the replay window.
const DefaultRingCapacity = 5000

// Sequencer stamps events and retains the most recent ones for replay.
// Safe for concurrent use.
type Sequencer struct {
	mu       sync.Mutex
	nextSeq  int64
	ring     []*v1.ServerEvent
	capacity int
}

// New creates a sequencer with the given ring capacity. Non-positive values
// fall back to DefaultRingCapacity.
func New(capacity int) *Sequencer {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Sequencer{
		nextSeq:  1,
		ring:     make([]*v1.ServerEvent, 0, capacity),
		capacity: capacity,
	}
}

// Stamp assigns the next sequence number to the event and records it in the
// ring, evicting the oldest entry when full. Returns the assigned number.
func (s *Sequencer) Stamp(event *v1.ServerEvent) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	event.Seq = s.nextSeq
	s.nextSeq++

	if len(s.ring) == s.capacity {
		copy(s.ring, s.ring[1:])
		s.ring[len(s.ring)-1] = event
	} else {
		s.ring = append(s.ring, event)
	}
	return event.Seq
}

// CurrentSeq returns the highest sequence number assigned so far, 0 when no
// event has been stamped.
func (s *Sequencer) CurrentSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq - 1
}

// ReplayAfter returns every retained event with Seq > after, in order. A nil
// slice means the client is too far behind and must resynchronize from a
// snapshot: the oldest retained event no longer connects to `after`.
func (s *Sequencer) ReplayAfter(after int64) []*v1.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.ring) == 0 {
		if after < s.nextSeq-1 {
			return nil
		}
		return []*v1.ServerEvent{}
	}

	oldest := s.ring[0].Seq
	if after < oldest-1 {
		return nil
	}

	// Seqs in the ring are contiguous, so the start index is a direct offset.
	start := int(after - oldest + 1)
	if start >= len(s.ring) {
		return []*v1.ServerEvent{}
	}

	out := make([]*v1.ServerEvent, len(s.ring)-start)
	copy(out, s.ring[start:])
	return out
}
