package mjpeg

import (
	"sync"

	"hive-vision-streamer/pipeline"
)

// Snapshot is one publish event: the encoded frame and the stats that
// produced it. Seq starts at 1 and increases with every publish.
type Snapshot struct {
	Frame []byte
	Stats pipeline.FrameStats
	Seq   uint64
}

// Sink is a single-slot latest-wins store for the annotated stream. Publish
// never blocks on readers and readers never see a torn frame/stats pair.
type Sink struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewSink creates an empty sink
func NewSink() *Sink {
	return &Sink{}
}

// Publish replaces the slot. frame must not be modified afterwards.
func (s *Sink) Publish(frame []byte, stats pipeline.FrameStats) {
	s.mu.Lock()
	s.snap = Snapshot{
		Frame: frame,
		Stats: stats,
		Seq:   s.snap.Seq + 1,
	}
	s.mu.Unlock()
}

// Latest returns the current snapshot, or false if nothing was published yet
func (s *Sink) Latest() (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, s.snap.Seq > 0
}

// Published returns the number of publish events so far
func (s *Sink) Published() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Seq
}
