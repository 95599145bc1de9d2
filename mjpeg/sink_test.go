package mjpeg

import (
	"bytes"
	"strconv"
	"sync"
	"testing"

	"hive-vision-streamer/pipeline"
)

func TestSinkEmpty(t *testing.T) {
	s := NewSink()

	if _, ok := s.Latest(); ok {
		t.Error("Latest() on empty sink reported a frame")
	}
	if s.Published() != 0 {
		t.Errorf("Published() = %d, want 0", s.Published())
	}
}

func TestSinkLatestWins(t *testing.T) {
	s := NewSink()

	s.Publish([]byte("one"), pipeline.FrameStats{FrameIndex: 1})
	s.Publish([]byte("two"), pipeline.FrameStats{FrameIndex: 2})

	snap, ok := s.Latest()
	if !ok {
		t.Fatal("Latest() reported empty sink")
	}
	if string(snap.Frame) != "two" || snap.Stats.FrameIndex != 2 || snap.Seq != 2 {
		t.Errorf("Latest() = %q %+v seq %d", snap.Frame, snap.Stats, snap.Seq)
	}

	// Reading again without a publish returns the same frame
	again, _ := s.Latest()
	if again.Seq != snap.Seq || !bytes.Equal(again.Frame, snap.Frame) {
		t.Error("second read returned a different frame")
	}
}

func TestSinkConcurrentReadersSeeMatchingPairs(t *testing.T) {
	s := NewSink()
	const publishes = 2000

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var lastSeq uint64
			for {
				select {
				case <-stop:
					return
				default:
				}

				snap, ok := s.Latest()
				if !ok {
					continue
				}
				if want := strconv.FormatUint(snap.Stats.FrameIndex, 10); string(snap.Frame) != want {
					t.Errorf("frame %q paired with stats %d", snap.Frame, snap.Stats.FrameIndex)
					return
				}
				if snap.Seq < lastSeq {
					t.Errorf("seq went backwards: %d after %d", snap.Seq, lastSeq)
					return
				}
				lastSeq = snap.Seq
			}
		}()
	}

	for i := uint64(1); i <= publishes; i++ {
		s.Publish([]byte(strconv.FormatUint(i, 10)), pipeline.FrameStats{FrameIndex: i})
	}
	close(stop)
	wg.Wait()

	if s.Published() != publishes {
		t.Errorf("Published() = %d, want %d", s.Published(), publishes)
	}
}
