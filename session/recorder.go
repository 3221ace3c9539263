package session

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// recorderRingSize is the ring capacity in samples (power of two).
	// Roughly 2.7 seconds of interleaved stereo at 48 kHz.
	recorderRingSize = 1 << 18

	recorderDrainInterval = 50 * time.Millisecond
	recorderBitDepth      = 16
)

// Recorder taps the processed canonical stream to a WAV file for diagnosis.
// The IO callback pushes samples into a preallocated ring without locking or
// blocking; a drain goroutine encodes them to disk. When the drain falls
// behind, whole buffers are dropped and counted rather than ever stalling
// the callback.
type Recorder struct {
	ring [recorderRingSize]float32

	wpos    atomic.Uint64 // written by the IO callback only
	rpos    atomic.Uint64 // written by the drain goroutine only
	dropped atomic.Uint64

	f   *os.File
	enc *wav.Encoder

	quit chan struct{}
	done chan struct{}
}

// NewRecorder opens path for writing and starts the drain goroutine. The
// file is encoded as 16-bit stereo PCM at the session's processing rate.
func NewRecorder(path string, sampleRate float64) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("session: creating recording %q: %w", path, err)
	}
	r := &Recorder{
		f:    f,
		enc:  wav.NewEncoder(f, int(sampleRate), recorderBitDepth, 2, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.drain()
	return r, nil
}

// push copies one processed buffer into the ring. Callback-thread only.
func (r *Recorder) push(buf []float32) {
	w := r.wpos.Load()
	free := uint64(recorderRingSize) - (w - r.rpos.Load())
	if uint64(len(buf)) > free {
		r.dropped.Add(uint64(len(buf)))
		return
	}
	for _, s := range buf {
		r.ring[w&(recorderRingSize-1)] = s
		w++
	}
	r.wpos.Store(w)
}

// Dropped returns the number of samples discarded because the drain
// goroutine fell behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) drain() {
	defer close(r.done)
	ticker := time.NewTicker(recorderDrainInterval)
	defer ticker.Stop()

	scratch := make([]int, recorderRingSize)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: r.enc.SampleRate},
		SourceBitDepth: recorderBitDepth,
	}

	flush := func() {
		rp := r.rpos.Load()
		wp := r.wpos.Load()
		n := int(wp - rp)
		if n == 0 {
			return
		}
		for i := 0; i < n; i++ {
			s := r.ring[(rp+uint64(i))&(recorderRingSize-1)]
			if s > 1 {
				s = 1
			} else if s < -1 {
				s = -1
			}
			scratch[i] = int(s * 32767)
		}
		r.rpos.Store(rp + uint64(n))
		buf.Data = scratch[:n]
		_ = r.enc.Write(buf)
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-r.quit:
			flush()
			return
		}
	}
}

// Close stops the drain goroutine, flushes remaining samples and finalizes
// the WAV header.
func (r *Recorder) Close() error {
	close(r.quit)
	<-r.done
	if err := r.enc.Close(); err != nil {
		r.f.Close()
		return fmt.Errorf("session: finalizing recording: %w", err)
	}
	return r.f.Close()
}

// EnableRecording starts writing the session's processed output to a WAV
// file at path. An existing recording is closed first.
func (s *Session) EnableRecording(path string) error {
	rate := s.sampleRate
	if rate <= 0 {
		rate = 48000
	}
	rec, err := NewRecorder(path, rate)
	if err != nil {
		return err
	}
	if old := s.rec.Swap(rec); old != nil {
		old.Close()
	}
	return nil
}

// DisableRecording stops and finalizes the active recording, if any.
func (s *Session) DisableRecording() error {
	if old := s.rec.Swap(nil); old != nil {
		return old.Close()
	}
	return nil
}
