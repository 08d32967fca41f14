// Package playback implements the sequential audio-buffer queue that plays
// synthesized speech fragments gaplessly. One worker goroutine owns the
// decode pipeline per scheduler; decoded clips are handed to a Sink that
// schedules them back-to-back, so fragment-arrival jitter never produces an
// audible gap while the queue stays non-empty.
package playback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Clip is one decoded speech fragment.
type Clip struct {
	Seq      int
	PCM      []byte
	Duration time.Duration
}

// Decoder turns an opaque encoded fragment into a playable clip.
type Decoder interface {
	Decode(ctx context.Context, fragment []byte) (Clip, error)
}

// Source is one started playback. Done is closed when the clip has finished
// sounding (or was stopped). StartAt is the moment the clip begins sounding,
// which may be in the future when the sink has earlier clips still queued.
type Source interface {
	Done() <-chan struct{}
	Stop()
	StartAt() time.Time
}

// Sink schedules decoded clips onto an output device. Implementations must
// play clips in Start order without gaps; Reset discards any pending
// schedule so the next Start begins immediately.
type Sink interface {
	Start(clip Clip) (Source, error)
	Reset()
}

// Stats counts fragment outcomes for the current utterance.
type Stats struct {
	Enqueued int
	Started  int
	Skipped  int
}

type playing struct {
	src     Source
	clip    Clip
	startAt time.Time
	gen     uint64
}

// Scheduler drains a FIFO fragment queue through decode and playback.
type Scheduler struct {
	decoder Decoder
	sink    Sink

	mu         sync.Mutex
	queue      [][]byte
	active     map[*playing]struct{}
	cumulative time.Duration
	stats      Stats
	decoding   bool
	gen        uint64

	kick    chan struct{}
	drained chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func NewScheduler(decoder Decoder, sink Sink) *Scheduler {
	s := &Scheduler{
		decoder: decoder,
		sink:    sink,
		active:  make(map[*playing]struct{}),
		kick:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Enqueue appends an opaque fragment to the tail of the queue. Processing
// begins immediately when the worker is idle.
func (s *Scheduler) Enqueue(fragment []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, fragment)
	s.stats.Enqueued++
	s.mu.Unlock()
	s.wake()
}

// FlushAndStop synchronously stops all active sources, empties the queue and
// resets the timing accumulators. Safe to call at any time, including when
// nothing is playing, and idempotent.
func (s *Scheduler) FlushAndStop() {
	s.mu.Lock()
	s.gen++
	s.queue = nil
	stopped := make([]*playing, 0, len(s.active))
	for p := range s.active {
		stopped = append(stopped, p)
	}
	s.active = make(map[*playing]struct{})
	s.cumulative = 0
	s.stats = Stats{}
	s.mu.Unlock()

	for _, p := range stopped {
		p.src.Stop()
	}
	s.sink.Reset()
}

// Offset returns elapsed time into the current utterance: the cumulative
// duration of finished fragments plus progress through the one currently
// sounding. Monotonically non-decreasing across fragment handoffs.
func (s *Scheduler) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	best := time.Duration(0)
	for p := range s.active {
		elapsed := now.Sub(p.startAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > p.clip.Duration {
			elapsed = p.clip.Duration
		}
		if elapsed > best {
			best = elapsed
		}
	}
	return s.cumulative + best
}

// Drained signals whenever the queue and active-source set both become
// empty; this is what lets the conversation machine fall back to idle.
func (s *Scheduler) Drained() <-chan struct{} {
	return s.drained
}

func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Idle reports whether nothing is queued, decoding, or sounding.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && len(s.active) == 0 && !s.decoding
}

// UtteranceStats reports fragment outcomes since the last flush.
func (s *Scheduler) UtteranceStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close stops the worker. Active sources are flushed first.
func (s *Scheduler) Close() {
	s.FlushAndStop()
	s.once.Do(func() { close(s.closed) })
}

func (s *Scheduler) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.kick:
		}
		s.drainQueue()
	}
}

// drainQueue pops fragments one at a time: decode, start, then move on while
// the sink keeps the clip sounding. At most one fragment is decoding at any
// moment.
func (s *Scheduler) drainQueue() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fragment := s.queue[0]
		s.queue = s.queue[1:]
		gen := s.gen
		s.decoding = true
		s.mu.Unlock()

		clip, err := s.decoder.Decode(context.Background(), fragment)

		s.mu.Lock()
		s.decoding = false
		if s.gen != gen {
			// Flushed while decoding; this fragment belongs to a dead turn.
			s.mu.Unlock()
			continue
		}
		if err != nil || clip.Duration <= 0 {
			// Corrupt fragments are skipped, never retried, so one bad chunk
			// cannot stall the utterance.
			s.stats.Skipped++
			queueEmpty := len(s.queue) == 0
			activeEmpty := len(s.active) == 0
			s.mu.Unlock()
			if queueEmpty && activeEmpty {
				s.notifyDrained()
			}
			continue
		}
		s.mu.Unlock()

		src, startErr := s.sink.Start(clip)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			if startErr == nil {
				src.Stop()
			}
			continue
		}
		if startErr != nil {
			s.stats.Skipped++
			s.mu.Unlock()
			continue
		}
		p := &playing{src: src, clip: clip, startAt: src.StartAt(), gen: gen}
		s.active[p] = struct{}{}
		s.stats.Started++
		s.mu.Unlock()

		go func(p *playing) {
			<-p.src.Done()
			s.finish(p)
		}(p)
	}
}

func (s *Scheduler) finish(p *playing) {
	s.mu.Lock()
	if s.gen != p.gen {
		s.mu.Unlock()
		return
	}
	if _, ok := s.active[p]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, p)
	s.cumulative += p.clip.Duration
	done := len(s.queue) == 0 && len(s.active) == 0 && !s.decoding
	s.mu.Unlock()

	if done {
		s.notifyDrained()
	}
}

func (s *Scheduler) notifyDrained() {
	select {
	case s.drained <- struct{}{}:
	default:
	}
}

var ErrDecode = errors.New("fragment decode failed")

// PCMDecoder treats fragments as raw PCM16LE mono audio.
type PCMDecoder struct {
	SampleRate int
}

func (d PCMDecoder) Decode(_ context.Context, fragment []byte) (Clip, error) {
	if len(fragment) == 0 || len(fragment)%2 != 0 {
		return Clip{}, ErrDecode
	}
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	dur := time.Duration(len(fragment)/2) * time.Second / time.Duration(rate)
	return Clip{PCM: fragment, Duration: dur}, nil
}
