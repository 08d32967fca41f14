package playback

import (
	"sync"
	"time"
)

// TimerSink schedules clips on the wall clock, back-to-back: each clip
// begins when the previous one ends (or immediately when the line is free)
// and its source completes after the clip's duration. This mirrors how an
// output device consumes queued PCM at the realtime rate without needing an
// actual speaker, which keeps the scheduler testable.
type TimerSink struct {
	mu         sync.Mutex
	nextFreeAt time.Time
}

func NewTimerSink() *TimerSink {
	return &TimerSink{}
}

func (s *TimerSink) Start(clip Clip) (Source, error) {
	s.mu.Lock()
	now := time.Now()
	startAt := s.nextFreeAt
	if startAt.Before(now) {
		startAt = now
	}
	endAt := startAt.Add(clip.Duration)
	s.nextFreeAt = endAt
	s.mu.Unlock()

	src := &timerSource{startAt: startAt, done: make(chan struct{})}
	src.timer = time.AfterFunc(time.Until(endAt), src.complete)
	return src, nil
}

// Reset drops any pending schedule so the next Start plays immediately.
func (s *TimerSink) Reset() {
	s.mu.Lock()
	s.nextFreeAt = time.Time{}
	s.mu.Unlock()
}

type timerSource struct {
	timer   *time.Timer
	once    sync.Once
	done    chan struct{}
	startAt time.Time
}

func (s *timerSource) Done() <-chan struct{} { return s.done }

func (s *timerSource) StartAt() time.Time { return s.startAt }

func (s *timerSource) complete() {
	s.once.Do(func() { close(s.done) })
}

func (s *timerSource) Stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.complete()
}
