package convo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davmello/visage/internal/lipsync"
	"github.com/davmello/visage/internal/playback"
)

type fakeTranscriber struct {
	ch chan TranscriptEvent
}

func (f *fakeTranscriber) StartSession(context.Context, string) (TranscribeSession, <-chan TranscriptEvent, error) {
	return nopTranscribeSession{}, f.ch, nil
}

type nopTranscribeSession struct{}

func (nopTranscribeSession) SendAudio(context.Context, []byte, int, bool) error { return nil }
func (nopTranscribeSession) Close() error                                       { return nil }

type fakeResponder struct {
	deltas []string
	err    error
}

func (f *fakeResponder) StreamResponse(ctx context.Context, _ ResponseRequest, onDelta DeltaHandler) (ResponseResult, error) {
	if f.err != nil {
		return ResponseResult{}, f.err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return ResponseResult{}, err
		}
	}
	return ResponseResult{Text: strings.Join(f.deltas, "")}, nil
}

type fakeSynth struct {
	clip []byte
}

func (f *fakeSynth) StartStream(context.Context, string) (SynthStream, error) {
	return &fakeSynthStream{events: make(chan SynthEvent, 32), clip: f.clip}, nil
}

type fakeSynthStream struct {
	events chan SynthEvent
	clip   []byte
	closed bool
}

func (s *fakeSynthStream) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.events <- SynthEvent{Type: SynthEventAudio, PCM: s.clip}
	s.events <- SynthEvent{Type: SynthEventAlignment, Cues: []lipsync.Cue{{Shape: "A", Start: 0, End: 10 * time.Millisecond}}}
	return nil
}

func (s *fakeSynthStream) CloseInput(context.Context) error {
	s.events <- SynthEvent{Type: SynthEventFinal}
	return nil
}

func (s *fakeSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *fakeSynthStream) Close() error {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// pcmMillis returns silence PCM16LE of the given duration at 16kHz.
func pcmMillis(ms int) []byte {
	return make([]byte, 16000*2*ms/1000)
}

func newTestMachine(t *testing.T, responder Responder, clip []byte) (*Machine, chan TranscriptEvent) {
	t.Helper()
	transcripts := make(chan TranscriptEvent, 16)
	sched := playback.NewScheduler(playback.PCMDecoder{SampleRate: 16000}, playback.NewTimerSink())
	t.Cleanup(sched.Close)
	m := NewMachine(Config{
		SessionID:   "test-session",
		SampleRate:  16000,
		Transcriber: &fakeTranscriber{ch: transcripts},
		Responder:   responder,
		Synthesizer: &fakeSynth{clip: clip},
		Playback:    sched,
		Track:       lipsync.NewTrack(),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m, transcripts
}

func waitEvent(t *testing.T, m *Machine, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestReactiveTurnRunsToIdle(t *testing.T) {
	m, transcripts := newTestMachine(t, &fakeResponder{deltas: []string{"hello ", "there"}}, pcmMillis(20))

	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "hi"}

	if ev := waitEvent(t, m, EventTranscriptFinal); ev.Text != "hi" {
		t.Fatalf("transcript final text = %q, want hi", ev.Text)
	}
	waitEvent(t, m, EventResponseChunk)
	waitEvent(t, m, EventResponseComplete)
	if ev := waitEvent(t, m, EventSpeechChunk); len(ev.Audio) == 0 {
		t.Fatalf("speech chunk carries no audio")
	}
	if ev := waitEvent(t, m, EventUtteranceDone); ev.Proactive {
		t.Fatalf("reactive utterance tagged proactive")
	}
	waitState(t, m, StateIdle)
}

func TestBargeInClearsPlaybackAndTrack(t *testing.T) {
	m, transcripts := newTestMachine(t, &fakeResponder{deltas: []string{"a long reply"}}, pcmMillis(800))

	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "tell me something"}
	waitState(t, m, StateSpeaking)

	// New participant speech while the agent is voicing = barge-in.
	transcripts <- TranscriptEvent{Type: TranscriptEventPartial, Text: "wait"}

	waitEvent(t, m, EventUserInterrupted)
	waitState(t, m, StateListening)
	if !m.cfg.Playback.Idle() {
		t.Fatalf("playback not idle after barge-in")
	}
	if m.cfg.Track.Len() != 0 {
		t.Fatalf("lip-sync track not cleared after barge-in: %d cues", m.cfg.Track.Len())
	}
	if off := m.cfg.Playback.Offset(); off != 0 {
		t.Fatalf("playback offset = %v after barge-in, want 0", off)
	}
}

func TestBargeInAckUtteranceTaggedAsInterruption(t *testing.T) {
	transcripts := make(chan TranscriptEvent, 16)
	sched := playback.NewScheduler(playback.PCMDecoder{SampleRate: 16000}, playback.NewTimerSink())
	t.Cleanup(sched.Close)
	m := NewMachine(Config{
		SessionID:        "test-session",
		SampleRate:       16000,
		Transcriber:      &fakeTranscriber{ch: transcripts},
		Responder:        &fakeResponder{deltas: []string{"a long reply"}},
		Synthesizer:      &fakeSynth{clip: pcmMillis(800)},
		Playback:         sched,
		Track:            lipsync.NewTrack(),
		InterruptAckText: "one sec",
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Close)

	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "tell me something"}
	if ev := waitEvent(t, m, EventResponseChunk); ev.Interruption {
		t.Fatalf("ordinary turn's response chunk tagged as interruption")
	}
	waitState(t, m, StateSpeaking)

	transcripts <- TranscriptEvent{Type: TranscriptEventPartial, Text: "wait"}
	waitEvent(t, m, EventUserInterrupted)

	// The acknowledgement turn that follows the barge-in carries the
	// interruption tag on both its chunks and its completion.
	if ev := waitEvent(t, m, EventResponseChunk); !ev.Interruption {
		t.Fatalf("acknowledgement chunk not tagged as interruption")
	}
	if ev := waitEvent(t, m, EventResponseComplete); !ev.Interruption {
		t.Fatalf("acknowledgement completion not tagged as interruption")
	}
}

func TestProactiveSuppressedWhileSpeaking(t *testing.T) {
	m, transcripts := newTestMachine(t, &fakeResponder{deltas: []string{"reply"}}, pcmMillis(800))

	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "hi"}
	waitState(t, m, StateSpeaking)

	if err := m.StartProactive("coaching tip"); !errors.Is(err, ErrBusySpeaking) {
		t.Fatalf("StartProactive() error = %v, want ErrBusySpeaking", err)
	}
}

func TestProactiveFromIdle(t *testing.T) {
	m, _ := newTestMachine(t, &fakeResponder{deltas: []string{"welcome!"}}, pcmMillis(20))

	if err := m.StartProactive("greet the user"); err != nil {
		t.Fatalf("StartProactive() error = %v", err)
	}
	if ev := waitEvent(t, m, EventResponseChunk); !ev.Proactive {
		t.Fatalf("proactive turn's response chunk not tagged proactive")
	}
	if ev := waitEvent(t, m, EventUtteranceDone); !ev.Proactive {
		t.Fatalf("proactive utterance not tagged proactive")
	}
	waitState(t, m, StateIdle)
}

func TestResponderFailureFallsBackToListening(t *testing.T) {
	m, transcripts := newTestMachine(t, &fakeResponder{err: fmt.Errorf("backend down")}, pcmMillis(20))

	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "hi"}

	ev := waitEvent(t, m, EventAdvisoryError)
	if !strings.Contains(ev.Detail, "backend down") {
		t.Fatalf("advisory detail = %q, want backend error", ev.Detail)
	}
	waitState(t, m, StateListening)
}

func TestContextCaptureOncePerUtterance(t *testing.T) {
	m, transcripts := newTestMachine(t, &fakeResponder{deltas: []string{"ok"}}, pcmMillis(20))

	transcripts <- TranscriptEvent{Type: TranscriptEventPartial, Text: "he"}
	transcripts <- TranscriptEvent{Type: TranscriptEventPartial, Text: "hello"}

	waitEvent(t, m, EventContextCapture)
	// Second partial of the same utterance must not capture again.
	select {
	case ev := <-m.Events():
		if ev.Type == EventContextCapture {
			t.Fatalf("context captured twice in one utterance")
		}
	case <-time.After(100 * time.Millisecond):
	}

	// A committed turn resets capture for the next utterance.
	transcripts <- TranscriptEvent{Type: TranscriptEventCommitted, Text: "hello"}
	waitEvent(t, m, EventUtteranceDone)
	transcripts <- TranscriptEvent{Type: TranscriptEventPartial, Text: "again"}
	waitEvent(t, m, EventContextCapture)
}

func TestSubmitTextBypassesTranscription(t *testing.T) {
	m, _ := newTestMachine(t, &fakeResponder{deltas: []string{"typed reply"}}, pcmMillis(20))

	m.SubmitText("typed question")
	if ev := waitEvent(t, m, EventTranscriptFinal); ev.Text != "typed question" {
		t.Fatalf("transcript final = %q, want typed question", ev.Text)
	}
	waitEvent(t, m, EventUtteranceDone)
	waitState(t, m, StateIdle)
}
