package convo

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/davmello/visage/internal/audio"
	"github.com/davmello/visage/internal/lipsync"
)

// MockProvider is a local fallback for all three collaborators, used when no
// real backends are configured. Transcripts echo canned text, responses echo
// the prompt, and synthesis emits a short sine-tone fragment per sentence.
type MockProvider struct {
	SampleRate int
}

func NewMockProvider(sampleRate int) *MockProvider {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &MockProvider{SampleRate: sampleRate}
}

func (p *MockProvider) StartSession(_ context.Context, _ string) (TranscribeSession, <-chan TranscriptEvent, error) {
	events := make(chan TranscriptEvent, 64)
	return &mockTranscribeSession{events: events}, events, nil
}

type mockTranscribeSession struct {
	mu     sync.Mutex
	events chan TranscriptEvent
	chunks int
	heard  bool
	closed bool
}

func (s *mockTranscribeSession) SendAudio(_ context.Context, pcm16le []byte, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if len(pcm16le) > 0 {
		s.heard = true
		s.events <- TranscriptEvent{Type: TranscriptEventPartial, Text: "...", Confidence: 0.5, Timestamp: time.Now().UnixMilli()}
	}
	if commit || s.chunks%8 == 0 {
		text := "simulated participant speech"
		if !s.heard {
			text = ""
		}
		s.heard = false
		s.events <- TranscriptEvent{Type: TranscriptEventCommitted, Text: text, Confidence: 0.7, Timestamp: time.Now().UnixMilli()}
	}
	return nil
}

func (s *mockTranscribeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (p *MockProvider) StreamResponse(ctx context.Context, req ResponseRequest, onDelta DeltaHandler) (ResponseResult, error) {
	text := "You said: " + strings.TrimSpace(req.Prompt)
	if req.Proactive {
		text = strings.TrimSpace(req.Prompt)
	}
	if onDelta != nil {
		for _, word := range strings.Fields(text) {
			if err := ctx.Err(); err != nil {
				return ResponseResult{}, err
			}
			if err := onDelta(word + " "); err != nil {
				return ResponseResult{}, err
			}
		}
	}
	return ResponseResult{Text: text}, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string) (SynthStream, error) {
	events := make(chan SynthEvent, 128)
	return &mockSynthStream{events: events, sampleRate: p.SampleRate}, nil
}

type mockSynthStream struct {
	mu         sync.Mutex
	events     chan SynthEvent
	sampleRate int
	offset     time.Duration
	closed     bool
}

func (s *mockSynthStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	// Roughly 60ms of tone per word keeps mock utterance length proportional
	// to text length.
	words := len(strings.Fields(text))
	if words == 0 {
		words = 1
	}
	dur := time.Duration(words) * 60 * time.Millisecond
	pcm := audio.SineTonePCM16LE(440, s.sampleRate, dur, 0.2)
	s.events <- SynthEvent{Type: SynthEventAudio, PCM: pcm}
	s.events <- SynthEvent{Type: SynthEventAlignment, Cues: []lipsync.Cue{
		{Shape: "A", Start: s.offset, End: s.offset + dur/2},
		{Shape: "E", Start: s.offset + dur/2, End: s.offset + dur},
	}}
	s.offset += dur
	return nil
}

func (s *mockSynthStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- SynthEvent{Type: SynthEventFinal}
	return nil
}

func (s *mockSynthStream) Events() <-chan SynthEvent { return s.events }

func (s *mockSynthStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
