// Package convo owns the per-session conversation state machine: turn-taking,
// barge-in, and proactive agent speech. Transcription, response generation
// and speech synthesis are external collaborators reached through the
// interfaces below.
package convo

import (
	"context"

	"github.com/davmello/visage/internal/lipsync"
)

type TranscriptEventType string

const (
	TranscriptEventPartial   TranscriptEventType = "partial"
	TranscriptEventCommitted TranscriptEventType = "committed"
	TranscriptEventError     TranscriptEventType = "error"
)

type TranscriptEvent struct {
	Type       TranscriptEventType
	Text       string
	Confidence float64
	Detail     string
	Retryable  bool
	Timestamp  int64
}

type TranscribeSession interface {
	SendAudio(ctx context.Context, pcm16le []byte, sampleRate int, commit bool) error
	Close() error
}

type Transcriber interface {
	StartSession(ctx context.Context, sessionID string) (TranscribeSession, <-chan TranscriptEvent, error)
}

// ResponseRequest is one prompt to the generation collaborator.
type ResponseRequest struct {
	SessionID string
	Prompt    string
	Proactive bool
}

type ResponseResult struct {
	Text string
}

// DeltaHandler receives incremental generation tokens in order.
type DeltaHandler func(delta string) error

type Responder interface {
	StreamResponse(ctx context.Context, req ResponseRequest, onDelta DeltaHandler) (ResponseResult, error)
}

type SynthEventType string

const (
	SynthEventAudio     SynthEventType = "audio"
	SynthEventAlignment SynthEventType = "alignment"
	SynthEventFinal     SynthEventType = "final"
	SynthEventError     SynthEventType = "error"
)

type SynthEvent struct {
	Type   SynthEventType
	PCM    []byte
	Cues   []lipsync.Cue
	Detail string
}

type SynthStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan SynthEvent
	Close() error
}

type Synthesizer interface {
	StartStream(ctx context.Context, sessionID string) (SynthStream, error)
}
