package orch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/davmello/visage/internal/artifact"
	"github.com/davmello/visage/internal/billing"
	"github.com/davmello/visage/internal/config"
	"github.com/davmello/visage/internal/convo"
	"github.com/davmello/visage/internal/media"
	"github.com/davmello/visage/internal/observability"
	"github.com/davmello/visage/internal/protocol"
	"github.com/davmello/visage/internal/recording"
	"github.com/davmello/visage/internal/session"
	"github.com/davmello/visage/internal/transcript"
)

type harness struct {
	orch     *Orchestrator
	inbound  chan any
	outbound chan any
	store    *transcript.InMemoryStore
	done     chan error
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	if cfg.BillingInterval <= 0 {
		cfg.BillingInterval = time.Hour
	}
	if cfg.BillingCreditsPerTick <= 0 {
		cfg.BillingCreditsPerTick = 1
	}

	store, err := artifact.NewFSStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStorage() error = %v", err)
	}
	recSvc, err := recording.NewService(t.TempDir(), &media.StubMuxer{FragmentDuration: time.Second}, store, recording.Options{
		PollInterval: 5 * time.Millisecond,
		StablePolls:  2,
		Timeout:      5 * time.Second,
	})
	if err != nil {
		t.Fatalf("recording.NewService() error = %v", err)
	}

	mock := convo.NewMockProvider(16000)
	transcripts := transcript.NewInMemoryStore()
	ledger := billing.NewMemoryLedger(cfg.BillingStartCredits)
	metrics := observability.NewMetrics(fmt.Sprintf("visage_test_orch_%d", time.Now().UnixNano()))
	stages := observability.NewStageWindow(64)
	sessions := session.NewManager(time.Minute)

	o := New(cfg, sessions, recSvc, transcripts, ledger, metrics, stages, mock, mock, mock)

	h := &harness{
		orch:     o,
		inbound:  make(chan any, 64),
		outbound: make(chan any, 256),
		store:    transcripts,
		done:     make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { h.done <- o.RunConnection(ctx, h.inbound, h.outbound) }()
	return h
}

func (h *harness) init(t *testing.T) protocol.SessionReady {
	t.Helper()
	h.inbound <- protocol.InitSession{Type: protocol.TypeInitSession, ParticipantID: "p1", AgentID: "a1"}
	ready, ok := waitOutbound[protocol.SessionReady](t, h)
	if !ok {
		t.Fatalf("no session_ready received")
	}
	return ready
}

// waitOutbound scans the outbound channel for the next message of type T.
func waitOutbound[T any](t *testing.T, h *harness) (T, bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-h.outbound:
			if typed, ok := msg.(T); ok {
				return typed, true
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return *new(T), false
		}
	}
}

func TestInitSessionHandshake(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	ready := h.init(t)
	if ready.SessionID == "" || ready.ParticipantID != "p1" || ready.AgentID != "a1" {
		t.Fatalf("session_ready = %+v", ready)
	}

	close(h.inbound)
	if _, ok := waitOutbound[protocol.SessionEnded](t, h); !ok {
		t.Fatalf("no session_ended after disconnect")
	}
	if err := <-h.done; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
}

func TestMessagesBeforeInitRejected(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	h.inbound <- protocol.TextTurn{Type: protocol.TypeTextTurn, SessionID: "nope", Text: "hi"}
	ev, _ := waitOutbound[protocol.ErrorEvent](t, h)
	if ev.Code != "session_not_initialized" {
		t.Fatalf("error code = %q, want session_not_initialized", ev.Code)
	}
}

func TestTextTurnFlowsToSpeech(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	ready := h.init(t)

	h.inbound <- protocol.TextTurn{Type: protocol.TypeTextTurn, SessionID: ready.SessionID, Text: "hello avatar"}

	final, _ := waitOutbound[protocol.TranscriptFinal](t, h)
	if final.Text != "hello avatar" {
		t.Fatalf("transcript_final = %q", final.Text)
	}
	chunk, _ := waitOutbound[protocol.ResponseChunk](t, h)
	if chunk.TurnID == "" {
		t.Fatalf("response_chunk missing turn id")
	}
	speech, _ := waitOutbound[protocol.SpeechChunk](t, h)
	if speech.AudioBase64 == "" {
		t.Fatalf("speech_chunk carries no audio")
	}
	align, _ := waitOutbound[protocol.SpeechAlignment](t, h)
	if len(align.Shapes) == 0 || len(align.Shapes) != len(align.StartsMs) {
		t.Fatalf("speech_alignment malformed: %+v", align)
	}

	// The completed participant turn lands in the transcript store.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := h.store.RecentEntries(context.Background(), ready.SessionID, 10)
		if err != nil {
			t.Fatalf("RecentEntries() error = %v", err)
		}
		if len(entries) > 0 && entries[0].Role == transcript.RoleParticipant {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("participant entry never persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAudioFrameSampleRateMustMatchSession(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	h.inbound <- protocol.InitSession{Type: protocol.TypeInitSession, ParticipantID: "p1", AgentID: "a1", SampleRate: 16000}
	ready, ok := waitOutbound[protocol.SessionReady](t, h)
	if !ok {
		t.Fatalf("no session_ready received")
	}

	h.inbound <- protocol.AudioFrame{
		Type:       protocol.TypeAudioFrame,
		SessionID:  ready.SessionID,
		SampleRate: 8000,
		Payload:    make([]byte, 320),
	}
	ev, _ := waitOutbound[protocol.ErrorEvent](t, h)
	if ev.Code != "sample_rate_mismatch" {
		t.Fatalf("error code = %q, want sample_rate_mismatch", ev.Code)
	}
}

func TestDeclaredSampleRateLabelsSpeech(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	h.inbound <- protocol.InitSession{Type: protocol.TypeInitSession, ParticipantID: "p1", AgentID: "a1", SampleRate: 24000}
	ready, ok := waitOutbound[protocol.SessionReady](t, h)
	if !ok {
		t.Fatalf("no session_ready received")
	}

	h.inbound <- protocol.TextTurn{Type: protocol.TypeTextTurn, SessionID: ready.SessionID, Text: "say something"}
	speech, _ := waitOutbound[protocol.SpeechChunk](t, h)
	if speech.Format != "pcm16le_24000" {
		t.Fatalf("speech format = %q, want pcm16le_24000", speech.Format)
	}
}

func TestRecordingOverConnection(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	ready := h.init(t)

	h.inbound <- protocol.RecordingStart{Type: protocol.TypeRecordingStart, SessionID: ready.SessionID, ContainerHint: "video/webm"}
	started, _ := waitOutbound[protocol.RecordingStarted](t, h)
	if started.RecordingID == "" {
		t.Fatalf("recording_started missing id")
	}

	// Out-of-order delivery with a gap at index 2.
	for _, c := range []struct {
		index   int
		payload string
	}{{3, "d"}, {0, "a"}, {1, "b"}} {
		h.inbound <- protocol.RecordingChunk{
			Type:        protocol.TypeRecordingChunk,
			SessionID:   ready.SessionID,
			RecordingID: started.RecordingID,
			Index:       c.index,
			Payload:     []byte(c.payload),
		}
	}
	h.inbound <- protocol.RecordingFinish{
		Type:        protocol.TypeRecordingFinish,
		SessionID:   ready.SessionID,
		RecordingID: started.RecordingID,
		LastIndex:   3,
	}

	finished, _ := waitOutbound[protocol.RecordingFinished](t, h)
	if finished.RecordingID != started.RecordingID {
		t.Fatalf("recording_finished id = %q, want %q", finished.RecordingID, started.RecordingID)
	}
	if finished.DurationSec != 3 {
		t.Fatalf("duration = %v, want 3s", finished.DurationSec)
	}
	if len(finished.MissingIndices) != 1 || finished.MissingIndices[0] != 2 {
		t.Fatalf("missing = %v, want [2]", finished.MissingIndices)
	}
	if finished.ArtifactRef == "" {
		t.Fatalf("artifact ref empty")
	}
}

func TestEmptyRecordingFinishReportsError(t *testing.T) {
	h := newHarness(t, config.Config{BillingStartCredits: 60})
	ready := h.init(t)

	h.inbound <- protocol.RecordingStart{Type: protocol.TypeRecordingStart, SessionID: ready.SessionID}
	started, _ := waitOutbound[protocol.RecordingStarted](t, h)

	h.inbound <- protocol.RecordingFinish{
		Type:        protocol.TypeRecordingFinish,
		SessionID:   ready.SessionID,
		RecordingID: started.RecordingID,
	}
	recErr, _ := waitOutbound[protocol.RecordingError](t, h)
	if recErr.Reason != "no_fragments" {
		t.Fatalf("recording_error reason = %q, want no_fragments", recErr.Reason)
	}
}

func TestBillingExhaustionEndsSession(t *testing.T) {
	h := newHarness(t, config.Config{
		BillingStartCredits:   1,
		BillingCreditsPerTick: 1,
		BillingInterval:       20 * time.Millisecond,
	})
	h.init(t)

	sys, _ := waitOutbound[protocol.SystemEvent](t, h)
	if sys.Code != "billing_exhausted" {
		t.Fatalf("system event = %q, want billing_exhausted", sys.Code)
	}
	ended, _ := waitOutbound[protocol.SessionEnded](t, h)
	if ended.Reason != "billing_exhausted" {
		t.Fatalf("session_ended reason = %q, want billing_exhausted", ended.Reason)
	}
	if err := <-h.done; err != nil {
		t.Fatalf("RunConnection() error = %v", err)
	}
}

func TestGreetingSpokenProactively(t *testing.T) {
	h := newHarness(t, config.Config{
		BillingStartCredits: 60,
		GreetingEnabled:     true,
		GreetingText:        "Welcome in! Ready when you are.",
	})
	h.init(t)

	chunk, _ := waitOutbound[protocol.ResponseChunk](t, h)
	if !chunk.Proactive {
		t.Fatalf("greeting response chunk not tagged proactive")
	}
	if _, ok := waitOutbound[protocol.SpeechChunk](t, h); !ok {
		t.Fatalf("greeting produced no speech")
	}
}
