package convo

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/davmello/visage/internal/lipsync"
	"github.com/davmello/visage/internal/playback"
	"github.com/davmello/visage/internal/reliability"
)

// State is the conversational phase of one session.
type State string

const (
	StateIdle      State = "idle"
	StateListening State = "listening"
	StateThinking  State = "thinking"
	StateSpeaking  State = "speaking"
)

type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventTranscriptPartial EventType = "transcript_partial"
	EventTranscriptFinal   EventType = "transcript_final"
	EventResponseChunk     EventType = "response_chunk"
	EventResponseComplete  EventType = "response_complete"
	EventSpeechChunk       EventType = "speech_chunk"
	EventSpeechAlignment   EventType = "speech_alignment"
	EventUserInterrupted   EventType = "user_interrupted"
	EventUtteranceDone     EventType = "utterance_done"
	EventContextCapture    EventType = "context_capture"
	EventAdvisoryError     EventType = "advisory_error"
)

// Event is one outbound notification from the machine to its orchestrator.
type Event struct {
	Type         EventType
	State        State
	Text         string
	Audio        []byte
	Seq          int
	Cues         []lipsync.Cue
	Proactive    bool
	Interruption bool
	Detail       string
	Retryable    bool
}

// ErrBusySpeaking means a proactive utterance was suppressed because the
// agent is already voicing one; overlapping audio is never allowed.
var ErrBusySpeaking = errors.New("agent utterance already in progress")

type Config struct {
	SessionID   string
	SampleRate  int
	Transcriber Transcriber
	Responder   Responder
	Synthesizer Synthesizer
	Playback    *playback.Scheduler
	Track       *lipsync.Track
	// InterruptAckText, when set, is spoken as a short acknowledgement
	// right after a barge-in, through the normal queueing path.
	InterruptAckText string
}

// Machine runs the idle/listening/thinking/speaking state machine for one
// session. All mutable state is owned here; collaborators communicate
// through channels and the Events stream.
type Machine struct {
	cfg    Config
	events chan Event

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	turnCancel context.CancelFunc
	captured   bool
	seq        int
	closed     bool

	stt TranscribeSession
}

func NewMachine(cfg Config) *Machine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &Machine{
		cfg:    cfg,
		events: make(chan Event, 256),
		state:  StateIdle,
	}
}

// Start opens the transcription session and begins consuming its events.
func (m *Machine) Start(ctx context.Context) error {
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)
	stt, transcripts, err := m.cfg.Transcriber.StartSession(m.baseCtx, m.cfg.SessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.stt = stt
	m.mu.Unlock()
	go m.pumpTranscripts(transcripts)
	return nil
}

// Events delivers machine output. The channel is never closed; consumers
// stop reading after Close.
func (m *Machine) Events() <-chan Event { return m.events }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// HandleAudioFrame forwards participant audio to the transcription
// collaborator. The first frame moves an idle machine to listening.
func (m *Machine) HandleAudioFrame(ctx context.Context, pcm16le []byte) error {
	m.mu.Lock()
	if m.closed || m.stt == nil {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateIdle {
		m.setStateLocked(StateListening)
	}
	stt := m.stt
	m.mu.Unlock()
	return stt.SendAudio(ctx, pcm16le, m.cfg.SampleRate, false)
}

// HandleTurnEnd hints a turn boundary to the transcriber. Advisory only;
// endpointing inside the transcriber remains authoritative.
func (m *Machine) HandleTurnEnd(ctx context.Context) error {
	m.mu.Lock()
	stt := m.stt
	m.mu.Unlock()
	if stt == nil {
		return nil
	}
	return stt.SendAudio(ctx, nil, m.cfg.SampleRate, true)
}

// SubmitText injects a synthetic user turn, bypassing audio transcription.
func (m *Machine) SubmitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	m.emit(Event{Type: EventTranscriptFinal, Text: text})
	m.startTurn(text, turnTag{})
}

// StartProactive voices an agent-originated utterance (greeting, coaching).
// Suppressed while another utterance is thinking or speaking.
func (m *Machine) StartProactive(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return m.startTurnErr(text, turnTag{proactive: true})
}

// Interrupt is the barge-in path: hard-stop playback, discard the lip-sync
// track and queued fragments, and fall back to listening. Idempotent when
// nothing is being voiced.
func (m *Machine) Interrupt() {
	m.mu.Lock()
	if m.closed || (m.state != StateSpeaking && m.state != StateThinking) {
		m.mu.Unlock()
		return
	}
	if m.turnCancel != nil {
		m.turnCancel()
		m.turnCancel = nil
	}
	m.gen++
	m.setStateLocked(StateListening)
	ack := m.cfg.InterruptAckText
	m.mu.Unlock()

	m.cfg.Playback.FlushAndStop()
	m.cfg.Track.Reset()
	m.emit(Event{Type: EventUserInterrupted})

	if ack != "" {
		m.startTurn(ack, turnTag{interruption: true})
	}
}

// Close tears the machine down. Any in-flight turn is cancelled and the
// transcription session closed.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.turnCancel != nil {
		m.turnCancel()
		m.turnCancel = nil
	}
	stt := m.stt
	m.stt = nil
	m.mu.Unlock()

	if m.baseCancel != nil {
		m.baseCancel()
	}
	if stt != nil {
		_ = stt.Close()
	}
	m.cfg.Playback.FlushAndStop()
	m.cfg.Track.Reset()
}

func (m *Machine) pumpTranscripts(ch <-chan TranscriptEvent) {
	for ev := range ch {
		switch ev.Type {
		case TranscriptEventPartial:
			m.onPartial(ev)
		case TranscriptEventCommitted:
			m.onCommitted(ev)
		case TranscriptEventError:
			m.emit(Event{Type: EventAdvisoryError, Detail: ev.Detail, Retryable: ev.Retryable})
			m.recoverTurnFailure()
		}
	}
}

func (m *Machine) onPartial(ev TranscriptEvent) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.state == StateIdle {
		m.setStateLocked(StateListening)
	}
	speaking := m.state == StateSpeaking
	capture := !m.captured
	if capture {
		m.captured = true
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventTranscriptPartial, Text: text})
	if capture {
		// At most one auxiliary context capture per participant utterance.
		m.emit(Event{Type: EventContextCapture})
	}
	if speaking {
		m.Interrupt()
	}
}

func (m *Machine) onCommitted(ev TranscriptEvent) {
	m.mu.Lock()
	m.captured = false
	m.mu.Unlock()

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		m.mu.Lock()
		if m.state == StateListening {
			m.setStateLocked(StateIdle)
		}
		m.mu.Unlock()
		return
	}
	m.emit(Event{Type: EventTranscriptFinal, Text: text})
	m.startTurn(text, turnTag{})
}

// turnTag carries the provenance of one agent utterance through the turn
// pipeline so outbound messages can be labelled.
type turnTag struct {
	proactive    bool
	interruption bool
}

func (m *Machine) startTurn(text string, tag turnTag) {
	if err := m.startTurnErr(text, tag); err != nil {
		log.Printf("convo %s: turn not started: %v", m.cfg.SessionID, err)
	}
}

func (m *Machine) startTurnErr(text string, tag turnTag) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	if tag.proactive && (m.state == StateThinking || m.state == StateSpeaking) {
		m.mu.Unlock()
		return ErrBusySpeaking
	}
	// A fresh user utterance replaces whatever turn was in flight.
	if m.turnCancel != nil {
		m.turnCancel()
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(m.baseCtx)
	m.turnCancel = cancel
	m.seq = 0
	m.setStateLocked(StateThinking)
	m.mu.Unlock()

	m.cfg.Playback.FlushAndStop()
	m.cfg.Track.Reset()

	go m.runTurn(ctx, gen, text, tag)
	return nil
}

func (m *Machine) runTurn(ctx context.Context, gen uint64, text string, tag turnTag) {
	stream, err := m.cfg.Synthesizer.StartStream(ctx, m.cfg.SessionID)
	if err != nil {
		m.failTurn(gen, "synthesis unavailable", err)
		return
	}
	defer stream.Close()

	synthDone := make(chan struct{})
	go m.consumeSynth(ctx, gen, stream, tag, synthDone)

	_, err = m.cfg.Responder.StreamResponse(ctx, ResponseRequest{
		SessionID: m.cfg.SessionID,
		Prompt:    text,
		Proactive: tag.proactive,
	}, func(delta string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.emit(Event{Type: EventResponseChunk, Text: delta, Proactive: tag.proactive, Interruption: tag.interruption})
		return stream.SendText(ctx, delta)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failTurn(gen, "response generation failed", err)
		return
	}
	_ = stream.CloseInput(ctx)
	m.emit(Event{Type: EventResponseComplete, Proactive: tag.proactive, Interruption: tag.interruption})

	select {
	case <-synthDone:
	case <-ctx.Done():
		return
	}
	m.awaitPlayback(ctx, gen, tag)
}

func (m *Machine) consumeSynth(ctx context.Context, gen uint64, stream SynthStream, tag turnTag, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case SynthEventAudio:
				m.mu.Lock()
				if m.gen != gen || m.closed {
					m.mu.Unlock()
					return
				}
				m.seq++
				seq := m.seq
				if m.state == StateThinking {
					m.setStateLocked(StateSpeaking)
				}
				m.mu.Unlock()
				m.cfg.Playback.Enqueue(ev.PCM)
				m.emit(Event{Type: EventSpeechChunk, Audio: ev.PCM, Seq: seq, Proactive: tag.proactive})
			case SynthEventAlignment:
				shapes := make([]string, len(ev.Cues))
				starts := make([]time.Duration, len(ev.Cues))
				ends := make([]time.Duration, len(ev.Cues))
				for i, cue := range ev.Cues {
					shapes[i], starts[i], ends[i] = cue.Shape, cue.Start, cue.End
				}
				m.cfg.Track.Append(shapes, starts, ends)
				m.emit(Event{Type: EventSpeechAlignment, Cues: ev.Cues, Proactive: tag.proactive})
			case SynthEventError:
				m.emit(Event{Type: EventAdvisoryError, Detail: ev.Detail})
			case SynthEventFinal:
				return
			}
		}
	}
}

// awaitPlayback holds the speaking state until the scheduler reports both
// queue and active sources empty, then falls back to idle. The drained
// signal can race an early mid-utterance drain, so the wait re-checks
// scheduler emptiness rather than trusting one signal.
func (m *Machine) awaitPlayback(ctx context.Context, gen uint64, tag turnTag) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		stale := m.gen != gen || m.closed
		m.mu.Unlock()
		if stale {
			return
		}
		if m.cfg.Playback.Idle() {
			m.finishTurn(gen, tag)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-m.cfg.Playback.Drained():
		case <-ticker.C:
		}
	}
}

func (m *Machine) finishTurn(gen uint64, tag turnTag) {
	stats := m.cfg.Playback.UtteranceStats()

	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.turnCancel = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if stats.Started == 0 && stats.Skipped > 0 {
		// Every fragment of the utterance failed to decode.
		m.emit(Event{Type: EventAdvisoryError, Detail: "utterance produced no playable audio"})
	}
	m.emit(Event{Type: EventUtteranceDone, Proactive: tag.proactive, Interruption: tag.interruption})
}

func (m *Machine) failTurn(gen uint64, summary string, err error) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.turnCancel = nil
	m.setStateLocked(StateListening)
	m.mu.Unlock()
	m.emit(Event{
		Type:      EventAdvisoryError,
		Detail:    summary + ": " + err.Error(),
		Retryable: reliability.IsRetryableCollaboratorError(err),
	})
}

// recoverTurnFailure pulls a machine stuck mid-turn back to listening after
// a collaborator error reported outside the turn goroutine.
func (m *Machine) recoverTurnFailure() {
	m.mu.Lock()
	if m.closed || (m.state != StateThinking && m.state != StateSpeaking) {
		m.mu.Unlock()
		return
	}
	if m.turnCancel != nil {
		m.turnCancel()
		m.turnCancel = nil
	}
	m.gen++
	m.setStateLocked(StateListening)
	m.mu.Unlock()
	m.cfg.Playback.FlushAndStop()
	m.cfg.Track.Reset()
}

func (m *Machine) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	m.emit(Event{Type: EventStateChanged, State: next})
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Printf("convo %s: dropping %s event (slow consumer)", m.cfg.SessionID, ev.Type)
	}
}
