package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Inbound (client -> server).
	TypeInitSession     MessageType = "init_session"
	TypeAudioFrame      MessageType = "audio_frame"
	TypeUserTurnEnd     MessageType = "user_turn_end"
	TypeTextTurn        MessageType = "text_turn"
	TypeEndSession      MessageType = "end_session"
	TypeRecordingStart  MessageType = "recording_start"
	TypeRecordingChunk  MessageType = "recording_chunk"
	TypeRecordingFinish MessageType = "recording_finish"

	// Outbound (server -> client).
	TypeSessionReady      MessageType = "session_ready"
	TypeTranscriptPartial MessageType = "transcript_partial"
	TypeTranscriptFinal   MessageType = "transcript_final"
	TypeResponseChunk     MessageType = "response_chunk"
	TypeResponseComplete  MessageType = "response_complete"
	TypeSpeechChunk       MessageType = "speech_chunk"
	TypeSpeechAlignment   MessageType = "speech_alignment"
	TypeUserInterrupted   MessageType = "user_interrupted"
	TypeRecordingStarted  MessageType = "recording_started"
	TypeRecordingFinished MessageType = "recording_finished"
	TypeRecordingError    MessageType = "recording_error"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"
	TypeSessionEnded      MessageType = "session_ended"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// InitSession creates (or reattaches to) a session for this connection.
type InitSession struct {
	Type          MessageType `json:"type"`
	ParticipantID string      `json:"participant_id"`
	AgentID       string      `json:"agent_id"`
	VisionEnabled bool        `json:"vision_enabled"`
	// SampleRate declares the PCM rate for the whole session; zero means
	// the server default. Audio frames must match it.
	SampleRate int `json:"sample_rate"`
}

// AudioFrame announces one binary PCM frame delivered out-of-band on the
// same connection, correlated by frame ordering. Payload is attached by the
// transport before the message reaches the orchestrator.
type AudioFrame struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Seq        int         `json:"seq"`
	SampleRate int         `json:"sample_rate"`
	TSMs       int64       `json:"ts_ms"`
	Payload    []byte      `json:"-"`
}

// UserTurnEnd is an advisory turn-boundary hint; upstream VAD stays
// authoritative.
type UserTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// TextTurn is a synthetic user turn that bypasses audio and transcription.
type TextTurn struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type EndSession struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type RecordingStart struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	ContainerHint string      `json:"container_hint"`
}

// RecordingChunk announces one binary recording fragment delivered
// out-of-band, correlated by frame ordering.
type RecordingChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordingID string      `json:"recording_id"`
	Index       int         `json:"index"`
	Payload     []byte      `json:"-"`
}

type RecordingFinish struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordingID string      `json:"recording_id"`
	LastIndex   int         `json:"last_index"`
}

type SessionReady struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	ParticipantID string      `json:"participant_id"`
	AgentID       string      `json:"agent_id"`
}

type TranscriptPartial struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	TSMs       int64       `json:"ts_ms"`
}

type TranscriptFinal struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type ResponseChunk struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	TurnID         string      `json:"turn_id"`
	Text           string      `json:"text"`
	IsInterruption bool        `json:"is_interruption"`
	Proactive      bool        `json:"proactive,omitempty"`
}

type ResponseComplete struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	TurnID         string      `json:"turn_id"`
	IsInterruption bool        `json:"is_interruption"`
	Proactive      bool        `json:"proactive,omitempty"`
}

type SpeechChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

// SpeechAlignment carries timed mouth-shape cues for the current utterance.
// Offsets are milliseconds from utterance start, not wall clock.
type SpeechAlignment struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Shapes    []string    `json:"shapes"`
	StartsMs  []int64     `json:"start_times_ms"`
	EndsMs    []int64     `json:"end_times_ms"`
}

type UserInterrupted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type RecordingStarted struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordingID string      `json:"recording_id"`
}

type RecordingFinished struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	RecordingID    string      `json:"recording_id"`
	ArtifactRef    string      `json:"artifact_ref"`
	ThumbnailRef   string      `json:"thumbnail_ref,omitempty"`
	DurationSec    float64     `json:"duration_sec"`
	SizeBytes      int64       `json:"size_bytes"`
	MissingIndices []int       `json:"missing_indices,omitempty"`
}

type RecordingError struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	RecordingID string      `json:"recording_id"`
	Reason      string      `json:"reason"`
	Detail      string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type SessionEnded struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason"`
}

// ParseClientMessage decodes and validates one inbound text frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInitSession:
		var msg InitSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == "" || msg.AgentID == "" || msg.SampleRate < 0 {
			return nil, errors.New("invalid init_session")
		}
		return msg, nil
	case TypeAudioFrame:
		var msg AudioFrame
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid audio_frame")
		}
		return msg, nil
	case TypeUserTurnEnd:
		var msg UserTurnEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid user_turn_end")
		}
		return msg, nil
	case TypeTextTurn:
		var msg TextTurn
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid text_turn")
		}
		return msg, nil
	case TypeEndSession:
		var msg EndSession
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid end_session")
		}
		return msg, nil
	case TypeRecordingStart:
		var msg RecordingStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid recording_start")
		}
		return msg, nil
	case TypeRecordingChunk:
		var msg RecordingChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RecordingID == "" || msg.Index < 0 {
			return nil, errors.New("invalid recording_chunk")
		}
		return msg, nil
	case TypeRecordingFinish:
		var msg RecordingFinish
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.RecordingID == "" {
			return nil, errors.New("invalid recording_finish")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ExpectsBinary reports whether a parsed inbound message must be paired with
// the next binary frame on the connection.
func ExpectsBinary(msg any) bool {
	switch msg.(type) {
	case AudioFrame, RecordingChunk:
		return true
	default:
		return false
	}
}

// AttachBinary returns a copy of msg with the out-of-band payload attached.
func AttachBinary(msg any, payload []byte) (any, error) {
	switch m := msg.(type) {
	case AudioFrame:
		m.Payload = payload
		return m, nil
	case RecordingChunk:
		m.Payload = payload
		return m, nil
	default:
		return nil, fmt.Errorf("message type %T does not carry a binary payload", msg)
	}
}
