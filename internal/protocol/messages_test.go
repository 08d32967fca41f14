package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseClientMessageInitSession(t *testing.T) {
	raw := []byte(`{"type":"init_session","participant_id":"p1","agent_id":"a1","vision_enabled":true}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	init, ok := msg.(InitSession)
	if !ok {
		t.Fatalf("message type = %T, want InitSession", msg)
	}
	if init.ParticipantID != "p1" || init.AgentID != "a1" || !init.VisionEnabled {
		t.Fatalf("unexpected init_session: %+v", init)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseClientMessageAudioFrame(t *testing.T) {
	raw := []byte(`{"type":"audio_frame","session_id":"s1","seq":3,"sample_rate":16000,"ts_ms":42}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	frame, ok := msg.(AudioFrame)
	if !ok {
		t.Fatalf("message type = %T, want AudioFrame", msg)
	}
	if frame.SessionID != "s1" || frame.SampleRate != 16000 || frame.Seq != 3 {
		t.Fatalf("unexpected audio_frame: %+v", frame)
	}
	if !ExpectsBinary(frame) {
		t.Fatalf("ExpectsBinary(AudioFrame) = false, want true")
	}
}

func TestParseClientMessageRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"type":"audio_frame","session_id":"","sample_rate":16000}`,
		`{"type":"text_turn","session_id":"s1","text":""}`,
		`{"type":"recording_chunk","session_id":"s1","recording_id":"","index":0}`,
		`{"type":"recording_chunk","session_id":"s1","recording_id":"r1","index":-1}`,
		`{"type":"recording_finish","session_id":"s1","recording_id":""}`,
		`{"type":"init_session","participant_id":"","agent_id":"a1"}`,
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage([]byte(raw)); err == nil {
			t.Fatalf("ParseClientMessage(%s) error = nil, want validation error", raw)
		}
	}
}

func TestParseClientMessageRecordingFlow(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"recording_start","session_id":"s1","container_hint":"video/webm"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(recording_start) error = %v", err)
	}
	start, ok := msg.(RecordingStart)
	if !ok || start.ContainerHint != "video/webm" {
		t.Fatalf("unexpected recording_start: %T %+v", msg, msg)
	}
	if ExpectsBinary(start) {
		t.Fatalf("ExpectsBinary(RecordingStart) = true, want false")
	}

	msg, err = ParseClientMessage([]byte(`{"type":"recording_chunk","session_id":"s1","recording_id":"r1","index":7}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(recording_chunk) error = %v", err)
	}
	chunk := msg.(RecordingChunk)
	if chunk.Index != 7 || !ExpectsBinary(chunk) {
		t.Fatalf("unexpected recording_chunk: %+v", chunk)
	}

	msg, err = ParseClientMessage([]byte(`{"type":"recording_finish","session_id":"s1","recording_id":"r1","last_index":9}`))
	if err != nil {
		t.Fatalf("ParseClientMessage(recording_finish) error = %v", err)
	}
	finish := msg.(RecordingFinish)
	if finish.LastIndex != 9 {
		t.Fatalf("LastIndex = %d, want 9", finish.LastIndex)
	}
}

func TestAttachBinary(t *testing.T) {
	payload := []byte{1, 2, 3}
	attached, err := AttachBinary(RecordingChunk{RecordingID: "r1", Index: 0}, payload)
	if err != nil {
		t.Fatalf("AttachBinary() error = %v", err)
	}
	chunk, ok := attached.(RecordingChunk)
	if !ok {
		t.Fatalf("attached type = %T, want RecordingChunk", attached)
	}
	if !bytes.Equal(chunk.Payload, payload) {
		t.Fatalf("Payload = %v, want %v", chunk.Payload, payload)
	}

	if _, err := AttachBinary(TextTurn{}, payload); err == nil {
		t.Fatalf("AttachBinary(TextTurn) error = nil, want error")
	}
}
