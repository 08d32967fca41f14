package convo

import (
	"context"
	"testing"
	"time"

	"github.com/davmello/visage/internal/audio"
)

func TestMockSynthToneLengthTracksWordCount(t *testing.T) {
	p := NewMockProvider(16000)
	stream, err := p.StartStream(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	defer stream.Close()

	if err := stream.SendText(context.Background(), "hello there world"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	var ev SynthEvent
	select {
	case ev = <-stream.Events():
	case <-time.After(time.Second):
		t.Fatal("no synth event")
	}
	if ev.Type != SynthEventAudio {
		t.Fatalf("event type = %q, want %q", ev.Type, SynthEventAudio)
	}
	if len(ev.PCM) == 0 {
		t.Fatal("audio event carried no PCM")
	}
	want := 180 * time.Millisecond
	got := audio.PCMDuration(ev.PCM, 16000)
	if got < want-5*time.Millisecond || got > want+5*time.Millisecond {
		t.Fatalf("tone duration = %v, want ~%v", got, want)
	}

	select {
	case ev = <-stream.Events():
	case <-time.After(time.Second):
		t.Fatal("no alignment event")
	}
	if ev.Type != SynthEventAlignment {
		t.Fatalf("event type = %q, want %q", ev.Type, SynthEventAlignment)
	}
	if len(ev.Cues) == 0 || ev.Cues[len(ev.Cues)-1].End != want {
		t.Fatalf("cues = %+v, want final cue ending at %v", ev.Cues, want)
	}
}
