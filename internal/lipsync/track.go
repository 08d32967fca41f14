// Package lipsync accumulates timed mouth-shape cues for the agent's
// current utterance. Offsets are measured from utterance start so that a
// renderer can sample the track against the playback scheduler's clock.
package lipsync

import (
	"sync"
	"time"
)

// Cue is one mouth shape held over [Start, End).
type Cue struct {
	Shape string
	Start time.Duration
	End   time.Duration
}

// Track is the ordered cue sequence for one utterance. Appending merges
// successive cues that share a shape; a new utterance resets the track.
type Track struct {
	mu   sync.Mutex
	cues []Cue
}

func NewTrack() *Track {
	return &Track{}
}

// Append adds alignment cues as they arrive from the synthesizer.
// Slices shorter than shapes are ignored past their length.
func (t *Track) Append(shapes []string, starts, ends []time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, shape := range shapes {
		if i >= len(starts) || i >= len(ends) {
			break
		}
		if shape == "" || ends[i] < starts[i] {
			continue
		}
		if n := len(t.cues); n > 0 && t.cues[n-1].Shape == shape {
			// Identical successive shapes merge into one held cue.
			if ends[i] > t.cues[n-1].End {
				t.cues[n-1].End = ends[i]
			}
			continue
		}
		t.cues = append(t.cues, Cue{Shape: shape, Start: starts[i], End: ends[i]})
	}
}

// Reset discards all cues; called when a new utterance begins or on barge-in.
func (t *Track) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cues = nil
}

// Cues returns a snapshot of the current cue sequence.
func (t *Track) Cues() []Cue {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Cue, len(t.cues))
	copy(out, t.cues)
	return out
}

// Len reports the number of merged cues.
func (t *Track) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cues)
}

// ShapeAt returns the shape active at the given utterance offset, or
// ("", false) when no cue covers it.
func (t *Track) ShapeAt(offset time.Duration) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.cues {
		if offset >= c.Start && offset < c.End {
			return c.Shape, true
		}
	}
	return "", false
}
