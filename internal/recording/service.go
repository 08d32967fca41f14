// Package recording reassembles chunked media uploads. Fragments arrive over
// the session transport out of order and possibly duplicated; each recording
// is staged in scratch storage, stitched back together in index order at
// finalize time, and persisted as a single immutable artifact.
package recording

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davmello/visage/internal/artifact"
	"github.com/davmello/visage/internal/media"
)

var (
	// ErrUnknownRecording is returned by Finalize for an id that was never
	// started. Chunk ingestion treats the same condition as a stray and
	// drops it silently instead.
	ErrUnknownRecording = errors.New("unknown recording id")
	// ErrNoFragments means finish arrived but no fragment ever committed.
	ErrNoFragments = errors.New("recording has no fragments")
	// ErrFinalizeInProgress is returned to every Finalize caller after the
	// first; callers should drop it rather than reporting a second outcome.
	ErrFinalizeInProgress = errors.New("finalize already in progress")
)

type uploadState int

const (
	stateReceiving uploadState = iota
	stateFinalizing
	stateDone
	stateAborted
)

type upload struct {
	id            string
	sessionID     string
	containerHint string

	mu       sync.Mutex
	cond     *sync.Cond
	state    uploadState
	received map[int]struct{}
	pending  map[int]struct{}
	inflight int
}

func (u *upload) acceptsChunks() bool {
	// Chunks may legitimately race past the finish message; the finalize
	// stabilization poll exists to absorb exactly that, so finalizing
	// uploads still ingest.
	return u.state == stateReceiving || u.state == stateFinalizing
}

// Options bound the finalize protocol.
type Options struct {
	// PollInterval is the delay between received-count stabilization polls.
	PollInterval time.Duration
	// StablePolls is how many consecutive polls must observe an unchanged
	// count before finalize proceeds.
	StablePolls int
	// Timeout caps one whole finalize pass, including muxing.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 150 * time.Millisecond
	}
	if o.StablePolls <= 0 {
		o.StablePolls = 2
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	return o
}

// FinalizeResult reports one successful finalize.
type FinalizeResult struct {
	RecordingID string
	Artifact    artifact.Ref
	Thumbnail   artifact.Ref
	Duration    time.Duration
	Reencoded   bool
	// Missing lists indices at or below the declared last index that never
	// arrived. Diagnostic only; the artifact is built from what exists.
	Missing []int
}

// Service manages every in-progress upload for the process.
type Service struct {
	scratch *scratchStore
	muxer   media.Muxer
	store   artifact.Storage
	opts    Options

	mu      sync.Mutex
	uploads map[string]*upload
}

func NewService(scratchRoot string, muxer media.Muxer, store artifact.Storage, opts Options) (*Service, error) {
	scratch, err := newScratchStore(scratchRoot)
	if err != nil {
		return nil, err
	}
	return &Service{
		scratch: scratch,
		muxer:   muxer,
		store:   store,
		opts:    opts.withDefaults(),
		uploads: make(map[string]*upload),
	}, nil
}

// Start opens a new upload and returns its recording id.
func (s *Service) Start(sessionID, containerHint string) (string, error) {
	id := uuid.NewString()
	if err := s.scratch.allocate(id); err != nil {
		return "", fmt.Errorf("allocate scratch: %w", err)
	}
	u := &upload{
		id:            id,
		sessionID:     sessionID,
		containerHint: containerHint,
		state:         stateReceiving,
		received:      make(map[int]struct{}),
		pending:       make(map[int]struct{}),
	}
	u.cond = sync.NewCond(&u.mu)

	s.mu.Lock()
	s.uploads[id] = u
	s.mu.Unlock()
	return id, nil
}

// IngestChunk stages one fragment. Duplicates and strays (unknown or already
// finished recording ids) are dropped without error. The payload is copied;
// callers may reuse the buffer. The write itself runs asynchronously so slow
// storage never blocks the inbound message loop.
func (s *Service) IngestChunk(recordingID string, index int, payload []byte) error {
	if index < 0 {
		return fmt.Errorf("negative fragment index %d", index)
	}

	s.mu.Lock()
	u, ok := s.uploads[recordingID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	u.mu.Lock()
	if !u.acceptsChunks() {
		u.mu.Unlock()
		return nil
	}
	if _, dup := u.received[index]; dup {
		u.mu.Unlock()
		return nil
	}
	if _, writing := u.pending[index]; writing {
		u.mu.Unlock()
		return nil
	}
	u.pending[index] = struct{}{}
	u.inflight++
	u.mu.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)

	go func() {
		err := s.scratch.writeFragment(recordingID, index, buf)

		u.mu.Lock()
		delete(u.pending, index)
		u.inflight--
		if err == nil {
			u.received[index] = struct{}{}
		}
		u.cond.Broadcast()
		u.mu.Unlock()

		if err != nil {
			log.Printf("recording %s: fragment %d write failed: %v", recordingID, index, err)
		}
	}()
	return nil
}

// Finalize closes the upload and produces the artifact. Exactly one caller
// wins; every other concurrent or repeated call gets ErrFinalizeInProgress.
func (s *Service) Finalize(ctx context.Context, recordingID string, lastIndex int) (FinalizeResult, error) {
	s.mu.Lock()
	u, ok := s.uploads[recordingID]
	s.mu.Unlock()
	if !ok {
		return FinalizeResult{}, ErrUnknownRecording
	}

	u.mu.Lock()
	if u.state != stateReceiving {
		u.mu.Unlock()
		return FinalizeResult{}, ErrFinalizeInProgress
	}
	u.state = stateFinalizing
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	res, err := s.finalize(ctx, u, lastIndex)
	u.mu.Lock()
	if err != nil {
		u.state = stateAborted
	} else {
		u.state = stateDone
	}
	u.mu.Unlock()
	return res, err
}

func (s *Service) finalize(ctx context.Context, u *upload, lastIndex int) (FinalizeResult, error) {
	if err := s.awaitWrites(ctx, u); err != nil {
		return FinalizeResult{}, err
	}
	if err := s.awaitStableCount(ctx, u); err != nil {
		return FinalizeResult{}, err
	}

	u.mu.Lock()
	count := len(u.received)
	u.mu.Unlock()
	if count == 0 {
		_ = s.scratch.release(u.id)
		return FinalizeResult{}, ErrNoFragments
	}

	paths, indices, err := s.scratch.fragmentPaths(u.id)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("list fragments: %w", err)
	}

	muxDir := s.scratch.dir(u.id) + ".mux"
	muxRes, err := s.muxer.Mux(ctx, paths, muxDir)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("mux recording: %w", err)
	}

	videoRef, err := s.store.Persist(ctx, u.id, artifact.KindVideo, muxRes.OutputPath)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("persist artifact: %w", err)
	}
	var thumbRef artifact.Ref
	if muxRes.ThumbnailPath != "" {
		thumbRef, err = s.store.Persist(ctx, u.id, artifact.KindThumbnail, muxRes.ThumbnailPath)
		if err != nil {
			// Thumbnail loss does not fail the recording.
			log.Printf("recording %s: persist thumbnail failed: %v", u.id, err)
			thumbRef = artifact.Ref{}
		}
	}

	// Scratch is released only after the artifact is safely persisted, so a
	// mux or storage failure never drops fragments that already arrived.
	if err := s.scratch.release(u.id); err != nil {
		log.Printf("recording %s: release scratch failed: %v", u.id, err)
	}
	if err := s.scratch.release(u.id + ".mux"); err != nil {
		log.Printf("recording %s: release mux dir failed: %v", u.id, err)
	}

	return FinalizeResult{
		RecordingID: u.id,
		Artifact:    videoRef,
		Thumbnail:   thumbRef,
		Duration:    muxRes.Duration,
		Reencoded:   muxRes.Reencoded,
		Missing:     missingIndices(indices, lastIndex),
	}, nil
}

// awaitWrites blocks until every in-flight fragment write for the upload has
// completed, or the context expires.
func (s *Service) awaitWrites(ctx context.Context, u *upload) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			u.cond.Broadcast()
		case <-done:
		}
	}()

	u.mu.Lock()
	defer u.mu.Unlock()
	for u.inflight > 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for fragment writes: %w", err)
		}
		u.cond.Wait()
	}
	return nil
}

// awaitStableCount polls the committed-fragment count until it holds steady
// across consecutive polls. This absorbs the transport race where the finish
// message can overtake the last data-bearing chunk.
func (s *Service) awaitStableCount(ctx context.Context, u *upload) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	u.mu.Lock()
	last := len(u.received) + u.inflight
	u.mu.Unlock()

	stable := 0
	for stable < s.opts.StablePolls {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for fragment count to settle: %w", ctx.Err())
		case <-ticker.C:
		}
		u.mu.Lock()
		now := len(u.received) + u.inflight
		u.mu.Unlock()
		if now == last {
			stable++
		} else {
			stable = 0
			last = now
		}
	}
	// A chunk may have landed during the last poll window; let awaitWrites
	// semantics hold by draining once more.
	return s.awaitWrites(ctx, u)
}

// missingIndices reports every index in [0, lastIndex] that never arrived.
func missingIndices(present []int, lastIndex int) []int {
	seen := make(map[int]struct{}, len(present))
	for _, idx := range present {
		seen[idx] = struct{}{}
	}
	var missing []int
	for i := 0; i <= lastIndex; i++ {
		if _, ok := seen[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// SessionID reports the owning session for a recording id, when known.
func (s *Service) SessionID(recordingID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.uploads[recordingID]
	if !ok {
		return "", false
	}
	return u.sessionID, true
}
