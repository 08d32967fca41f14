package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StubMuxer concatenates fragment bytes directly, without ffmpeg. It exists
// for tests and for dev machines without a media toolchain; the output is not
// a real container, just the fragments in order.
type StubMuxer struct {
	// FragmentDuration is the duration credited per fragment.
	FragmentDuration time.Duration
}

func (m *StubMuxer) Mux(ctx context.Context, fragmentPaths []string, outDir string) (MuxResult, error) {
	if len(fragmentPaths) == 0 {
		return MuxResult{}, fmt.Errorf("no fragments to mux")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return MuxResult{}, err
	}
	outPath := filepath.Join(outDir, "recording.mp4")
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return MuxResult{}, err
	}
	for _, p := range fragmentPaths {
		if err := ctx.Err(); err != nil {
			_ = out.Close()
			return MuxResult{}, err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			_ = out.Close()
			return MuxResult{}, err
		}
		if _, err := out.Write(data); err != nil {
			_ = out.Close()
			return MuxResult{}, err
		}
	}
	if err := out.Close(); err != nil {
		return MuxResult{}, err
	}

	thumbPath := filepath.Join(outDir, "thumbnail.jpg")
	if err := os.WriteFile(thumbPath, []byte("stub-thumbnail"), 0o644); err != nil {
		return MuxResult{}, err
	}

	perFragment := m.FragmentDuration
	if perFragment <= 0 {
		perFragment = time.Second
	}
	return MuxResult{
		OutputPath:    outPath,
		ThumbnailPath: thumbPath,
		Duration:      time.Duration(len(fragmentPaths)) * perFragment,
	}, nil
}
