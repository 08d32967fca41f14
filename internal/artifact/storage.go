// Package artifact persists finished recording outputs (video files and
// thumbnails) and hands back stable references the HTTP layer can serve.
package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Ref identifies a persisted artifact.
type Ref struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Path    string    `json:"-"`
	Size    int64     `json:"size_bytes"`
	SavedAt time.Time `json:"saved_at"`
}

const (
	KindVideo     = "video"
	KindThumbnail = "thumbnail"
)

// Storage persists finalized recording outputs.
type Storage interface {
	// Persist copies the file at srcPath into durable storage and returns a
	// reference to it. The source file is left in place; callers own its cleanup.
	Persist(ctx context.Context, recordingID, kind, srcPath string) (Ref, error)
	// Open returns a reader for a previously persisted artifact.
	Open(ctx context.Context, recordingID, kind string) (io.ReadSeekCloser, Ref, error)
}

// FSStorage stores artifacts under a single root directory, one subdirectory
// per recording.
type FSStorage struct {
	root string
}

func NewFSStorage(root string) (*FSStorage, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FSStorage{root: root}, nil
}

func (s *FSStorage) Persist(ctx context.Context, recordingID, kind, srcPath string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	name, err := artifactFileName(kind)
	if err != nil {
		return Ref{}, err
	}
	dir := filepath.Join(s.root, sanitizeID(recordingID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, fmt.Errorf("create artifact dir: %w", err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return Ref{}, fmt.Errorf("open source artifact: %w", err)
	}
	defer src.Close()

	dstPath := filepath.Join(dir, name)
	tmpPath := dstPath + ".partial"
	if err := os.RemoveAll(tmpPath); err != nil {
		return Ref{}, err
	}
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return Ref{}, fmt.Errorf("create artifact: %w", err)
	}
	n, copyErr := io.Copy(dst, src)
	closeErr := dst.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return Ref{}, fmt.Errorf("copy artifact: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return Ref{}, closeErr
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		_ = os.Remove(tmpPath)
		return Ref{}, err
	}

	return Ref{
		ID:      recordingID,
		Kind:    kind,
		Path:    dstPath,
		Size:    n,
		SavedAt: time.Now().UTC(),
	}, nil
}

func (s *FSStorage) Open(ctx context.Context, recordingID, kind string) (io.ReadSeekCloser, Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, Ref{}, err
	}
	name, err := artifactFileName(kind)
	if err != nil {
		return nil, Ref{}, err
	}
	path := filepath.Join(s.root, sanitizeID(recordingID), name)
	f, err := os.Open(path)
	if err != nil {
		return nil, Ref{}, fmt.Errorf("open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Ref{}, err
	}
	ref := Ref{
		ID:      recordingID,
		Kind:    kind,
		Path:    path,
		Size:    info.Size(),
		SavedAt: info.ModTime().UTC(),
	}
	return f, ref, nil
}

func artifactFileName(kind string) (string, error) {
	switch kind {
	case KindVideo:
		return "recording.mp4", nil
	case KindThumbnail:
		return "thumbnail.jpg", nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", kind)
	}
}

// sanitizeID keeps recording IDs from escaping the storage root.
func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
