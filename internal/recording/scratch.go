package recording

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// scratchStore owns the on-disk staging area for in-progress uploads: one
// directory per recording id, one file per fragment named by zero-padded
// index so lexical order equals numeric order.
type scratchStore struct {
	root string
}

func newScratchStore(root string) (*scratchStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("scratch root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &scratchStore{root: root}, nil
}

func (s *scratchStore) dir(recordingID string) string {
	return filepath.Join(s.root, recordingID)
}

func (s *scratchStore) allocate(recordingID string) error {
	return os.MkdirAll(s.dir(recordingID), 0o755)
}

func fragmentFileName(index int) string {
	return fmt.Sprintf("%08d.frag", index)
}

// writeFragment persists one fragment payload. Writes go through a temp name
// and rename so a partially written file is never picked up at finalize.
func (s *scratchStore) writeFragment(recordingID string, index int, payload []byte) error {
	path := filepath.Join(s.dir(recordingID), fragmentFileName(index))
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("write fragment %d: %w", index, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit fragment %d: %w", index, err)
	}
	return nil
}

// fragmentPaths lists committed fragment files in ascending index order.
func (s *scratchStore) fragmentPaths(recordingID string) ([]string, []int, error) {
	entries, err := os.ReadDir(s.dir(recordingID))
	if err != nil {
		return nil, nil, err
	}
	type frag struct {
		index int
		path  string
	}
	frags := make([]frag, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".frag") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(name, ".frag"))
		if err != nil {
			continue
		}
		frags = append(frags, frag{index: idx, path: filepath.Join(s.dir(recordingID), name)})
	}
	sort.Slice(frags, func(i, j int) bool { return frags[i].index < frags[j].index })
	paths := make([]string, len(frags))
	indices := make([]int, len(frags))
	for i, f := range frags {
		paths[i] = f.path
		indices[i] = f.index
	}
	return paths, indices, nil
}

func (s *scratchStore) release(recordingID string) error {
	return os.RemoveAll(s.dir(recordingID))
}
