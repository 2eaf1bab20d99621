package imessage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// recentWindow bounds the processed-id dedup window.
const recentWindow = 100

// Watermark is the resume position of a poller: the highest chat.db ROWID
// processed plus a short window of recently processed ROWIDs.
type Watermark struct {
	LastRowID    int64   `json:"lastRowId"`
	ProcessedIDs []int64 `json:"processedIds"`
}

// Advance records id as processed. LastRowID never decreases.
func (w *Watermark) Advance(id int64) {
	if id > w.LastRowID {
		w.LastRowID = id
	}
	if w.Seen(id) {
		return
	}
	w.ProcessedIDs = append(w.ProcessedIDs, id)
	if over := len(w.ProcessedIDs) - recentWindow; over > 0 {
		w.ProcessedIDs = append(w.ProcessedIDs[:0:0], w.ProcessedIDs[over:]...)
	}
}

// Seen reports whether id is in the recent window.
func (w *Watermark) Seen(id int64) bool {
	for _, p := range w.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

// WatermarkStore persists a Watermark as a JSON document.
type WatermarkStore struct {
	path string
}

// NewWatermarkStore creates a store backed by the file at path.
func NewWatermarkStore(path string) *WatermarkStore {
	return &WatermarkStore{path: path}
}

// Path returns the backing file path.
func (s *WatermarkStore) Path() string { return s.path }

// Load reads the persisted watermark. A missing or unreadable document is
// treated as absent: the watermark starts at maxRowID so the existing
// history is never replayed.
func (s *WatermarkStore) Load(ctx context.Context, maxRowID func(context.Context) (int64, error)) (*Watermark, error) {
	if wm, err := s.Read(); err == nil {
		return wm, nil
	} else if !os.IsNotExist(err) {
		slog.Warn("imessage: watermark unreadable, starting from latest row", "path", s.path, "error", err)
	}

	maxID, err := maxRowID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read max rowid: %w", err)
	}
	return &Watermark{LastRowID: maxID}, nil
}

// Read returns the persisted watermark as is, without falling back.
func (s *WatermarkStore) Read() (*Watermark, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	var wm Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode watermark: %w", err)
	}
	if wm.LastRowID < 0 {
		return nil, fmt.Errorf("decode watermark: negative lastRowId %d", wm.LastRowID)
	}
	if over := len(wm.ProcessedIDs) - recentWindow; over > 0 {
		wm.ProcessedIDs = wm.ProcessedIDs[over:]
	}
	return &wm, nil
}

// Persist writes wm atomically: a crash leaves either the old or the new
// document on disk.
func (s *WatermarkStore) Persist(wm *Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Reset removes the persisted watermark.
func (s *WatermarkStore) Reset() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove watermark: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the target directory, then renames.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
