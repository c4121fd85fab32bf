package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/renameio/v2"
)

// persistFile is the on-disk shape of a saved history buffer.
type persistFile struct {
	Version int    `json:"version"`
	Entries []Info `json:"entries"`
}

const persistVersion = 1

// Save writes the non-cleared entries to path atomically. The file is
// replaced in one rename so a concurrent reader never observes a partial
// history.
func (b *Buffer) Save(path string) error {
	b.mu.Lock()
	b.reallocateIfNeededLocked()
	file := persistFile{Version: persistVersion}
	lowest := int64(1)
	if b.countAdded > b.capacity {
		lowest = b.countAdded - b.capacity + 1
	}
	for id := lowest; id <= b.countAdded; id++ {
		if e := b.entryAtLocked(id); e != nil && !e.Cleared {
			file.Entries = append(file.Entries, *e)
		}
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	return nil
}

// Load replaces the buffer contents with the entries saved at path,
// preserving their original ids. Entries that no longer fit in the current
// capacity window are dropped oldest-first. The id counter resumes after the
// highest loaded id.
func (b *Buffer) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read history file: %w", err)
	}
	var file persistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("unmarshal history: %w", err)
	}
	if file.Version != persistVersion {
		return fmt.Errorf("unsupported history file version %d", file.Version)
	}

	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].ID < file.Entries[j].ID
	})
	for _, e := range file.Entries {
		if e.ID <= 0 {
			return fmt.Errorf("%w: saved entry id %d", ErrInvalidID, e.ID)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reallocateIfNeededLocked()

	b.entries = make([]*Info, b.capacity)
	b.countAdded = 0
	b.countInBuffer = 0
	for i := range file.Entries {
		e := file.Entries[i]
		b.countAdded = e.ID
		slot := (e.ID - 1) % b.capacity
		if old := b.entries[slot]; old != nil && !old.Cleared {
			b.countInBuffer--
		}
		b.entries[slot] = &e
		b.countInBuffer++
	}
	return nil
}
