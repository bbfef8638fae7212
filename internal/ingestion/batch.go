package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"
)

// Batch is the ordered list of files written since the last finalization,
// one entry per recorded write in arrival order. In unique mode a name that
// is recorded again moves to the end instead of appearing twice.
//
// With a state path the list is mirrored to a JSON file after every change,
// so a restart resumes the batch instead of dropping it.
type Batch struct {
	mu     sync.Mutex
	files  []string
	path   string
	unique bool
}

type batchState struct {
	Files     []string  `json:"files"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBatch returns an empty batch, or the one saved at statePath if it exists.
func NewBatch(statePath string, unique bool) (*Batch, error) {
	b := &Batch{path: statePath, unique: unique}
	if statePath == "" {
		return b, nil
	}

	data, err := os.ReadFile(statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read batch state: %w", err)
	}

	var st batchState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode batch state %s: %w", statePath, err)
	}
	for _, f := range st.Files {
		if f != "" {
			b.files = b.appendName(b.files, f)
		}
	}
	return b, nil
}

// Record appends name. When the state cannot be saved the batch is left as
// it was.
func (b *Batch) Record(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.files
	b.files = b.appendName(slices.Clone(b.files), name)
	if err := b.save(); err != nil {
		b.files = prev
		return err
	}
	return nil
}

func (b *Batch) appendName(files []string, name string) []string {
	if b.unique {
		files = slices.DeleteFunc(files, func(f string) bool { return f == name })
	}
	return append(files, name)
}

// Snapshot returns a copy of the names in insertion order.
func (b *Batch) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.files)
}

func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.files)
}

// Reset empties the batch.
func (b *Batch) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.files
	b.files = nil
	if err := b.save(); err != nil {
		b.files = prev
		return err
	}
	return nil
}

func (b *Batch) save() error {
	if b.path == "" {
		return nil
	}
	files := b.files
	if files == nil {
		files = []string{}
	}
	data, err := json.Marshal(batchState{Files: files, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode batch state: %w", err)
	}
	if err := writeFileAtomic(b.path, data, 0o644); err != nil {
		return fmt.Errorf("save batch state: %w", err)
	}
	return nil
}
