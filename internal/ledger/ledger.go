// Package ledger persists the set of mailbox message identifiers that have
// already been handed to the relay pipeline.
package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// Ledger is an insertion-ordered set of opaque identifiers backed by a JSON
// array file. It is not safe for concurrent use; see Lock.
type Ledger struct {
	path  string
	ids   []string
	index map[string]struct{}
}

// Load reads the ledger at path. A missing file yields an empty ledger.
func Load(path string) (*Ledger, error) {
	l := &Ledger{
		path:  path,
		index: make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("failed to parse ledger %s: %w", path, err)
	}
	for _, id := range ids {
		l.Add(id)
	}
	return l, nil
}

// Contains reports whether id has been recorded.
func (l *Ledger) Contains(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Add records id. Adding an existing id is a no-op.
func (l *Ledger) Add(id string) {
	if l.Contains(id) {
		return
	}
	l.index[id] = struct{}{}
	l.ids = append(l.ids, id)
}

// Len returns the number of recorded identifiers.
func (l *Ledger) Len() int {
	return len(l.ids)
}

// IDs returns a copy of the recorded identifiers in insertion order.
func (l *Ledger) IDs() []string {
	return append([]string(nil), l.ids...)
}

// Retain drops every identifier that keep does not report as present and
// returns the number dropped. Identifiers of messages that no longer exist in
// the mailbox can never be fetched again, so keeping them only grows the file.
func (l *Ledger) Retain(keep func(id string) bool) int {
	kept := l.ids[:0]
	dropped := 0
	for _, id := range l.ids {
		if keep(id) {
			kept = append(kept, id)
			continue
		}
		delete(l.index, id)
		dropped++
	}
	l.ids = kept
	return dropped
}

// Save writes the ledger atomically: the content goes to a temporary file in
// the same directory, is synced, and then renamed over the target.
func (l *Ledger) Save() error {
	ids := l.ids
	if ids == nil {
		ids = []string{}
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(l.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary ledger: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}
