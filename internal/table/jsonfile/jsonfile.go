// Package jsonfile implements table.Adapter by keeping the whole map
// in memory and flushing it to a single data.json file. Ordering is
// lexicographic over keys, computed via sorted key slices for
// First/Last/FetchForward/FetchBackward.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/streamspace-dev/hubcore/internal/table"
)

// Adapter is a JSON-file-backed table.Adapter. Safe for concurrent use;
// a single RWMutex guards the in-memory map (the adapter's own
// internal serialization — distinct from, and beneath, the table's own
// mutation locking).
type Adapter struct {
	path string // directory containing data.json

	mu   sync.RWMutex
	data map[string]json.RawMessage
}

// New creates an adapter rooted at dir (created if missing). Call
// Load to populate from an existing data.json.
func New(dir string) (*Adapter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("jsonfile: create dir: %w", err)
	}
	return &Adapter{
		path: filepath.Join(dir, "data.json"),
		data: make(map[string]json.RawMessage),
	}, nil
}

func (a *Adapter) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.data[key]
	return v, ok, nil
}

func (a *Adapter) GetAll(_ context.Context, keys []string) (map[string]json.RawMessage, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		if v, ok := a.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (a *Adapter) Set(_ context.Context, key string, value json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data[key] = value
	return nil
}

func (a *Adapter) SetAll(_ context.Context, items map[string]json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range items {
		a.data[k] = v
	}
	return nil
}

func (a *Adapter) Remove(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.data, key)
	return nil
}

func (a *Adapter) RemoveAll(_ context.Context, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, k := range keys {
		delete(a.data, k)
	}
	return nil
}

// sortedKeys returns a's keys in lexicographic order. Caller must hold
// at least a read lock.
func (a *Adapter) sortedKeys() []string {
	keys := make([]string, 0, len(a.data))
	for k := range a.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (a *Adapter) First(_ context.Context) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := a.sortedKeys()
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[0], true, nil
}

func (a *Adapter) Last(_ context.Context) (string, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := a.sortedKeys()
	if len(keys) == 0 {
		return "", false, nil
	}
	return keys[len(keys)-1], true, nil
}

func (a *Adapter) FetchForward(_ context.Context, limit int, cursor *string) ([]table.Pair, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := a.sortedKeys()

	start := 0
	if cursor != nil {
		idx := sort.SearchStrings(keys, *cursor)
		if idx < len(keys) && keys[idx] == *cursor {
			idx++ // strictly after
		}
		start = idx
	}

	return a.slicePairs(keys, start, limit, false), nil
}

func (a *Adapter) FetchBackward(_ context.Context, limit int, cursor *string) ([]table.Pair, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	keys := a.sortedKeys()

	end := len(keys)
	if cursor != nil {
		idx := sort.SearchStrings(keys, *cursor)
		end = idx // strictly before: keys[:idx] excludes an exact match too
	}

	return a.slicePairs(keys, 0, limit, true, end), nil
}

// slicePairs builds up to limit Pairs from keys, reading forward from
// start (ascending order) or, when backward is true, reading backward
// from the optional bound (descending order, most recent cursor-bound
// key first).
func (a *Adapter) slicePairs(keys []string, start, limit int, backward bool, bound ...int) []table.Pair {
	var window []string
	if backward {
		end := len(keys)
		if len(bound) > 0 {
			end = bound[0]
		}
		if end > len(keys) {
			end = len(keys)
		}
		if end < 0 {
			end = 0
		}
		window = keys[:end]
		// descending, most-recent-first
		n := len(window)
		if n > limit {
			window = window[n-limit:]
		}
		reversed := make([]string, len(window))
		for i, k := range window {
			reversed[len(window)-1-i] = k
		}
		window = reversed
	} else {
		if start > len(keys) {
			start = len(keys)
		}
		window = keys[start:]
		if len(window) > limit {
			window = window[:limit]
		}
	}

	pairs := make([]table.Pair, 0, len(window))
	for _, k := range window {
		pairs = append(pairs, table.Pair{Key: k, Value: a.data[k]})
	}
	return pairs
}

func (a *Adapter) Clear(_ context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.data = make(map[string]json.RawMessage)
	return nil
}

func (a *Adapter) Size(_ context.Context) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.data), nil
}

// Store atomically overwrites data.json: write to a temp file in the
// same directory, then rename, so a crash mid-write never leaves a
// truncated file behind.
func (a *Adapter) Store(_ context.Context) error {
	a.mu.RLock()
	encoded, err := json.Marshal(a.data)
	a.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("jsonfile: marshal: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("jsonfile: write temp file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("jsonfile: rename into place: %w", err)
	}
	return nil
}

// Load rehydrates the in-memory map from data.json. A missing file is
// treated as an empty table, not an error — matching the source's
// DictTable.load.
func (a *Adapter) Load(_ context.Context) error {
	raw, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			a.mu.Lock()
			a.data = make(map[string]json.RawMessage)
			a.mu.Unlock()
			return nil
		}
		return fmt.Errorf("jsonfile: read: %w", err)
	}

	decoded := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("jsonfile: unmarshal: %w", err)
	}

	a.mu.Lock()
	a.data = decoded
	a.mu.Unlock()
	return nil
}

// Close is a no-op: the adapter holds no OS resources beyond the file
// path itself.
func (a *Adapter) Close() error { return nil }
