package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// FileStore keeps tracker state in a JSON file. Put merges the changed
// entries into what is on disk, writes a temporary file and renames it over
// the original.
type FileStore struct {
	Path string
}

func (f *FileStore) Load(context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", f.Path, err)
	}
	return entries, nil
}

func (f *FileStore) Put(ctx context.Context, changed map[string]Entry) error {
	if len(changed) == 0 {
		return nil
	}
	entries, err := f.Load(ctx)
	if err != nil {
		return err
	}
	for code, e := range changed {
		entries[code] = e
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
