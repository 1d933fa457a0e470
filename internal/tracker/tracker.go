// Package tracker records the processing state of every rate sheet in a run
// so that interrupted runs can resume.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the processing state of one rate sheet.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Entry is the tracked state of one rate sheet.
type Entry struct {
	Status      Status    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
}

// Store persists tracker entries. Put writes only the entries it is given
// and leaves every other code as stored.
type Store interface {
	Load(ctx context.Context) (map[string]Entry, error)
	Put(ctx context.Context, changed map[string]Entry) error
}

// Mode selects which rate sheets a run processes.
type Mode string

const (
	// ModeFull reprocesses every rate sheet.
	ModeFull Mode = "full"
	// ModeResume processes everything not yet complete.
	ModeResume Mode = "resume"
	// ModeFailedOnly retries failed rate sheets only.
	ModeFailedOnly Mode = "failed_only"
)

var ErrUnknownMode = errors.New("unknown run mode")

// ParseMode parses a run mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeFull, ModeResume, ModeFailedOnly:
		return m, nil
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownMode)
}

// Tracker is safe for concurrent use. Every state change is saved to the
// store before the call returns; only the changed entries are written.
type Tracker struct {
	mu      sync.Mutex
	store   Store
	entries map[string]Entry
	now     func() time.Time
}

// Open loads the existing state from store.
func Open(ctx context.Context, store Store) (*Tracker, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading tracker state: %w", err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}
	return &Tracker{store: store, entries: entries, now: func() time.Time { return time.Now().UTC() }}, nil
}

// InitializeFromList adds codes not yet tracked as pending. Existing entries
// keep their state.
func (t *Tracker) InitializeFromList(ctx context.Context, codes []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := make(map[string]Entry)
	for _, c := range codes {
		if _, ok := t.entries[c]; !ok {
			added[c] = Entry{Status: StatusPending, LastUpdated: t.now()}
		}
	}
	return t.put(ctx, added)
}

// SelectCodes returns the codes of all that mode should process, in the
// order given. ModeFull resets every code to pending first.
func (t *Tracker) SelectCodes(ctx context.Context, mode Mode, all []string) ([]string, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if err := t.InitializeFromList(ctx, all); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if mode == ModeFull {
		reset := make(map[string]Entry, len(all))
		for _, c := range all {
			reset[c] = Entry{Status: StatusPending, LastUpdated: t.now()}
		}
		if err := t.put(ctx, reset); err != nil {
			return nil, err
		}
		return append([]string(nil), all...), nil
	}

	var out []string
	for _, c := range all {
		st := t.entries[c].Status
		switch {
		case mode == ModeFailedOnly && st == StatusFailed:
			out = append(out, c)
		case mode == ModeResume && st != StatusComplete:
			// in_progress left behind by a crashed run is retried too
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *Tracker) MarkInProgress(ctx context.Context, code string) error {
	return t.set(ctx, code, StatusInProgress, "")
}

func (t *Tracker) MarkComplete(ctx context.Context, code string) error {
	return t.set(ctx, code, StatusComplete, "")
}

func (t *Tracker) MarkFailed(ctx context.Context, code string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.set(ctx, code, StatusFailed, msg)
}

func (t *Tracker) set(ctx context.Context, code string, st Status, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.put(ctx, map[string]Entry{code: {Status: st, LastUpdated: t.now(), Error: msg}})
}

// put stores changed and, once the store has it, applies it locally.
func (t *Tracker) put(ctx context.Context, changed map[string]Entry) error {
	if len(changed) == 0 {
		return nil
	}
	if err := t.store.Put(ctx, changed); err != nil {
		return fmt.Errorf("saving tracker state: %w", err)
	}
	for c, e := range changed {
		t.entries[c] = e
	}
	return nil
}

// Entry returns the tracked state of code.
func (t *Tracker) Entry(code string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[code]
	return e, ok
}

// Pending returns the pending and failed codes, sorted.
func (t *Tracker) Pending() []string {
	return t.codes(func(s Status) bool { return s == StatusPending || s == StatusFailed })
}

// Failed returns the failed codes, sorted.
func (t *Tracker) Failed() []string {
	return t.codes(func(s Status) bool { return s == StatusFailed })
}

func (t *Tracker) codes(match func(Status) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for c, e := range t.entries {
		if match(e.Status) {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Summary counts entries by status.
func (t *Tracker) Summary() map[Status]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Status]int, 4)
	for _, e := range t.entries {
		out[e.Status]++
	}
	return out
}
