package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/pgzip"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
)

// PSVWriter writes records as pipe-delimited lines, rotating to a new file
// after MaxRecords lines. Each closed file gets a .MMS sidecar.
//
// Every WriteRecords call is one segment: the buffer is flushed at its end
// and, when gzipped, the segment is its own gzip member. A failed call is
// rolled back by truncating to where the segment started.
type PSVWriter struct {
	Dir        string
	Prefix     string
	MaxRecords int
	Gzip       bool

	mu      sync.Mutex
	create  func(name string) (*os.File, error)
	stamp   string
	index   int
	file    *os.File
	gz      *pgzip.Writer
	buf     *bufio.Writer
	path    string
	count   int
	files   []string
	written int64
	broken  error
}

// NewPSVWriter returns a writer creating {prefix}_{YYYYMMDD_HHMMSS}_{n}.TXT
// files under dir. maxRecords <= 0 disables rotation.
func NewPSVWriter(dir, prefix string, maxRecords int, gzip bool, now time.Time) (*PSVWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	return &PSVWriter{
		Dir:        dir,
		Prefix:     prefix,
		MaxRecords: maxRecords,
		Gzip:       gzip,
		create:     os.Create,
		stamp:      now.Format("20060102_150405"),
	}, nil
}

func (w *PSVWriter) name(index int) string {
	name := fmt.Sprintf("%s_%s_%d.TXT", w.Prefix, w.stamp, index)
	if w.Gzip {
		name += ".gz"
	}
	return filepath.Join(w.Dir, name)
}

func (w *PSVWriter) open() error {
	w.index++
	w.path = w.name(w.index)
	f, err := w.create(w.path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", w.path, err)
	}
	w.file = f
	w.count = 0
	w.startSegment()
	return nil
}

func (w *PSVWriter) startSegment() {
	var out io.Writer = w.file
	if w.Gzip {
		w.gz = pgzip.NewWriter(w.file)
		out = w.gz
	}
	w.buf = bufio.NewWriterSize(out, 1<<20)
}

// endSegment pushes the segment's bytes to the file.
func (w *PSVWriter) endSegment() error {
	if w.buf == nil {
		return nil
	}
	err := w.buf.Flush()
	if w.gz != nil {
		if cerr := w.gz.Close(); err == nil {
			err = cerr
		}
	}
	w.gz, w.buf = nil, nil
	return err
}

// rotate closes the current file and writes its sidecar.
func (w *PSVWriter) rotate() error {
	if w.file == nil {
		return nil
	}
	if err := w.endSegment(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil
	mms, err := WriteSidecar(w.path, w.count)
	if err != nil {
		return err
	}
	w.files = append(w.files, w.path, mms)
	return nil
}

// psvMark is the writer state before a WriteRecords call.
type psvMark struct {
	index   int
	path    string
	offset  int64
	count   int
	written int64
	files   int
}

func (w *PSVWriter) mark() (psvMark, error) {
	m := psvMark{index: w.index, count: w.count, written: w.written, files: len(w.files)}
	if w.file == nil {
		return m, nil
	}
	off, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return m, err
	}
	m.path, m.offset = w.path, off
	return m, nil
}

// WriteRecords appends recs in order. On failure nothing of recs stays in
// the output.
func (w *PSVWriter) WriteRecords(_ string, recs []ratecache.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return w.broken
	}
	m, err := w.mark()
	if err != nil {
		w.broken = fmt.Errorf("%w: %v", ErrBroken, err)
		return w.broken
	}
	if err := w.write(recs); err != nil {
		if rerr := w.rollback(m); rerr != nil {
			w.broken = fmt.Errorf("%w: rollback after %v: %v", ErrBroken, err, rerr)
			return w.broken
		}
		return err
	}
	return nil
}

func (w *PSVWriter) write(recs []ratecache.Record) error {
	for _, r := range recs {
		if w.file != nil && w.MaxRecords > 0 && w.count >= w.MaxRecords {
			if err := w.rotate(); err != nil {
				return err
			}
		}
		switch {
		case w.file == nil:
			if err := w.open(); err != nil {
				return err
			}
		case w.buf == nil:
			w.startSegment()
		}
		if _, err := w.buf.WriteString(recordLine(r)); err != nil {
			return fmt.Errorf("writing %s: %w", w.path, err)
		}
		w.count++
		w.written++
	}
	if err := w.endSegment(); err != nil {
		return fmt.Errorf("writing %s: %w", w.path, err)
	}
	return nil
}

// rollback restores the state captured by m: files opened since are
// removed and the file open at m is truncated back to m's offset.
func (w *PSVWriter) rollback(m psvMark) error {
	if w.gz != nil {
		w.gz.Close()
	}
	w.gz, w.buf = nil, nil

	var errs []error
	if w.file != nil && w.path != m.path {
		w.file.Close()
		w.file = nil
	}
	for i := m.index + 1; i <= w.index; i++ {
		errs = append(errs, removeIfExists(w.name(i)), removeIfExists(sidecarPath(w.name(i))))
	}
	w.files = w.files[:m.files]

	if m.path != "" {
		// rotated away during the call
		errs = append(errs, removeIfExists(sidecarPath(m.path)))
		if w.file == nil {
			f, err := os.OpenFile(m.path, os.O_RDWR, 0)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			w.file = f
		}
		if err := w.file.Truncate(m.offset); err != nil {
			errs = append(errs, err)
		} else if _, err := w.file.Seek(m.offset, io.SeekStart); err != nil {
			errs = append(errs, err)
		}
	}
	w.index, w.path, w.count, w.written = m.index, m.path, m.count, m.written
	return errors.Join(errs...)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Written returns the number of records written.
func (w *PSVWriter) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

func (w *PSVWriter) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.files...)
}

// Close finishes the current file. A broken writer, or one whose last file
// cannot be finished, removes everything it wrote instead.
func (w *PSVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.broken
	if err == nil {
		if rerr := w.rotate(); rerr != nil {
			err = fmt.Errorf("%w: %v", ErrBroken, rerr)
		}
	}
	if err != nil {
		w.discard()
	}
	return err
}

func (w *PSVWriter) discard() {
	if w.gz != nil {
		w.gz.Close()
	}
	w.gz, w.buf = nil, nil
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.path != "" {
		os.Remove(w.path)
		os.Remove(sidecarPath(w.path))
	}
	for _, f := range w.files {
		os.Remove(f)
	}
	w.files = nil
}
