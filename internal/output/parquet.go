package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
)

const parquetFlushInterval = 100_000

// ParquetWriter writes records to a single Snappy-compressed Parquet file.
// Rows already handed to the encoder cannot be taken back, so any write
// failure breaks the writer and Close removes the file.
type ParquetWriter struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *parquet.GenericWriter[ratecache.Record]
	count   int
	pending int
	files   []string
	broken  error
}

// NewParquetWriter creates {prefix}_{YYYYMMDD_HHMMSS}.parquet under dir.
func NewParquetWriter(dir, prefix string, now time.Time) (*ParquetWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.parquet", prefix, now.Format("20060102_150405")))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file: %w", err)
	}

	writer := parquet.NewGenericWriter[ratecache.Record](file,
		parquet.Compression(&parquet.Snappy),
	)
	return &ParquetWriter{path: path, file: file, writer: writer}, nil
}

func (pw *ParquetWriter) WriteRecords(_ string, recs []ratecache.Record) error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.broken != nil {
		return pw.broken
	}
	if _, err := pw.writer.Write(recs); err != nil {
		pw.broken = fmt.Errorf("%w: failed to write parquet records: %v", ErrBroken, err)
		return pw.broken
	}
	pw.count += len(recs)
	pw.pending += len(recs)

	// Flush row groups periodically to bound memory usage
	if pw.pending >= parquetFlushInterval {
		if err := pw.writer.Flush(); err != nil {
			pw.broken = fmt.Errorf("%w: failed to flush parquet row group: %v", ErrBroken, err)
			return pw.broken
		}
		pw.pending = 0
	}
	return nil
}

func (pw *ParquetWriter) Files() []string {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return append([]string(nil), pw.files...)
}

// Close finishes the file and writes its sidecar. A broken writer removes
// the file instead.
func (pw *ParquetWriter) Close() error {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.file == nil {
		return pw.broken
	}
	if pw.broken == nil {
		if err := pw.writer.Close(); err != nil {
			pw.broken = fmt.Errorf("%w: failed to close parquet writer: %v", ErrBroken, err)
		}
	}
	if err := pw.file.Close(); err != nil && pw.broken == nil {
		pw.broken = fmt.Errorf("%w: %v", ErrBroken, err)
	}
	pw.file = nil
	if pw.broken != nil {
		os.Remove(pw.path)
		return pw.broken
	}
	mms, err := WriteSidecar(pw.path, pw.count)
	if err != nil {
		return err
	}
	pw.files = append(pw.files, pw.path, mms)
	return nil
}
