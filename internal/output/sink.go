// Package output writes negotiated-rate records and the run's side files.
package output

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
)

// FieldDelim separates the columns of pipe-delimited files.
const FieldDelim = "|"

// ErrBroken marks a sink that lost output it had already accepted. A broken
// sink removes its files on Close, and the rate sheets it held must be
// processed again.
var ErrBroken = errors.New("output sink broken")

// Sink receives the records of each finished rate sheet. WriteRecords
// writes all of a sheet's records or none of them; an error wrapping
// ErrBroken is the one exception.
type Sink interface {
	ratecache.Sink
	Close() error
	// Files lists the files written so far.
	Files() []string
}

// recordLine renders r as one pipe-delimited line: the record columns
// followed by the section it came from.
func recordLine(r ratecache.Record) string {
	return strings.Join(r.Fields(), FieldDelim) + FieldDelim + r.SectionID + "\n"
}

// WriteSidecar writes the record-count file that accompanies path: same
// base name with a .MMS extension.
func WriteSidecar(path string, records int) (string, error) {
	mms := sidecarPath(path)
	if err := os.WriteFile(mms, []byte(fmt.Sprintf("Number of Records:%d", records)), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", mms, err)
	}
	return mms, nil
}

func sidecarPath(path string) string {
	base := path
	for _, ext := range []string{".gz", ".TXT", ".txt", ".parquet"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base + ".MMS"
}
