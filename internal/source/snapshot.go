package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielchalef/jsplit/pkg/jsplit"
	simdjson "github.com/minio/simdjson-go"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

var useSimd = simdjson.SupportedCPU()

// ParserName reports which JSON parser snapshot loading uses.
func ParserName() string {
	if useSimd {
		return "simdjson"
	}
	return "encoding/json (standard)"
}

// SnapshotSource serves a JSON export of the contract database. The export
// is one object whose top-level arrays hold the rows of each dataset, with
// upper-case column names as in the database.
type SnapshotSource struct {
	datasets map[string][]term.Row
}

// OpenSnapshot splits the snapshot at path into per-dataset NDJSON files
// under a scratch directory and loads every row.
func OpenSnapshot(path string) (*SnapshotSource, error) {
	dir, err := os.MkdirTemp("", "ratesheet-snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("creating split dir: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := splitSnapshot(path, dir); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading split dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".jsonl") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	s := &SnapshotSource{datasets: make(map[string][]term.Row)}
	for _, name := range files {
		ds := datasetOf(name)
		if ds == "" {
			continue
		}
		rows, err := readRows(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}
		s.datasets[ds] = append(s.datasets[ds], rows...)
	}
	return s, nil
}

// splitSnapshot runs jsplit with its progress output silenced.
func splitSnapshot(path, dir string) error {
	origStdout := os.Stdout
	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	os.Stdout = devNull
	err = jsplit.Split(path, dir, true)
	os.Stdout = origStdout
	devNull.Close()
	if err != nil {
		return fmt.Errorf("splitting snapshot: %w", err)
	}
	return nil
}

var knownDatasets = []string{
	dsTerms, dsCodeGroups, dsDRGWeights, dsNDCPrices, dsAmbSurgCodes,
	dsLocalityZips, dsBillingCodes, dsSchedules, dsScheduleValues,
}

// datasetOf maps a split file name such as "code_groups_00.jsonl" onto its
// dataset.
func datasetOf(file string) string {
	base := strings.TrimSuffix(file, ".jsonl")
	for _, ds := range knownDatasets {
		if base == ds || strings.HasPrefix(base, ds+"_") && isDigits(base[len(ds)+1:]) {
			return ds
		}
	}
	return ""
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func readRows(path string) ([]term.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	var (
		out []term.Row
		pj  *simdjson.ParsedJson
	)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m map[string]any
		if useSimd {
			m, pj, err = decodeSimd(line, pj)
		} else {
			m, err = decodeStd(line)
		}
		if err != nil {
			return nil, err
		}
		r := make(term.Row, len(m))
		for k, v := range m {
			r[strings.ToUpper(k)] = v
		}
		out = append(out, r)
	}
	return out, scanner.Err()
}

func decodeSimd(line []byte, pj *simdjson.ParsedJson) (map[string]any, *simdjson.ParsedJson, error) {
	pj, err := simdjson.Parse(line, pj)
	if err != nil {
		return nil, pj, err
	}
	var m map[string]any
	err = pj.ForEach(func(i simdjson.Iter) error {
		obj, err := i.Object(nil)
		if err != nil {
			return err
		}
		m, err = obj.Map(nil)
		return err
	})
	return m, pj, err
}

func decodeStd(line []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SnapshotSource) Close() error { return nil }

func (s *SnapshotSource) fetch(_ context.Context, dataset string) ([]term.Row, error) {
	return s.datasets[dataset], nil
}

func (s *SnapshotSource) RateSheetCodes(context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, r := range s.datasets[dsTerms] {
		c := r.String(term.ColRateSheetCode)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (s *SnapshotSource) Terms(_ context.Context, rateSheetCode string) ([]term.Row, error) {
	var out []term.Row
	for _, r := range s.datasets[dsTerms] {
		if r.String(term.ColRateSheetCode) == rateSheetCode {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SnapshotSource) SubSheetTerms(_ context.Context, rateSheetID int) ([]term.Row, error) {
	var out []term.Row
	for _, r := range s.datasets[dsTerms] {
		if r.Int(term.ColRateSheetID) == rateSheetID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *SnapshotSource) Tables(ctx context.Context) (*refdata.Tables, error) {
	return loadTables(ctx, s)
}

func (s *SnapshotSource) BillingCodes(context.Context) ([]BillingCode, error) {
	return billingCodesFromRows(s.datasets[dsBillingCodes]), nil
}

func (s *SnapshotSource) FeeSchedule(_ context.Context, name string, localities [][2]string) (*refdata.ScheduleSet, error) {
	var meta term.Row
	for _, r := range s.datasets[dsSchedules] {
		if r.String("SCHEDULECODE") == name {
			meta = r
			break
		}
	}
	if meta == nil {
		return nil, fmt.Errorf("schedule %s: %w", name, ErrNotFound)
	}

	var values []term.Row
	for _, r := range s.datasets[dsScheduleValues] {
		if r.String("TABLENAME") == name {
			values = append(values, r)
		}
	}

	set := &refdata.ScheduleSet{Name: name}
	if meta.String("SCHEDULETYPE") != refdata.ScheduleTypeLocality {
		set.Default = scheduleFromRows(values)
		return set, nil
	}

	set.Localities = make(map[refdata.LocalityKey]refdata.FeeSchedule, len(localities))
	for _, cl := range localities {
		var rows []term.Row
		for _, r := range values {
			if r.String("CARRIERNUMBER") == cl[0] && r.String("LOCALITYNUMBER") == cl[1] {
				rows = append(rows, r)
			}
		}
		set.Localities[refdata.LocalityKey{Schedule: name, Carrier: cl[0], Locality: cl[1]}] = scheduleFromRows(rows)
	}
	return set, nil
}
