package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codegroup"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/output"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/progress"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/tracker"
)

// memSource serves fixed terms per rate sheet.
type memSource struct {
	terms map[string][]term.Row
}

func (m *memSource) RateSheetCodes(context.Context) ([]string, error) {
	var out []string
	for c := range m.terms {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}
func (m *memSource) Terms(_ context.Context, code string) ([]term.Row, error) {
	return m.terms[code], nil
}
func (m *memSource) SubSheetTerms(context.Context, int) ([]term.Row, error) { return nil, nil }
func (m *memSource) Tables(context.Context) (*refdata.Tables, error)      { return testTables(), nil }
func (m *memSource) BillingCodes(context.Context) ([]source.BillingCode, error) {
	return nil, nil
}
func (m *memSource) FeeSchedule(_ context.Context, name string, _ [][2]string) (*refdata.ScheduleSet, error) {
	return nil, source.ErrNotFound
}
func (m *memSource) Close() error { return nil }

// memSink collects records per rate sheet. Sheets listed in fail are
// rejected whole; once a rejection wraps output.ErrBroken, Close drops
// everything and reports it.
type memSink struct {
	mu     sync.Mutex
	sheets map[string][]ratecache.Record
	fail   map[string]error
	broken error
	closed bool
}

func (s *memSink) WriteRecords(sheet string, recs []ratecache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return s.broken
	}
	if err := s.fail[sheet]; err != nil {
		if errors.Is(err, output.ErrBroken) {
			s.broken = err
		}
		return err
	}
	s.sheets[sheet] = append(s.sheets[sheet], recs...)
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	if s.broken != nil {
		s.sheets = map[string][]ratecache.Record{}
	}
	return s.broken
}

func (s *memSink) Files() []string { return []string{"mem"} }

func testTables() *refdata.Tables {
	t := refdata.NewTables()
	t.CodeGroups.Add(20, "Broken", refdata.Value{Seq: 1, NestedGroupID: 999})
	return t
}

func caseRate(termID int, code string, extra term.Row) term.Row {
	r := term.Row{
		term.ColTermID:         termID,
		term.ColDisplaySection: int(codes.SectionOutpatientServices),
		term.ColSeq:            1,
		term.ColCalcBean:       "CalcCaseRate",
		term.ColBaseRate:       100.0,
		term.ColCodeLow:        code,
		term.ColCodeHigh:       code,
		term.ColCodeType:       codes.CodeTypeCPT4,
	}
	for k, v := range extra {
		r[k] = v
	}
	return r
}

func newCoordinator(t *testing.T, src *memSource, sinks map[int]*memSink) *Coordinator {
	t.Helper()
	return newFailingCoordinator(t, src, sinks, nil)
}

// newFailingCoordinator is newCoordinator with sinks that reject the
// sheets in failures.
func newFailingCoordinator(t *testing.T, src *memSource, sinks map[int]*memSink, failures map[string]error) *Coordinator {
	t.Helper()
	tr, err := tracker.Open(context.Background(), &tracker.FileStore{Path: filepath.Join(t.TempDir(), "tracker.json")})
	if err != nil {
		t.Fatalf("opening tracker: %v", err)
	}
	var mu sync.Mutex
	return &Coordinator{
		Workers:     2,
		BatchSize:   2,
		Tables:      testTables(),
		InsurerCode: "INS01",
		ZipSpanCap:  codegroup.DefaultZipSpanCap,
		Tracker:     tr,
		Progress:    &progress.NoopManager{},
		OpenSource: func(context.Context) (source.Source, error) {
			return src, nil
		},
		OpenSink: func(idx int) (output.Sink, error) {
			mu.Lock()
			defer mu.Unlock()
			s := &memSink{sheets: map[string][]ratecache.Record{}, fail: failures}
			sinks[idx] = s
			return s, nil
		},
		RunID: "test-run",
	}
}

func TestPartition(t *testing.T) {
	got := Partition([]string{"a", "b", "c", "d", "e"}, 2)
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Partition = %v, want %v", got, want)
	}
	if got := Partition([]string{"a"}, 0); len(got) != 1 {
		t.Errorf("default batch size: got %v", got)
	}
	if got := Partition(nil, 3); got != nil {
		t.Errorf("empty input: got %v", got)
	}
}

func TestCoordinatorRun(t *testing.T) {
	src := &memSource{terms: map[string][]term.Row{
		"SHEET1": {caseRate(1, "99213", nil)},
		"SHEET2": {caseRate(2, "99214", nil), caseRate(3, "", term.Row{term.ColCodeGroupID: 20})},
		"SHEET3": {caseRate(4, "99215", nil), caseRate(5, "99216", nil)},
	}}
	sinks := map[int]*memSink{}
	c := newCoordinator(t, src, sinks)
	ctx := context.Background()

	res := c.Run(ctx, []string{"SHEET1", "SHEET2", "SHEET3"})
	if err := res.Err(); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.RunID != "test-run" {
		t.Errorf("RunID = %q", res.RunID)
	}
	if res.Complete != 2 || res.Failed != 1 || res.Records != 3 {
		t.Errorf("complete=%d failed=%d records=%d, want 2 1 3", res.Complete, res.Failed, res.Records)
	}
	if len(res.Batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(res.Batches))
	}

	failed := res.Batches[0].Sheets[1]
	if failed.Code != "SHEET2" || !errors.Is(failed.Err, codegroup.ErrGroupNotFound) || failed.Records != 0 {
		t.Errorf("SHEET2 result = %+v", failed)
	}

	// the failed sheet's records never reach the sink
	if _, ok := sinks[0].sheets["SHEET2"]; ok {
		t.Error("failed sheet was flushed")
	}
	if n := len(sinks[0].sheets["SHEET1"]); n != 1 {
		t.Errorf("SHEET1 flushed %d records, want 1", n)
	}
	if n := len(sinks[1].sheets["SHEET3"]); n != 2 {
		t.Errorf("SHEET3 flushed %d records, want 2", n)
	}
	if !sinks[0].closed || !sinks[1].closed {
		t.Error("sinks not closed")
	}
	if files := res.Files(); len(files) != 2 {
		t.Errorf("Files() = %v", files)
	}

	if got, want := res.Keys.Sheets(), []string{"SHEET1", "SHEET3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("key sheets = %v, want %v", got, want)
	}

	e, _ := c.Tracker.Entry("SHEET2")
	if e.Status != tracker.StatusFailed || e.Error == "" {
		t.Errorf("SHEET2 tracker entry = %+v", e)
	}
	for _, code := range []string{"SHEET1", "SHEET3"} {
		if e, _ := c.Tracker.Entry(code); e.Status != tracker.StatusComplete {
			t.Errorf("%s status = %s", code, e.Status)
		}
	}

	stats := c.Progress.(*progress.NoopManager)
	if stats.SheetsComplete != 2 || stats.SheetsFailed != 1 {
		t.Errorf("overall stats = %+v", stats)
	}
}

func TestCoordinatorRun_SourceFailure(t *testing.T) {
	c := newCoordinator(t, &memSource{}, map[int]*memSink{})
	c.OpenSource = func(context.Context) (source.Source, error) {
		return nil, errors.New("connection refused")
	}

	res := c.Run(context.Background(), []string{"SHEET1"})
	if res.Err() == nil {
		t.Fatal("expected batch error")
	}
	if _, ok := c.Tracker.Entry("SHEET1"); ok {
		t.Error("sheet should not be tracked when its batch never started")
	}
}

func TestCoordinatorRun_Cancelled(t *testing.T) {
	src := &memSource{terms: map[string][]term.Row{"SHEET1": {caseRate(1, "99213", nil)}}}
	c := newCoordinator(t, src, map[int]*memSink{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Run(ctx, []string{"SHEET1"})
	if !errors.Is(res.Err(), context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.Err())
	}
	if res.Complete != 0 {
		t.Errorf("complete = %d", res.Complete)
	}
}

func TestCoordinatorRun_SinkRejectsSheet(t *testing.T) {
	src := &memSource{terms: map[string][]term.Row{
		"SHEET1": {caseRate(1, "99213", nil)},
		"SHEET2": {caseRate(2, "99214", nil)},
	}}
	sinks := map[int]*memSink{}
	c := newFailingCoordinator(t, src, sinks, map[string]error{"SHEET1": errors.New("disk full")})

	res := c.Run(context.Background(), []string{"SHEET1", "SHEET2"})
	if err := res.Err(); err != nil {
		t.Fatalf("run error: %v", err)
	}
	if res.Complete != 1 || res.Failed != 1 || res.Records != 1 {
		t.Errorf("complete=%d failed=%d records=%d, want 1 1 1", res.Complete, res.Failed, res.Records)
	}
	if _, ok := sinks[0].sheets["SHEET1"]; ok {
		t.Error("rejected sheet left records in the sink")
	}
	if n := len(sinks[0].sheets["SHEET2"]); n != 1 {
		t.Errorf("SHEET2 flushed %d records, want 1", n)
	}
	if got := res.Keys.Sheets(); !reflect.DeepEqual(got, []string{"SHEET2"}) {
		t.Errorf("key sheets = %v", got)
	}
	if e, _ := c.Tracker.Entry("SHEET1"); e.Status != tracker.StatusFailed {
		t.Errorf("SHEET1 status = %s", e.Status)
	}
}

func TestCoordinatorRun_BrokenSinkDiscardsBatch(t *testing.T) {
	src := &memSource{terms: map[string][]term.Row{
		"SHEET1": {caseRate(1, "99213", nil)},
		"SHEET2": {caseRate(2, "99214", nil)},
		"SHEET3": {caseRate(3, "99215", nil)},
	}}
	sinks := map[int]*memSink{}
	broken := fmt.Errorf("%w: lost file", output.ErrBroken)
	c := newFailingCoordinator(t, src, sinks, map[string]error{"SHEET2": broken})
	c.BatchSize = 3

	res := c.Run(context.Background(), []string{"SHEET1", "SHEET2", "SHEET3"})
	if !errors.Is(res.Err(), output.ErrBroken) {
		t.Fatalf("err = %v, want output.ErrBroken", res.Err())
	}
	if res.Complete != 0 || res.Failed != 2 || res.Records != 0 {
		t.Errorf("complete=%d failed=%d records=%d, want 0 2 0", res.Complete, res.Failed, res.Records)
	}
	if res.Keys.Len() != 0 {
		t.Errorf("group keys survived the discarded batch: %v", res.Keys.Sheets())
	}

	// SHEET1 was written before the sink broke and is lost with it
	for _, code := range []string{"SHEET1", "SHEET2"} {
		if e, _ := c.Tracker.Entry(code); e.Status != tracker.StatusFailed {
			t.Errorf("%s status = %s, want failed", code, e.Status)
		}
	}
	if _, ok := c.Tracker.Entry("SHEET3"); ok {
		t.Error("SHEET3 ran after the sink broke")
	}
}

func TestCoordinatorRun_ResumeRetriesOnlyFailedSheet(t *testing.T) {
	src := &memSource{terms: map[string][]term.Row{
		"SHEET1": {caseRate(1, "99213", nil)},
		"SHEET2": {caseRate(2, "", term.Row{term.ColCodeGroupID: 20})},
		"SHEET3": {caseRate(3, "99215", nil)},
	}}
	all := []string{"SHEET1", "SHEET2", "SHEET3"}
	ctx := context.Background()

	first := newCoordinator(t, src, map[int]*memSink{})
	if res := first.Run(ctx, all); res.Failed != 1 {
		t.Fatalf("first run failed %d sheets, want 1", res.Failed)
	}

	src.terms["SHEET2"] = []term.Row{caseRate(2, "99214", nil)}
	retry, err := first.Tracker.SelectCodes(ctx, tracker.ModeResume, all)
	if err != nil {
		t.Fatalf("SelectCodes: %v", err)
	}
	if !reflect.DeepEqual(retry, []string{"SHEET2"}) {
		t.Fatalf("resume selected %v, want [SHEET2]", retry)
	}

	sinks := map[int]*memSink{}
	second := newCoordinator(t, src, sinks)
	second.Tracker = first.Tracker
	res := second.Run(ctx, retry)
	if res.Complete != 1 || res.Failed != 0 {
		t.Errorf("resume complete=%d failed=%d, want 1 0", res.Complete, res.Failed)
	}
	if len(sinks) != 1 || len(sinks[0].sheets) != 1 || len(sinks[0].sheets["SHEET2"]) != 1 {
		t.Errorf("resume wrote %v, want SHEET2 only", sinks[0].sheets)
	}
	if got := first.Tracker.Summary(); !reflect.DeepEqual(got, map[tracker.Status]int{tracker.StatusComplete: 3}) {
		t.Errorf("tracker summary = %v", got)
	}
}
