package progress

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Tracker tracks progress for a single batch of rate sheets.
type Tracker interface {
	SetStage(stage string)
	SetProgress(current, total int64)
	SetCounter(name string, value int64)
	Done()
}

// Manager creates trackers for individual batches.
type Manager interface {
	NewTracker(index, total int, name string) Tracker
	Wait()
	SetOverallStats(sheetsComplete, sheetsFailed int, totalRecords int64)
}

// MPBManager implements Manager using the mpb multi-progress-bar library.
type MPBManager struct {
	container *mpb.Progress
	mu        sync.Mutex
	overall   *mpb.Bar
	summary   atomic.Value
}

// NewMPBManager creates a new mpb-based progress manager.
func NewMPBManager() *MPBManager {
	p := mpb.New(mpb.WithWidth(60))
	m := &MPBManager{container: p}
	m.summary.Store("")
	return m
}

// NewTracker creates a new progress bar for a batch.
func (m *MPBManager) NewTracker(index, total int, name string) Tracker {
	stageVal := &atomic.Value{}
	stageVal.Store("")
	bar := m.container.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(fmt.Sprintf("[%d/%d] %s ", index+1, total, name), decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.Any(func(s decor.Statistics) string {
				return "  " + stageVal.Load().(string)
			}),
		),
	)

	return &mpbTracker{
		bar:      bar,
		stagePtr: stageVal,
		counters: make(map[string]int64),
	}
}

// Wait waits for all progress bars to finish.
func (m *MPBManager) Wait() {
	m.mu.Lock()
	if m.overall != nil {
		m.overall.Abort(false)
	}
	m.mu.Unlock()
	m.container.Wait()
}

// SetOverallStats shows run totals on a summary line below the batch bars.
func (m *MPBManager) SetOverallStats(sheetsComplete, sheetsFailed int, totalRecords int64) {
	m.summary.Store(fmt.Sprintf("sheets complete %d  failed %d  records %s",
		sheetsComplete, sheetsFailed, humanCount(totalRecords)))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overall == nil {
		m.overall = m.container.New(0, mpb.NopStyle(),
			mpb.BarPriority(1<<30),
			mpb.PrependDecorators(decor.Any(func(decor.Statistics) string {
				return m.summary.Load().(string)
			})),
		)
	}
}

type mpbTracker struct {
	bar      *mpb.Bar
	stagePtr *atomic.Value
	mu       sync.Mutex
	counters map[string]int64
	stage    string
}

func (t *mpbTracker) SetStage(stage string) {
	t.mu.Lock()
	t.stage = stage
	t.mu.Unlock()
	t.render()
}

func (t *mpbTracker) SetProgress(current, total int64) {
	if total > 0 {
		pct := int64(float64(current) / float64(total) * 100)
		t.bar.SetTotal(100, false)
		t.bar.SetCurrent(pct)
	}
}

func (t *mpbTracker) SetCounter(name string, value int64) {
	t.mu.Lock()
	t.counters[name] = value
	t.mu.Unlock()
	t.render()
}

func (t *mpbTracker) render() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stage
	if n, ok := t.counters["records"]; ok {
		s += fmt.Sprintf("  (%s records)", humanCount(n))
	}
	t.stagePtr.Store(s)
}

func (t *mpbTracker) Done() {
	t.bar.SetTotal(100, false)
	t.bar.SetCurrent(100)
	t.bar.Abort(false) // complete without removing
}

// NoopManager is a no-op progress manager for non-interactive use. It
// keeps the latest overall stats for callers that report them later.
type NoopManager struct {
	SheetsComplete int32
	SheetsFailed   int32
	TotalRecords   int64
}

func (m *NoopManager) NewTracker(int, int, string) Tracker {
	return noopTracker{}
}

func (m *NoopManager) Wait() {}

func (m *NoopManager) SetOverallStats(sheetsComplete, sheetsFailed int, totalRecords int64) {
	atomic.StoreInt32(&m.SheetsComplete, int32(sheetsComplete))
	atomic.StoreInt32(&m.SheetsFailed, int32(sheetsFailed))
	atomic.StoreInt64(&m.TotalRecords, totalRecords)
}

type noopTracker struct{}

func (noopTracker) SetStage(string)          {}
func (noopTracker) SetProgress(int64, int64) {}
func (noopTracker) SetCounter(string, int64) {}
func (noopTracker) Done()                    {}

// humanCount formats n with a K/M suffix.
func humanCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}
