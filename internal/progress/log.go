package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// LogManager implements Manager with throttled line-based output for
// non-TTY environments such as CI or container logs.
type LogManager struct {
	mu       sync.Mutex
	out      io.Writer
	interval time.Duration
	now      func() time.Time
}

// NewLogManager creates a log-based progress manager writing to stderr.
func NewLogManager() *LogManager {
	return &LogManager{out: os.Stderr, interval: logInterval, now: time.Now}
}

func (m *LogManager) NewTracker(index, total int, name string) Tracker {
	return &logTracker{
		mgr:   m,
		index: index,
		total: total,
		name:  name,
		start: m.now(),
	}
}

func (m *LogManager) Wait() {}

func (m *LogManager) SetOverallStats(sheetsComplete, sheetsFailed int, totalRecords int64) {
	m.log(fmt.Sprintf("sheets complete %d  failed %d  records %s",
		sheetsComplete, sheetsFailed, humanCount(totalRecords)))
}

func (m *LogManager) log(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now().Format("15:04:05")
	fmt.Fprintf(m.out, "%s %s\n", ts, msg)
}

// logTracker implements Tracker with throttled log output.
type logTracker struct {
	mgr     *LogManager
	index   int
	total   int
	name    string
	start   time.Time
	stage   string
	lastLog time.Time
}

const logInterval = 20 * time.Second

func (t *logTracker) log(msg string) {
	t.mgr.log(fmt.Sprintf("[%d/%d] %s  %s", t.index+1, t.total, t.name, msg))
}

func (t *logTracker) SetStage(stage string) {
	t.stage = stage
	t.lastLog = time.Time{} // reset throttle so next progress update prints
	t.log(stage)
}

func (t *logTracker) SetProgress(current, total int64) {
	now := t.mgr.now()
	if now.Sub(t.lastLog) < t.mgr.interval {
		return
	}
	t.lastLog = now

	if total > 0 {
		pct := float64(current) / float64(total) * 100
		t.log(fmt.Sprintf("%s  %d / %d sheets (%.0f%%)", t.stage, current, total, pct))
	}
}

func (t *logTracker) SetCounter(name string, value int64) {
	now := t.mgr.now()
	if now.Sub(t.lastLog) < t.mgr.interval {
		return
	}
	t.lastLog = now
	t.log(fmt.Sprintf("%s  %s: %s", t.stage, name, humanCount(value)))
}

func (t *logTracker) Done() {
	elapsed := t.mgr.now().Sub(t.start).Truncate(time.Second)
	t.log(fmt.Sprintf("Finished in %s", elapsed))
}
