// Package worker runs rate sheets in batches on a bounded goroutine pool.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/handler"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/output"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/progress"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/tracker"
)

// DefaultBatchSize is the number of rate sheets one batch processes.
const DefaultBatchSize = 15

// SheetResult is the outcome of one rate sheet.
type SheetResult struct {
	Code    string
	Records int
	Err     error
}

// BatchResult is the outcome of one batch. Err is set when the batch could
// not run at all or stopped early.
type BatchResult struct {
	Index  int
	Codes  []string
	Sheets []SheetResult
	Files  []string
	Err    error
}

// Result is the outcome of a run.
type Result struct {
	RunID    string
	Keys     *groupkey.Factory
	Batches  []BatchResult
	Complete int
	Failed   int
	Records  int64
}

// Files lists every output file written, in batch order.
func (r *Result) Files() []string {
	var out []string
	for _, b := range r.Batches {
		out = append(out, b.Files...)
	}
	return out
}

// Err joins the batch-level errors.
func (r *Result) Err() error {
	var errs []error
	for _, b := range r.Batches {
		if b.Err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", b.Index+1, b.Err))
		}
	}
	return errors.Join(errs...)
}

// Coordinator partitions rate sheets into batches and runs each batch on
// its own goroutine with isolated state: a source handle, a rate cache, a
// key factory and a sink. Only Tables is shared, read-only.
type Coordinator struct {
	Workers       int
	BatchSize     int
	Tables        *refdata.Tables
	InsurerCode   string
	ZipSpanCap    int
	PricerSheetID int
	Tracker       *tracker.Tracker
	Progress      progress.Manager

	// OpenSource returns the batch's own source handle.
	OpenSource func(ctx context.Context) (source.Source, error)
	// OpenSink returns the sink for batch index.
	OpenSink func(index int) (output.Sink, error)

	// RunID tags log lines; a random one is assigned when empty.
	RunID string

	complete atomic.Int64
	failed   atomic.Int64
	records  atomic.Int64
}

// Partition splits codes into consecutive batches of at most size.
func Partition(codes []string, size int) [][]string {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]string
	for start := 0; start < len(codes); start += size {
		end := min(start+size, len(codes))
		out = append(out, codes[start:end])
	}
	return out
}

// Run processes codes and returns the merged rate group keys with the
// per-batch results. Sheet failures are recorded in the tracker and do not
// stop their batch.
func (c *Coordinator) Run(ctx context.Context, codes []string) *Result {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Progress == nil {
		c.Progress = &progress.NoopManager{}
	}
	workers := max(c.Workers, 1)

	batches := Partition(codes, c.BatchSize)
	results := make([]BatchResult, len(batches))
	factories := make([]*groupkey.Factory, len(batches))

	logger := log.Logger.With().Str("run_id", c.RunID).Logger()
	logger.Info().Int("rate_sheets", len(codes)).Int("batches", len(batches)).Int("workers", workers).Msg("starting run")

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		go func(idx int, batch []string) {
			defer wg.Done()

			// Acquire semaphore
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = BatchResult{Index: idx, Codes: batch, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			pt := c.Progress.NewTracker(idx, len(batches), fmt.Sprintf("batch %d", idx+1))
			results[idx], factories[idx] = c.runBatch(ctx, idx, batch, pt, logger)
			pt.Done()
		}(i, batch)
	}

	wg.Wait()

	res := &Result{
		RunID:    c.RunID,
		Keys:     groupkey.Merged(factories...),
		Batches:  results,
		Complete: int(c.complete.Load()),
		Failed:   int(c.failed.Load()),
		Records:  c.records.Load(),
	}
	logger.Info().Int("complete", res.Complete).Int("failed", res.Failed).Int64("records", res.Records).
		Int("group_keys", res.Keys.Len()).Msg("run finished")
	return res
}

func (c *Coordinator) runBatch(ctx context.Context, idx int, codes []string, pt progress.Tracker, parent zerolog.Logger) (BatchResult, *groupkey.Factory) {
	res := BatchResult{Index: idx, Codes: codes}
	logger := parent.With().Int("batch", idx+1).Logger()

	src, err := c.OpenSource(ctx)
	if err != nil {
		res.Err = fmt.Errorf("opening source: %w", err)
		return res, nil
	}
	defer src.Close()

	sink, err := c.OpenSink(idx)
	if err != nil {
		res.Err = fmt.Errorf("opening sink: %w", err)
		return res, nil
	}

	cache := ratecache.New(c.Tables.ValidCodes)
	keys := groupkey.NewFactory()
	h := handler.New(c.Tables, c.InsurerCode, src, c.ZipSpanCap)
	h.PricerSheetID = c.PricerSheetID
	h.Env.Log = logger

	for i, code := range codes {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		pt.SetStage(code)
		sr, err := c.runSheet(ctx, code, h, cache, keys, sink)
		res.Sheets = append(res.Sheets, sr)
		if err != nil {
			res.Err = err
			break
		}
		pt.SetProgress(int64(i+1), int64(len(codes)))
		pt.SetCounter("records", c.records.Load())
		c.Progress.SetOverallStats(int(c.complete.Load()), int(c.failed.Load()), c.records.Load())
	}

	if err := sink.Close(); err != nil {
		if errors.Is(err, output.ErrBroken) {
			c.discardWritten(ctx, &res, keys, err, logger)
		}
		if res.Err == nil {
			res.Err = fmt.Errorf("closing sink: %w", err)
		}
	}
	res.Files = sink.Files()
	return res, keys
}

// discardWritten fails every sheet of res whose output went down with a
// broken sink, so that a resumed run processes it again.
func (c *Coordinator) discardWritten(ctx context.Context, res *BatchResult, keys *groupkey.Factory, cause error, logger zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	for i := range res.Sheets {
		sr := &res.Sheets[i]
		if sr.Err != nil {
			continue
		}
		lost := fmt.Errorf("output discarded: %w", cause)
		c.complete.Add(-1)
		c.failed.Add(1)
		c.records.Add(-int64(sr.Records))
		keys.Discard(sr.Code)
		sr.Err, sr.Records = lost, 0
		logger.Error().Err(lost).Str("rate_sheet", sr.Code).Msg("rate sheet output discarded")
		if err := c.Tracker.MarkFailed(ctx, sr.Code, lost); err != nil {
			logger.Error().Err(err).Str("rate_sheet", sr.Code).Msg("could not mark rate sheet failed")
		}
	}
}

// runSheet processes one rate sheet. A sheet failure is reported in the
// SheetResult; the returned error is reserved for tracker failures and
// broken sinks, which stop the batch.
func (c *Coordinator) runSheet(ctx context.Context, code string, h *handler.Handler, cache *ratecache.Cache, keys *groupkey.Factory, sink output.Sink) (SheetResult, error) {
	logger := h.Env.Log.With().Str("rate_sheet", code).Logger()
	sr := SheetResult{Code: code}

	if err := c.Tracker.MarkInProgress(ctx, code); err != nil {
		sr.Err = err
		return sr, err
	}

	err := c.processSheet(ctx, code, h, cache, keys, sink)
	sr.Records = cache.Len()
	cache.Reset()

	if err != nil {
		sr.Err, sr.Records = err, 0
		keys.Discard(code)
		c.failed.Add(1)
		logger.Error().Err(err).Msg("rate sheet failed")
		if terr := c.Tracker.MarkFailed(ctx, code, err); terr != nil {
			return sr, terr
		}
		if errors.Is(err, output.ErrBroken) {
			return sr, err
		}
		return sr, nil
	}

	c.complete.Add(1)
	c.records.Add(int64(sr.Records))
	logger.Debug().Int("records", sr.Records).Msg("rate sheet complete")
	return sr, c.Tracker.MarkComplete(ctx, code)
}

func (c *Coordinator) processSheet(ctx context.Context, code string, h *handler.Handler, cache *ratecache.Cache, keys *groupkey.Factory, sink output.Sink) error {
	rows, err := h.Source.Terms(ctx, code)
	if err != nil {
		return err
	}
	if err := h.HandleRateSheet(ctx, code, rows, cache, keys); err != nil {
		return err
	}
	return cache.Flush(code, sink)
}
