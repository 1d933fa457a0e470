package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/cloud"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/config"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/logging"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/output"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/progress"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/worker"
)

type runFlags struct {
	mode       string
	workers    int
	batchSize  int
	outputDir  string
	format     string
	sheets     string
	keysOut    string
	noProgress bool
	noUpload   bool
}

// apply overrides cfg with the flags set on cmd.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("mode") {
		cfg.RunMode = f.mode
	}
	if changed("workers") {
		cfg.Workers = f.workers
	}
	if changed("batch-size") {
		cfg.BatchSize = f.batchSize
	}
	if changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if changed("format") {
		cfg.OutputFormat = f.format
	}
}

func newRunCmd(cfgPath *string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process rate sheets into negotiated-rate files and rate group keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			f.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return runRateSheets(ctx, cfg, &f)
		},
	}

	cmd.Flags().StringVar(&f.mode, "mode", "", "Run mode: full, resume or failed_only (default RUN_MODE)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Number of concurrent batches (default WORKERS)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Rate sheets per batch (default BATCH_SIZE)")
	cmd.Flags().StringVar(&f.outputDir, "output-dir", "", "Output directory (default OUTPUT_DIR)")
	cmd.Flags().StringVar(&f.format, "format", "", "Output format: psv, parquet or postgres (default OUTPUT_FORMAT)")
	cmd.Flags().StringVar(&f.sheets, "sheets", "", "Comma-separated rate sheet codes to process instead of all")
	cmd.Flags().StringVar(&f.keysOut, "keys-out", "", "Rate group key JSON path, '-' for stdout (default OUTPUT_DIR/rate_group_keys.json)")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&f.noUpload, "no-upload", false, "Skip the S3 upload even when S3_BUCKET is set")

	return cmd
}

func runRateSheets(ctx context.Context, cfg *config.Config, f *runFlags) error {
	runID := uuid.NewString()
	logger := logging.ForRun(runID)
	start := time.Now()

	mode, err := cfg.Mode()
	if err != nil {
		return err
	}

	shared, err := openShared(ctx, cfg)
	if err != nil {
		return err
	}
	defer shared.close()

	// Reference tables and the rate sheet list come from one handle; every
	// batch then opens its own.
	src, err := shared.open(ctx)
	if err != nil {
		return err
	}
	tables, err := src.Tables(ctx)
	if err != nil {
		src.Close()
		return fmt.Errorf("loading reference tables: %w", err)
	}
	all := splitList(f.sheets)
	if len(all) == 0 {
		if all, err = src.RateSheetCodes(ctx); err != nil {
			src.Close()
			return fmt.Errorf("listing rate sheets: %w", err)
		}
	}
	src.Close()

	if cfg.ModifierMapPath != "" {
		mods, err := refdata.LoadModifierMap(cfg.ModifierMapPath, time.Now())
		if err != nil {
			return err
		}
		tables.ModifierCodes = mods
	}

	tr, closeTracker, err := openTracker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTracker()

	codes, err := tr.SelectCodes(ctx, mode, all)
	if err != nil {
		return err
	}
	logger.Info().Str("mode", string(mode)).Int("rate_sheets", len(all)).Int("selected", len(codes)).
		Str("insurer", cfg.InsurerCode).Str("reporting_entity", cfg.ReportingEntity).
		Str("reporting_entity_type", cfg.ReportingEntityType).
		Str("json_parser", source.ParserName()).Msg("rate sheets selected")
	if len(codes) == 0 {
		logger.Info().Msg("nothing to do")
		return nil
	}

	sinks, err := newSinkFactory(ctx, cfg, start)
	if err != nil {
		return err
	}
	defer sinks.close()

	var mgr progress.Manager
	switch {
	case f.noProgress:
		mgr = &progress.NoopManager{}
	case isTerminal():
		mgr = progress.NewMPBManager()
	default:
		mgr = progress.NewLogManager()
	}

	coord := &worker.Coordinator{
		Workers:       cfg.Workers,
		BatchSize:     cfg.BatchSize,
		Tables:        tables,
		InsurerCode:   cfg.InsurerCode,
		ZipSpanCap:    cfg.ZipSpanCap,
		PricerSheetID: cfg.PricerSheetID,
		Tracker:       tr,
		Progress:      mgr,
		OpenSource:    shared.open,
		OpenSink:      sinks.open,
		RunID:         runID,
	}
	res := coord.Run(ctx, codes)
	mgr.Wait()

	files := res.Files()
	keysOut := f.keysOut
	if keysOut == "" {
		keysOut = filepath.Join(cfg.OutputDir, "rate_group_keys.json")
		if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
			return err
		}
	}
	if err := output.WriteGroupKeys(keysOut, res.Keys); err != nil {
		return fmt.Errorf("writing group keys: %w", err)
	}
	if keysOut != "-" {
		files = append(files, keysOut)
	}

	if cfg.S3Bucket != "" && !f.noUpload && len(files) > 0 {
		if err := upload(ctx, cfg, runID, files); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stderr, "\nRun %s complete: %d rate sheets, %d failed, %d records, %d group keys in %.1fs\n",
		runID, res.Complete, res.Failed, res.Records, res.Keys.Len(), time.Since(start).Seconds())

	if err := res.Err(); err != nil {
		return err
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d rate sheets failed; rerun with --mode failed_only", res.Failed)
	}
	return nil
}

func upload(ctx context.Context, cfg *config.Config, runID string, files []string) error {
	s3c, err := cloud.NewS3Client(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return err
	}
	prefix := filepath.ToSlash(filepath.Join(cfg.S3Prefix, time.Now().Format("2006-01-02"), runID))
	keys, err := s3c.UploadDir(ctx, prefix, files)
	if err != nil {
		return fmt.Errorf("uploading outputs: %w", err)
	}
	log.Info().Str("bucket", cfg.S3Bucket).Str("prefix", prefix).Int("files", len(keys)).Msg("outputs uploaded")
	return nil
}

// sharedSource opens per-batch source handles. A snapshot is loaded once
// and shared, since it is read-only after loading.
type sharedSource struct {
	cfg  *config.Config
	snap *source.SnapshotSource
}

func openShared(ctx context.Context, cfg *config.Config) (*sharedSource, error) {
	s := &sharedSource{cfg: cfg}
	if cfg.SourceKind != "snapshot" {
		return s, nil
	}

	path := cfg.SnapshotPath
	if bucket, key, ok := cloud.ParseURL(path); ok {
		s3c, err := cloud.NewS3Client(ctx, bucket, cfg.S3Region)
		if err != nil {
			return nil, err
		}
		tmp, err := os.CreateTemp("", "ratesheet-snapshot-*.json")
		if err != nil {
			return nil, err
		}
		tmp.Close()
		defer os.Remove(tmp.Name())
		if err := s3c.DownloadFile(ctx, key, tmp.Name()); err != nil {
			return nil, err
		}
		path = tmp.Name()
	}

	snap, err := source.OpenSnapshot(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	s.snap = snap
	return s, nil
}

func (s *sharedSource) open(ctx context.Context) (source.Source, error) {
	if s.snap != nil {
		return s.snap, nil
	}
	db, err := source.OpenSQL(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db.SheetPrefix = s.cfg.RateSheetPrefix
	return db, nil
}

func (s *sharedSource) close() {
	if s.snap != nil {
		s.snap.Close()
	}
}

// sinkFactory opens one sink per batch. Batches share a single Postgres
// writer and its pool.
type sinkFactory struct {
	cfg   *config.Config
	start time.Time
	pool  *pgxpool.Pool
	pg    *output.PostgresWriter
}

func newSinkFactory(ctx context.Context, cfg *config.Config, start time.Time) (*sinkFactory, error) {
	sf := &sinkFactory{cfg: cfg, start: start}
	if cfg.OutputFormat == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.OutputDatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect output database: %w", err)
		}
		pg, err := output.NewPostgresWriterFromPool(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		sf.pool, sf.pg = pool, pg
	}
	return sf, nil
}

// batchPrefix names a batch's output files.
func batchPrefix(prefix string, index int) string {
	return fmt.Sprintf("%s_b%03d", prefix, index+1)
}

func (sf *sinkFactory) open(index int) (output.Sink, error) {
	prefix := batchPrefix(sf.cfg.OutputPrefix, index)
	switch sf.cfg.OutputFormat {
	case "parquet":
		return output.NewParquetWriter(sf.cfg.OutputDir, prefix, sf.start)
	case "postgres":
		return sf.pg, nil
	default:
		return output.NewPSVWriter(sf.cfg.OutputDir, prefix, sf.cfg.MaxRecordsPerFile, sf.cfg.OutputGzip, sf.start)
	}
}

func (sf *sinkFactory) close() {
	if sf.pool != nil {
		sf.pool.Close()
	}
}

// isTerminal returns true if stderr is connected to a terminal.
func isTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
