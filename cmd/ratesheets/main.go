package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/config"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/logging"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/output"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/tracker"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const serviceName = "ratesheets"

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:          "ratesheets",
		Short:        "Compute negotiated rates and rate group keys from contract rate sheets",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (.env, yaml or json); environment variables take precedence")

	rootCmd.AddCommand(newRunCmd(&cfgPath))
	rootCmd.AddCommand(newStatusCmd(&cfgPath))
	rootCmd.AddCommand(newExtractCodesCmd(&cfgPath))
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config and starts logging.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(serviceName, cfg.Env, cfg.LogLevel)
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing current rate sheets...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// openTracker opens the configured tracker store.
func openTracker(ctx context.Context, cfg *config.Config) (*tracker.Tracker, func(), error) {
	switch cfg.TrackerKind {
	case "redis":
		store, err := tracker.NewRedisStore(ctx, cfg.RedisURL, cfg.RunName)
		if err != nil {
			return nil, nil, err
		}
		tr, err := tracker.Open(ctx, store)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		return tr, func() { store.Close() }, nil
	default:
		tr, err := tracker.Open(ctx, &tracker.FileStore{Path: cfg.TrackerPath})
		return tr, func() {}, err
	}
}

func newStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the tracked state of every rate sheet",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			tr, closeTracker, err := openTracker(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeTracker()

			out := cmd.OutOrStdout()
			summary := tr.Summary()
			for _, st := range []tracker.Status{tracker.StatusPending, tracker.StatusInProgress, tracker.StatusComplete, tracker.StatusFailed} {
				fmt.Fprintf(out, "%-12s %d\n", st, summary[st])
			}
			failed := tr.Failed()
			if len(failed) > 0 {
				fmt.Fprintln(out, "\nFailed rate sheets:")
			}
			for _, code := range failed {
				e, _ := tr.Entry(code)
				fmt.Fprintf(out, "  %s  %s  %s\n", code, e.LastUpdated.Format(time.RFC3339), e.Error)
			}
			return nil
		},
	}
}

func newExtractCodesCmd(cfgPath *string) *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "extract-codes",
		Short: "Write the billing-code extract used as the valid-code whitelist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			shared, err := openShared(ctx, cfg)
			if err != nil {
				return err
			}
			src, err := shared.open(ctx)
			if err != nil {
				return err
			}
			defer src.Close()

			bc, err := src.BillingCodes(ctx)
			if err != nil {
				return fmt.Errorf("loading billing codes: %w", err)
			}
			sort.Slice(bc, func(i, j int) bool {
				if bc[i].CodeType != bc[j].CodeType {
					return bc[i].CodeType < bc[j].CodeType
				}
				return bc[i].Code < bc[j].Code
			})

			if outputPath == "" {
				outputPath = filepath.Join(cfg.OutputDir, fmt.Sprintf("billing_codes_%s.TXT", time.Now().Format("20060102")))
			}
			if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
				return err
			}
			files, err := output.WriteBillingCodes(outputPath, bc)
			if err != nil {
				return err
			}
			log.Info().Int("codes", len(bc)).Strs("files", files).Msg("billing codes written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default: OUTPUT_DIR/billing_codes_YYYYMMDD.TXT)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (json parser: %s)\n", serviceName, version, source.ParserName())
		},
	}
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
