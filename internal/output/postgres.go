package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
)

// RatesTable is the table PostgresWriter copies records into.
const RatesTable = "negotiated_rates"

const ratesSchema = `
CREATE TABLE IF NOT EXISTS negotiated_rates (
	rate_sheet              TEXT NOT NULL,
	update_type             TEXT NOT NULL,
	insurer_code            TEXT NOT NULL,
	prov_grp_contract_key   TEXT NOT NULL,
	negotiation_arrangement TEXT NOT NULL,
	billing_code_type       TEXT NOT NULL,
	billing_code_type_ver   TEXT NOT NULL,
	billing_code            TEXT NOT NULL,
	covered_bundle_key      TEXT NOT NULL,
	pos_collection_key      TEXT NOT NULL,
	negotiated_type         TEXT NOT NULL,
	rate                    NUMERIC NOT NULL,
	modifier                TEXT NOT NULL,
	billing_class           TEXT NOT NULL,
	expiration_date         TEXT NOT NULL,
	section_id              TEXT NOT NULL,
	source_term_id          INTEGER NOT NULL
)`

var rateCopyCols = []string{
	"rate_sheet", "update_type", "insurer_code", "prov_grp_contract_key",
	"negotiation_arrangement", "billing_code_type", "billing_code_type_ver",
	"billing_code", "covered_bundle_key", "pos_collection_key", "negotiated_type",
	"rate", "modifier", "billing_class", "expiration_date", "section_id",
	"source_term_id",
}

// PostgresWriter bulk-loads records with COPY. Each WriteRecords call is
// one COPY, so a sheet lands entirely or not at all and the writer never
// breaks.
type PostgresWriter struct {
	ctx  context.Context
	pool *pgxpool.Pool
	own  bool

	mu     sync.Mutex
	copied int64
}

// NewPostgresWriter connects to connStr and creates the rates table if it
// does not exist. ctx bounds every later COPY.
func NewPostgresWriter(ctx context.Context, connStr string) (*PostgresWriter, error) {
	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection: %w", err)
	}
	poolConfig.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	w, err := NewPostgresWriterFromPool(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	w.own = true
	return w, nil
}

// NewPostgresWriterFromPool shares an existing pool. Close leaves it open.
func NewPostgresWriterFromPool(ctx context.Context, pool *pgxpool.Pool) (*PostgresWriter, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ratesSchema); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &PostgresWriter{ctx: ctx, pool: pool}, nil
}

func (w *PostgresWriter) WriteRecords(rateSheet string, recs []ratecache.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		rate, _ := r.RateValue().Float64()
		rows = append(rows, []any{
			rateSheet, r.UpdateType, r.InsurerCode, r.ContractKey,
			r.Arrangement, r.CodeType, r.CodeVersion,
			r.Code, r.CoveredBundleKey, r.POS, r.NegotiatedType,
			rate, r.Modifier, r.BillingClass, r.ExpirationDate, r.SectionID,
			int32(r.SourceTermID),
		})
	}
	copied, err := w.pool.CopyFrom(w.ctx, pgx.Identifier{RatesTable}, rateCopyCols, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy %s for %s: %w", RatesTable, rateSheet, err)
	}
	w.mu.Lock()
	w.copied += copied
	w.mu.Unlock()
	return nil
}

// Copied returns the number of rows loaded.
func (w *PostgresWriter) Copied() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.copied
}

func (w *PostgresWriter) Files() []string { return nil }

func (w *PostgresWriter) Close() error {
	if w.own {
		w.pool.Close()
	}
	return nil
}
