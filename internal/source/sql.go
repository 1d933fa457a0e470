package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/lib/pq"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// termColumns are the STDRATESHEETTERMS columns a term bundle reads.
var termColumns = []string{
	"ratesheetid", "calcbean", "actionparm1", "basepercentofchgs", "codegroupid",
	"codelowvalue", "codehighvalue", "codetypebean", "displaysectionnumber",
	"seqnumber", "disabled", "ratesheettermid", "subratesheetid",
	"baserate", "baserate1", "baserate2", "perdiem", "userfield1",
	"secondarypercentofchgs", "otherpercentofchgs", "otherpercentofchgs1",
	"outlier", "outlierpercentage",
}

// SQLSource reads the contract database through database/sql and lib/pq.
type SQLSource struct {
	db *sql.DB
	qb *goqu.Database
	// SheetPrefix, when set, restricts RateSheetCodes to codes with this
	// prefix.
	SheetPrefix string
}

// OpenSQL connects to dsn and verifies the connection.
func OpenSQL(ctx context.Context, dsn string) (*SQLSource, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewSQL(db), nil
}

// NewSQL wraps an open database handle.
func NewSQL(db *sql.DB) *SQLSource {
	return &SQLSource{db: db, qb: goqu.New("postgres", db)}
}

func (s *SQLSource) Close() error {
	return s.db.Close()
}

// active matches rows whose [from, to] window contains the current date.
func active(from, to string) exp.RangeExpression {
	return goqu.L("CURRENT_DATE").Between(goqu.Range(goqu.I(from), goqu.I(to)))
}

func (s *SQLSource) termQuery() *goqu.SelectDataset {
	cols := make([]any, 0, len(termColumns)+2)
	for _, c := range termColumns {
		cols = append(cols, goqu.I("srst."+c))
	}
	cols = append(cols, goqu.I("srs.subratesheetind"), goqu.I("srs.ratesheetcode"))
	return s.qb.From(goqu.T("stdratesheets").As("srs")).
		Join(goqu.T("stdratesheetterms").As("srst"), goqu.On(goqu.I("srs.ratesheetid").Eq(goqu.I("srst.ratesheetid")))).
		Select(cols...).
		Where(active("srst.fromdate", "srst.todate")).
		Order(goqu.I("srst.displaysectionnumber").Asc(), goqu.I("srst.seqnumber").Asc()).
		Prepared(true)
}

func (s *SQLSource) RateSheetCodes(ctx context.Context) ([]string, error) {
	ds := s.qb.From("stdratesheets").
		Select(goqu.I("ratesheetcode")).
		Distinct().
		Where(goqu.I("ratesheetcode").IsNotNull()).
		Order(goqu.I("ratesheetcode").Asc()).
		Prepared(true)
	if s.SheetPrefix != "" {
		ds = ds.Where(goqu.I("ratesheetcode").Like(s.SheetPrefix + "%"))
	}
	rows, err := s.query(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("listing rate sheets: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		if c := r.String("RATESHEETCODE"); c != "" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *SQLSource) Terms(ctx context.Context, rateSheetCode string) ([]term.Row, error) {
	rows, err := s.query(ctx, s.termQuery().Where(goqu.I("srs.ratesheetcode").Eq(rateSheetCode)))
	if err != nil {
		return nil, fmt.Errorf("loading terms of %s: %w", rateSheetCode, err)
	}
	return rows, nil
}

func (s *SQLSource) SubSheetTerms(ctx context.Context, rateSheetID int) ([]term.Row, error) {
	rows, err := s.query(ctx, s.termQuery().Where(goqu.I("srs.ratesheetid").Eq(rateSheetID)))
	if err != nil {
		return nil, fmt.Errorf("loading terms of sheet %d: %w", rateSheetID, err)
	}
	return rows, nil
}

func (s *SQLSource) Tables(ctx context.Context) (*refdata.Tables, error) {
	return loadTables(ctx, s)
}

func (s *SQLSource) BillingCodes(ctx context.Context) ([]BillingCode, error) {
	rows, err := s.fetch(ctx, dsBillingCodes)
	if err != nil {
		return nil, err
	}
	return billingCodesFromRows(rows), nil
}

func (s *SQLSource) FeeSchedule(ctx context.Context, name string, localities [][2]string) (*refdata.ScheduleSet, error) {
	meta, err := s.query(ctx, s.qb.From("schedules").
		Select(goqu.I("scheduletype"), goqu.I("zipsourcetype")).
		Where(goqu.I("schedulecode").Eq(name)).
		Prepared(true))
	if err != nil {
		return nil, fmt.Errorf("loading schedule %s: %w", name, err)
	}
	if len(meta) == 0 {
		return nil, fmt.Errorf("schedule %s: %w", name, ErrNotFound)
	}

	set := &refdata.ScheduleSet{Name: name}
	if meta[0].String("SCHEDULETYPE") != refdata.ScheduleTypeLocality {
		rows, err := s.query(ctx, s.qb.From("schedulevalueswithmodifiers").
			Where(goqu.I("tablename").Eq(name), active("effectivedate", "terminationdate")).
			Prepared(true))
		if err != nil {
			return nil, fmt.Errorf("loading schedule %s values: %w", name, err)
		}
		set.Default = scheduleFromRows(rows)
		return set, nil
	}

	set.Localities = make(map[refdata.LocalityKey]refdata.FeeSchedule, len(localities))
	for _, cl := range localities {
		rows, err := s.query(ctx, s.qb.From("statelocalityschedulevalues").
			Where(
				goqu.I("tablename").Eq(name),
				goqu.I("carriernumber").Eq(cl[0]),
				goqu.I("localitynumber").Eq(cl[1]),
				active("effectivedate", "terminationdate"),
			).
			Prepared(true))
		if err != nil {
			return nil, fmt.Errorf("loading schedule %s locality %s/%s: %w", name, cl[0], cl[1], err)
		}
		set.Localities[refdata.LocalityKey{Schedule: name, Carrier: cl[0], Locality: cl[1]}] = scheduleFromRows(rows)
	}
	return set, nil
}

func (s *SQLSource) fetch(ctx context.Context, dataset string) ([]term.Row, error) {
	switch dataset {
	case dsCodeGroups:
		return s.query(ctx, s.qb.From(goqu.T("codegroups").As("cg")).
			Join(goqu.T("codegroupvalues").As("cgv"), goqu.On(goqu.I("cg.codegroupid").Eq(goqu.I("cgv.codegroupid")))).
			Select(
				goqu.I("cg.codegroupid"), goqu.I("cg.codegroupname"), goqu.I("cgv.seqnumber"),
				goqu.I("cgv.codelowvalue"), goqu.I("cgv.codehighvalue"), goqu.I("cgv.codetypebean"),
				goqu.I("cgv.nestedcodegroupid"), goqu.I("cgv.notlogicind"),
			).
			Where(active("cgv.codevalueseffdate", "cgv.codevaluestermdate")).
			Order(goqu.I("cg.codegroupid").Asc(), goqu.I("cgv.seqnumber").Asc()))
	case dsDRGWeights:
		return s.query(ctx, s.qb.From("drgweights").
			Select("drg", "relativeweight", "sourcetype", "yearapplied").
			Where(active("effectivedate", "terminationdate")))
	case dsNDCPrices:
		return s.query(ctx, s.qb.From("ndcpricing").Select("ndccode", "unitprice"))
	case dsAmbSurgCodes:
		return s.query(ctx, s.qb.From("ambsurggrpcodes").
			Select("ambsurggrpcode", "ascgroupnumber", "sourcetype", "yearapplied"))
	case dsLocalityZips:
		return s.query(ctx, s.qb.From("rbrvszip").
			Select("localitynumber", "carriernumber", "beginzip", "endzip").
			Where(active("effectivedate", "terminationdate")))
	case dsBillingCodes:
		procs, err := s.query(ctx, s.qb.From("proccode").
			Select(goqu.I("pcode").As("code"), goqu.I("description")))
		if err != nil {
			return nil, err
		}
		revs, err := s.query(ctx, s.qb.From("revcode").
			Select(goqu.I("codeid").As("code"), goqu.L("'RC'").As("codetype"), goqu.I("description")))
		if err != nil {
			return nil, err
		}
		return append(procs, revs...), nil
	}
	return nil, fmt.Errorf("dataset %s: %w", dataset, ErrNotFound)
}

// query runs ds and returns each row keyed by upper-case column name.
func (s *SQLSource) query(ctx context.Context, ds *goqu.SelectDataset) ([]term.Row, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	for i, c := range cols {
		cols[i] = strings.ToUpper(c)
	}

	var out []term.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(term.Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
