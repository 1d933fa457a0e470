// Package source reads rate sheets, reference tables and fee schedules from
// the contract database or from a JSON snapshot of it.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// ErrNotFound is returned when a named rate sheet or fee schedule does not
// exist in the source.
var ErrNotFound = errors.New("not found")

// Source is a read-only view of the contract data. Implementations are safe
// for use by one batch at a time.
type Source interface {
	// RateSheetCodes lists the rate sheets eligible for processing.
	RateSheetCodes(ctx context.Context) ([]string, error)
	// Terms returns the active term rows of a rate sheet.
	Terms(ctx context.Context, rateSheetCode string) ([]term.Row, error)
	// SubSheetTerms returns the active term rows of a sheet by id.
	SubSheetTerms(ctx context.Context, rateSheetID int) ([]term.Row, error)
	// Tables loads the shared reference tables.
	Tables(ctx context.Context) (*refdata.Tables, error)
	// FeeSchedule loads one schedule. Locality schedules are loaded for each
	// of the given (carrier, locality) pairs.
	FeeSchedule(ctx context.Context, name string, localities [][2]string) (*refdata.ScheduleSet, error)
	// BillingCodes returns the valid procedure and revenue codes.
	BillingCodes(ctx context.Context) ([]BillingCode, error)
	Close() error
}

// BillingCode is one entry of the billing-code whitelist.
type BillingCode struct {
	Code        string
	CodeType    string
	Description string
}

// Dataset names shared by both sources. For snapshots they are the
// top-level array keys of the snapshot document.
const (
	dsTerms          = "terms"
	dsCodeGroups     = "code_groups"
	dsDRGWeights     = "drg_weights"
	dsNDCPrices      = "ndc_prices"
	dsAmbSurgCodes   = "amb_surg_codes"
	dsLocalityZips   = "locality_zips"
	dsBillingCodes   = "billing_codes"
	dsSchedules      = "schedules"
	dsScheduleValues = "schedule_values"
)

// fetcher returns the rows of one reference dataset.
type fetcher interface {
	fetch(ctx context.Context, dataset string) ([]term.Row, error)
}

func loadTables(ctx context.Context, f fetcher) (*refdata.Tables, error) {
	t := refdata.NewTables()

	rows, err := f.fetch(ctx, dsCodeGroups)
	if err != nil {
		return nil, fmt.Errorf("loading code groups: %w", err)
	}
	t.CodeGroups = codeGroupsFromRows(rows)

	if rows, err = f.fetch(ctx, dsDRGWeights); err != nil {
		return nil, fmt.Errorf("loading DRG weights: %w", err)
	}
	t.DRGWeights = drgWeightsFromRows(rows)

	if rows, err = f.fetch(ctx, dsNDCPrices); err != nil {
		return nil, fmt.Errorf("loading NDC prices: %w", err)
	}
	t.NDCPrices = ndcPricesFromRows(rows)

	if rows, err = f.fetch(ctx, dsAmbSurgCodes); err != nil {
		return nil, fmt.Errorf("loading ambulatory surgery groupers: %w", err)
	}
	t.AmbSurgCodes = ambSurgFromRows(rows)

	if rows, err = f.fetch(ctx, dsLocalityZips); err != nil {
		return nil, fmt.Errorf("loading locality ZIP ranges: %w", err)
	}
	t.LocalityZips = localityZipsFromRows(rows)

	if rows, err = f.fetch(ctx, dsBillingCodes); err != nil {
		return nil, fmt.Errorf("loading billing codes: %w", err)
	}
	t.ValidCodes = refdata.Whitelist{}
	for _, bc := range billingCodesFromRows(rows) {
		t.ValidCodes.Add(bc.Code, bc.CodeType)
	}
	return t, nil
}

func codeGroupsFromRows(rows []term.Row) refdata.CodeGroups {
	groups := refdata.CodeGroups{}
	for _, r := range rows {
		id := r.Int("CODEGROUPID")
		if id == 0 {
			continue
		}
		groups.Add(id, r.String("CODEGROUPNAME"), refdata.Value{
			Seq:           r.Int("SEQNUMBER"),
			CodeType:      r.String("CODETYPEBEAN"),
			CodeLow:       r.String("CODELOWVALUE"),
			CodeHigh:      r.String("CODEHIGHVALUE"),
			NotLogic:      r.Bool("NOTLOGICIND"),
			NestedGroupID: r.Int("NESTEDCODEGROUPID"),
		})
	}
	groups.SortValues()
	return groups
}

func drgWeightsFromRows(rows []term.Row) []refdata.DRGWeight {
	var out []refdata.DRGWeight
	for _, r := range rows {
		code, w := r.String("DRG"), r.Float("RELATIVEWEIGHT")
		if code == "" || w == 0 {
			continue
		}
		out = append(out, refdata.DRGWeight{
			Code:       code,
			Weight:     w,
			SourceType: r.String("SOURCETYPE"),
			Year:       r.String("YEARAPPLIED"),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func ndcPricesFromRows(rows []term.Row) map[string]float64 {
	out := make(map[string]float64, len(rows))
	for _, r := range rows {
		code := r.String("NDCCODE")
		if code == "" || r["UNITPRICE"] == nil {
			continue
		}
		out[code] = r.Float("UNITPRICE")
	}
	return out
}

func ambSurgFromRows(rows []term.Row) []refdata.AmbSurgCode {
	var out []refdata.AmbSurgCode
	for _, r := range rows {
		a := refdata.AmbSurgCode{
			Code:        r.String("AMBSURGGRPCODE"),
			SourceType:  r.String("SOURCETYPE"),
			YearApplied: r.String("YEARAPPLIED"),
			Group:       r.Int("ASCGROUPNUMBER"),
		}
		if a.Code == "" || a.SourceType == "" || a.YearApplied == "" || r["ASCGROUPNUMBER"] == nil {
			continue
		}
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

func localityZipsFromRows(rows []term.Row) []refdata.LocalityZipRange {
	out := make([]refdata.LocalityZipRange, 0, len(rows))
	for _, r := range rows {
		out = append(out, refdata.LocalityZipRange{
			Carrier:  r.String("CARRIERNUMBER"),
			Locality: r.String("LOCALITYNUMBER"),
			BeginZip: r.String("BEGINZIP"),
			EndZip:   r.String("ENDZIP"),
		})
	}
	return out
}

// billingCodesFromRows reads rows carrying CODE, CODETYPE and DESCRIPTION.
// A missing code type is inferred from the code's shape.
func billingCodesFromRows(rows []term.Row) []BillingCode {
	out := make([]BillingCode, 0, len(rows))
	for _, r := range rows {
		code := r.String("CODE")
		if code == "" {
			continue
		}
		ct := r.String("CODETYPE")
		if ct == "" {
			ct = codes.DetermineCodeType(code)
		}
		if ct == codes.BillingRC {
			code = codes.PadRevenueCode(code)
		}
		out = append(out, BillingCode{Code: code, CodeType: ct, Description: r.String("DESCRIPTION")})
	}
	return out
}

// scheduleFromRows builds a modifier -> code -> entry table from schedule
// value rows.
func scheduleFromRows(rows []term.Row) refdata.FeeSchedule {
	fs := refdata.FeeSchedule{}
	for _, r := range rows {
		code := r.String("PROCEDURECODE")
		if code == "" {
			continue
		}
		fs.Put(r.String("MODIFIER"), code, refdata.FeeEntry{
			CodeType:   codes.DetermineCodeType(code),
			Allowed:    r.Float("ALLOWED"),
			Percentage: r.Float("PERCENTAGE"),
			TermDate:   dateString(r["TERMINATIONDATE"]),
		})
	}
	return fs
}

// dateString renders a date column as YYYYMMDD. Strings already in that
// form, or in ISO form, are accepted.
func dateString(v any) string {
	switch d := v.(type) {
	case nil:
		return ""
	case interface{ Format(string) string }:
		return d.Format("20060102")
	}
	s := term.Row{"v": v}.String("v")
	if len(s) >= 10 && s[4] == '-' && s[7] == '-' {
		return s[0:4] + s[5:7] + s[8:10]
	}
	return s
}
