// Package term normalizes raw rate-sheet term rows into typed bundles.
package term

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codegroup"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
)

// Row is one raw term row keyed by upper-case column name.
type Row map[string]any

// Source column names.
const (
	ColCalcBean          = "CALCBEAN"
	ColActionParm1       = "ACTIONPARM1"
	ColBaseRate          = "BASERATE"
	ColBaseRate1         = "BASERATE1"
	ColBaseRate2         = "BASERATE2"
	ColBasePctOfChgs     = "BASEPERCENTOFCHGS"
	ColSecondaryPctChgs  = "SECONDARYPERCENTOFCHGS"
	ColOtherPctChgs      = "OTHERPERCENTOFCHGS"
	ColOtherPctChgs1     = "OTHERPERCENTOFCHGS1"
	ColOutlier           = "OUTLIER"
	ColOutlierPercentage = "OUTLIERPERCENTAGE"
	ColPerDiem           = "PERDIEM"
	ColUserField1        = "USERFIELD1"
	ColCodeGroupID       = "CODEGROUPID"
	ColCodeLow           = "CODELOWVALUE"
	ColCodeHigh          = "CODEHIGHVALUE"
	ColCodeType          = "CODETYPEBEAN"
	ColTermID            = "RATESHEETTERMID"
	ColRateSheetID       = "RATESHEETID"
	ColDisplaySection    = "DISPLAYSECTIONNUMBER"
	ColSeq               = "SEQNUMBER"
	ColDisabled          = "DISABLED"
	ColSubRateSheetID    = "SUBRATESHEETID"
	ColSubRateSheetInd   = "SUBRATESHEETIND"
	ColRateSheetCode     = "RATESHEETCODE"
)

// Bundle is one normalized term plus the state attached to it while it is
// resolved and calculated.
type Bundle struct {
	CalcMethod  string
	FeeSchedule string

	BaseRate             float64
	BaseRate1            float64
	BaseRate2            float64
	BasePctOfCharge      float64
	SecondaryPctOfCharge float64
	OtherPctOfCharge     float64
	OtherPctOfCharge1    float64
	Outlier              float64
	OutlierPct           float64
	PerDiem              float64
	UserField1           float64

	CodeGroupID int
	CodeLow     string
	CodeHigh    string
	CodeType    string

	TermID         int
	RateSheetID    int
	RateSheetCode  string
	DisplaySection codes.Section
	Seq            int
	SectionID      string
	Disabled       bool

	SubRateSheetID  int
	SubRateSheetInd int

	// Section is the section the term is processed under. It differs from
	// DisplaySection for sub-sheet terms, which inherit their parent's.
	Section      codes.Section
	BillingClass string
	Override     bool

	Raw Row

	Tree           *codegroup.Tree
	Combinations   []codegroup.Combination
	HasServices    bool
	Resolved       bool
	ProviderRanges codegroup.ProviderRanges
	LocalityKeys   []refdata.LocalityKey
}

// New normalizes row. rateSheetCode, when non-empty, overrides the row's own
// RATESHEETCODE; section is the section the term is processed under.
func New(row Row, rateSheetCode string, section codes.Section) *Bundle {
	b := &Bundle{
		CalcMethod:  row.String(ColCalcBean),
		FeeSchedule: row.String(ColActionParm1),

		BaseRate:             row.Float(ColBaseRate),
		BaseRate1:            row.Float(ColBaseRate1),
		BaseRate2:            row.Float(ColBaseRate2),
		BasePctOfCharge:      row.Float(ColBasePctOfChgs),
		SecondaryPctOfCharge: row.Float(ColSecondaryPctChgs),
		OtherPctOfCharge:     row.Float(ColOtherPctChgs),
		OtherPctOfCharge1:    row.Float(ColOtherPctChgs1),
		Outlier:              row.Float(ColOutlier),
		OutlierPct:           row.Float(ColOutlierPercentage),
		PerDiem:              row.Float(ColPerDiem),
		UserField1:           row.Float(ColUserField1),

		CodeGroupID: row.Int(ColCodeGroupID),
		CodeLow:     row.String(ColCodeLow),
		CodeHigh:    row.String(ColCodeHigh),
		CodeType:    row.String(ColCodeType),

		TermID:         row.Int(ColTermID),
		RateSheetID:    row.Int(ColRateSheetID),
		RateSheetCode:  row.String(ColRateSheetCode),
		DisplaySection: codes.Section(row.Int(ColDisplaySection)),
		Seq:            row.Int(ColSeq),
		Disabled:       row.Bool(ColDisabled),

		SubRateSheetID:  row.Int(ColSubRateSheetID),
		SubRateSheetInd: row.Int(ColSubRateSheetInd),

		Raw: row,
	}
	if rateSheetCode != "" {
		b.RateSheetCode = rateSheetCode
	}
	if section == 0 {
		section = b.DisplaySection
	}
	b.Section = section
	b.BillingClass = section.BillingClass()
	b.Override = section.Exclusion()
	b.SectionID = fmt.Sprintf("%d-%d", b.DisplaySection, b.Seq)
	return b
}

// Runnable reports whether the term carries a calculation. Disabled terms,
// terms without a method and terms with sequence zero are structural.
func (b *Bundle) Runnable() bool {
	return !b.Disabled && b.CalcMethod != "" && b.Seq != 0
}

// SkipReason explains why a term is not runnable.
func (b *Bundle) SkipReason() string {
	switch {
	case b.Disabled:
		return "disabled"
	case b.CalcMethod == "":
		return "no calculation method"
	case b.Seq == 0:
		return "sequence zero"
	}
	return ""
}

// HasSubSheet reports whether the term expands into a sub-rate-sheet.
func (b *Bundle) HasSubSheet() bool {
	return b.SubRateSheetID != 0 && b.SubRateSheetInd == 0
}

// HasCodeReference reports whether the term names a code group or an
// inline range.
func (b *Bundle) HasCodeReference() bool {
	return b.CodeGroupID != 0 || b.CodeLow != ""
}

// Field returns a numeric column of the raw row by name.
func (b *Bundle) Field(col string) float64 {
	return b.Raw.Float(col)
}

// MaxTier returns the largest of the named columns that are present on the
// row. Missing and null columns are ignored.
func (b *Bundle) MaxTier(cols ...string) float64 {
	best, seen := 0.0, false
	for _, c := range cols {
		v, ok := b.Raw.lookupFloat(c)
		if !ok {
			continue
		}
		if !seen || v > best {
			best, seen = v, true
		}
	}
	return best
}

// String returns a trimmed string column.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// Float returns a numeric column, 0 when missing or unparseable.
func (r Row) Float(col string) float64 {
	v, _ := r.lookupFloat(col)
	return v
}

// Int returns an integer column, 0 when missing or unparseable.
func (r Row) Int(col string) int {
	v, ok := r.lookupFloat(col)
	if !ok {
		return 0
	}
	return int(v)
}

// Bool treats non-zero numbers, "Y", "T" and "true" as true.
func (r Row) Bool(col string) bool {
	switch v := r[col].(type) {
	case bool:
		return v
	case nil:
		return false
	}
	s := strings.ToUpper(r.String(col))
	switch s {
	case "Y", "YES", "T", "TRUE":
		return true
	}
	f, err := strconv.ParseFloat(s, 64)
	return err == nil && f != 0
}

func (r Row) lookupFloat(col string) (float64, bool) {
	switch v := r[col].(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case []byte:
		return parseFloat(string(v))
	case string:
		return parseFloat(v)
	default:
		return parseFloat(fmt.Sprint(v))
	}
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
