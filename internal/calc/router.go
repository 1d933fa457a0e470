package calc

import (
	"fmt"
	"sort"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// Kind is the strategy family a method belongs to.
type Kind int

const (
	KindFlat Kind = iota
	KindTieredMax
	KindPercentOfCharge
	KindPercentOfPrior
	KindFeeSchedule
	KindWeighted
	KindNDC
	KindGrouper
)

var kindNames = map[Kind]string{
	KindFlat:            "flat",
	KindTieredMax:       "tiered-max",
	KindPercentOfCharge: "percent-of-charge",
	KindPercentOfPrior:  "percent-of-prior",
	KindFeeSchedule:     "fee-schedule",
	KindWeighted:        "weighted",
	KindNDC:             "ndc",
	KindGrouper:         "grouper",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// PctRule says how a term's percent of charge affects a term-rate method.
type PctRule int

const (
	// PctIgnored prices from the rate columns only.
	PctIgnored PctRule = iota
	// PctOverrides switches to a percentage rate when the term has one.
	PctOverrides
	// PctOnly always prices as a percentage.
	PctOnly
)

// Method describes one calculation method.
type Method struct {
	Name string
	Kind Kind
	// RateKey is the suffix of the standard contract key, "{sheet}#{RateKey}".
	RateKey string

	// Term-rate methods: the rate is the largest present column.
	Columns []string
	Type    string
	Pct     PctRule
	// DefaultPct is used by PctOnly methods when the term has none.
	DefaultPct float64
	// RequirePct skips terms without a percent of charge.
	RequirePct bool

	// FilterGrouper restricts grouper assignments to the term's year and
	// source type.
	FilterGrouper bool
}

func cols(c ...string) []string { return c }

var methods = []Method{
	{Name: "CalcASCGrouper9LvNoDisc", Kind: KindGrouper, RateKey: "grouper", FilterGrouper: true},
	{Name: "CalcASCGrouperBase", Kind: KindGrouper, RateKey: "grouper"},

	{Name: "CalcCaseRate", Kind: KindFlat, RateKey: "case_rate", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcCaseRateLimit", Kind: KindFlat, RateKey: "case_rate", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcCaseRateTwoLevPerDiemLimit", Kind: KindTieredMax, RateKey: "case_rate", Columns: cols(term.ColBaseRate, term.ColBaseRate1), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcCaseRateThreeLevPerDiemLimit", Kind: KindTieredMax, RateKey: "case_rate", Columns: cols(term.ColBaseRate, term.ColBaseRate1, term.ColBaseRate2), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcCRLtdByPctOfChg", Kind: KindFlat, RateKey: "case_rate", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},

	{Name: "CalcDRGWeighting", Kind: KindWeighted, RateKey: "drg"},
	{Name: "CalcDRGWeightingDayOutlier", Kind: KindWeighted, RateKey: "drg"},

	{Name: "CalcFlatDollarDiscount", Kind: KindPercentOfCharge, RateKey: "per_item", Pct: PctOnly, DefaultPct: 1.0},
	{Name: "CalcLimit", Kind: KindFlat, RateKey: "limit", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcLimitAllowedPercent", Kind: KindFlat, RateKey: "limit", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcNDC", Kind: KindNDC, RateKey: "ndc"},

	{Name: "CalcNtwxStdFeeSched", Kind: KindFeeSchedule},
	{Name: "CalcPercentOfNtwxStdFeeSched", Kind: KindFeeSchedule},
	{Name: "CalcOptumPhysicianPricer", Kind: KindFeeSchedule},

	{Name: "CalcPctChgPDMax", Kind: KindFlat, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcPctChgPDMax_01", Kind: KindFlat, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcPercentOfChargesMax", Kind: KindFlat, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcPercentOfChargesMax_01", Kind: KindFlat, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcPctChgPerProcMax", Kind: KindFlat, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated},
	{Name: "CalcPctChgPerUnitThreshold", Kind: KindPercentOfCharge, RateKey: "pct_chgs", Pct: PctOnly},
	{Name: "CalcPercentThresh", Kind: KindPercentOfCharge, RateKey: "pct_chgs", Pct: PctOnly},
	{Name: "CalcPercentOfCharges", Kind: KindPercentOfCharge, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate1), Type: codes.TypeNegotiated, Pct: PctOverrides, RequirePct: true},
	{Name: "CalcPctOfChrgFlatAmt", Kind: KindPercentOfCharge, RateKey: "pct_chgs", Columns: cols(term.ColBaseRate1), Type: codes.TypeNegotiated, Pct: PctOverrides},

	{Name: "CalcPercentOfAllowed", Kind: KindPercentOfPrior},
	{Name: "CalcPercentOfAllowedPlusFDAmt", Kind: KindPercentOfPrior},

	{Name: "CalcPerDiem", Kind: KindFlat, RateKey: "per_diem", Columns: cols(term.ColPerDiem), Type: codes.TypePerDiem, Pct: PctOverrides},
	{Name: "CalcPDwithMax", Kind: KindFlat, RateKey: "per_diem", Columns: cols(term.ColPerDiem), Type: codes.TypePerDiem, Pct: PctOverrides},
	{Name: "CalcPDwithALOS", Kind: KindFlat, RateKey: "per_diem", Columns: cols(term.ColPerDiem), Type: codes.TypePerDiem, Pct: PctOverrides},
	{Name: "CalcThreeLevPD", Kind: KindTieredMax, RateKey: "per_diem", Columns: cols(term.ColBaseRate, term.ColPerDiem, term.ColOutlier), Type: codes.TypePerDiem, Pct: PctOverrides},
	{Name: "CalcPDFiveLvConfineDay", Kind: KindTieredMax, RateKey: "per_diem", Columns: cols(term.ColBaseRate, term.ColBaseRate1, term.ColBaseRate2, term.ColPerDiem, term.ColOutlier), Type: codes.TypePerDiem, Pct: PctOverrides},

	{Name: "CalcPerItem", Kind: KindFlat, RateKey: "per_item", Columns: cols(term.ColPerDiem), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcUnitLtdByChg", Kind: KindFlat, RateKey: "per_unit", Columns: cols(term.ColPerDiem), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcPercentPlusExcess", Kind: KindFlat, RateKey: "per_item", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated, Pct: PctOverrides},
	{Name: "CalcVisitPlusRatePerHour", Kind: KindFlat, RateKey: "per_item", Columns: cols(term.ColBaseRate), Type: codes.TypeNegotiated, Pct: PctOverrides},
}

// Router maps method names onto strategies.
type Router struct {
	methods    map[string]Method
	strategies map[string]Strategy
}

// NewRouter returns the router over every known method.
func NewRouter() *Router {
	r := &Router{
		methods:    make(map[string]Method, len(methods)),
		strategies: make(map[string]Strategy, len(methods)),
	}
	for _, m := range methods {
		r.methods[m.Name] = m
		r.strategies[m.Name] = strategyFor(m)
	}
	return r
}

func strategyFor(m Method) Strategy {
	switch m.Kind {
	case KindFlat, KindTieredMax, KindPercentOfCharge:
		return termRate(m)
	case KindPercentOfPrior:
		return percentOfAllowed
	case KindFeeSchedule:
		return feeSchedule
	case KindWeighted:
		return drgWeighting(m)
	case KindNDC:
		return ndc(m)
	case KindGrouper:
		return grouper(m)
	}
	panic(fmt.Sprintf("calc: no strategy for %s", m.Kind))
}

// Dispatch returns the strategy for name.
func (r *Router) Dispatch(name string) (Strategy, bool) {
	s, ok := r.strategies[name]
	return s, ok
}

// Method returns the description of name.
func (r *Router) Method(name string) (Method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// Names returns every routed method name, sorted.
func (r *Router) Names() []string {
	out := make([]string, 0, len(r.methods))
	for n := range r.methods {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Run dispatches t to its strategy.
func (r *Router) Run(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
	s, ok := r.Dispatch(t.CalcMethod)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, t.CalcMethod)
	}
	return s(env, t, cache, keys)
}
