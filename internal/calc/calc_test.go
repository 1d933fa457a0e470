package calc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codegroup"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

func newTerm(method string, section codes.Section, extra term.Row) *term.Bundle {
	row := term.Row{
		term.ColCalcBean:       method,
		term.ColTermID:         7,
		term.ColSeq:            1,
		term.ColDisplaySection: int(section),
	}
	for k, v := range extra {
		row[k] = v
	}
	return term.New(row, "SHEET1", section)
}

func combo(code, mod, pos string) codegroup.Combination {
	return codegroup.Combination{Code: code, Modifier: mod, POS: pos, CodeType: codes.BillingCPT}
}

type fixture struct {
	env    *Env
	cache  *ratecache.Cache
	keys   *groupkey.Factory
	router *Router
}

func newFixture() *fixture {
	return &fixture{
		env:    NewEnv(refdata.NewTables(), "INS01"),
		cache:  ratecache.New(nil),
		keys:   groupkey.NewFactory(),
		router: NewRouter(),
	}
}

func (f *fixture) run(t *testing.T, b *term.Bundle) {
	t.Helper()
	require.NoError(t, f.router.Run(f.env, b, f.cache, f.keys))
}

func (f *fixture) get(t *testing.T, code, mod, pos, codeType string, termID int) ratecache.Record {
	t.Helper()
	rec, ok := f.cache.Get(ratecache.Identity{RateSheet: "SHEET1", Code: code, Modifier: mod, POS: pos, CodeType: codeType, TermID: termID})
	require.True(t, ok, "no record for %s/%s/%s", code, mod, pos)
	return rec
}

func TestRouterCoversMethods(t *testing.T) {
	r := NewRouter()
	for _, name := range []string{
		"CalcASCGrouper9LvNoDisc", "CalcASCGrouperBase", "CalcCaseRate", "CalcCaseRateLimit",
		"CalcCaseRateTwoLevPerDiemLimit", "CalcCaseRateThreeLevPerDiemLimit", "CalcCRLtdByPctOfChg",
		"CalcDRGWeighting", "CalcDRGWeightingDayOutlier", "CalcFlatDollarDiscount", "CalcLimit",
		"CalcLimitAllowedPercent", "CalcNDC", "CalcNtwxStdFeeSched", "CalcOptumPhysicianPricer",
		"CalcPctChgPDMax", "CalcPctChgPDMax_01", "CalcPctChgPerUnitThreshold", "CalcPercentThresh",
		"CalcPercentOfChargesMax_01", "CalcPercentOfNtwxStdFeeSched", "CalcPercentOfCharges",
		"CalcPercentOfChargesMax", "CalcPctChgPerProcMax", "CalcPctOfChrgFlatAmt",
		"CalcPercentOfAllowed", "CalcPercentOfAllowedPlusFDAmt", "CalcPerDiem", "CalcThreeLevPD",
		"CalcPDwithMax", "CalcPDwithALOS", "CalcPDFiveLvConfineDay", "CalcPerItem",
		"CalcUnitLtdByChg", "CalcPercentPlusExcess", "CalcVisitPlusRatePerHour",
	} {
		_, ok := r.Dispatch(name)
		assert.True(t, ok, name)
	}
	assert.Len(t, r.Names(), 36)

	_, ok := r.Dispatch("CalcSomethingNew")
	assert.False(t, ok)

	f := newFixture()
	err := f.router.Run(f.env, newTerm("CalcSomethingNew", codes.SectionOutpatientServices, nil), f.cache, f.keys)
	assert.True(t, errors.Is(err, ErrUnknownMethod))
}

func TestMethodKinds(t *testing.T) {
	r := NewRouter()
	m, _ := r.Method("CalcThreeLevPD")
	assert.Equal(t, KindTieredMax, m.Kind)
	m, _ = r.Method("CalcPercentOfAllowed")
	assert.Equal(t, KindPercentOfPrior, m.Kind)
	assert.Equal(t, "percent-of-prior", m.Kind.String())
}

func TestPromotePOS(t *testing.T) {
	assert.Equal(t, "21", PromotePOS("", codes.Institutional))
	assert.Equal(t, "21", PromotePOS("11", codes.Institutional))
	assert.Equal(t, "11", PromotePOS("", codes.Professional))
	assert.Equal(t, "22", PromotePOS("22", codes.Institutional))
}

func TestCaseRate_FlatAndPercent(t *testing.T) {
	f := newFixture()
	flat := newTerm("CalcCaseRate", codes.SectionInpatientCaseRate, term.Row{term.ColBaseRate: 1500.0})
	flat.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, flat)

	rec := f.get(t, "99213", "", "21", "CPT", 0)
	assert.Equal(t, "1500.0", rec.Rate)
	assert.Equal(t, codes.TypeNegotiated, rec.NegotiatedType)
	assert.Equal(t, codes.Institutional, rec.BillingClass)
	assert.Equal(t, "SHEET1#case_rate", rec.ContractKey)

	f = newFixture()
	pct := newTerm("CalcCaseRate", codes.SectionOutpatientCaseRate, term.Row{term.ColBaseRate: 1500.0, term.ColBasePctOfChgs: 0.35})
	pct.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, pct)

	rec = f.get(t, "99213", "", "11", "CPT", 0)
	assert.Equal(t, "35.0", rec.Rate)
	assert.Equal(t, codes.TypePercentage, rec.NegotiatedType)
}

func TestTieredMaxIgnoresMissingTiers(t *testing.T) {
	f := newFixture()
	b := newTerm("CalcPDFiveLvConfineDay", codes.SectionInpatientPerDiem, term.Row{
		term.ColBaseRate:  100.0,
		term.ColBaseRate1: nil,
		term.ColPerDiem:   "250.50",
		term.ColOutlier:   90,
	})
	b.Combinations = []codegroup.Combination{combo("0120", "", "")}
	b.Combinations[0].CodeType = codes.BillingRC
	f.run(t, b)

	rec := f.get(t, "0120", "", "21", "RC", 0)
	assert.Equal(t, "250.5", rec.Rate)
	assert.Equal(t, codes.TypePerDiem, rec.NegotiatedType)
}

func TestPercentOfChargesRequiresPercent(t *testing.T) {
	f := newFixture()
	b := newTerm("CalcPercentOfCharges", codes.SectionOutpatientServices, term.Row{term.ColBaseRate1: 40.0})
	b.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, b)
	assert.Equal(t, 0, f.cache.Len())

	flat := newTerm("CalcPctOfChrgFlatAmt", codes.SectionOutpatientServices, term.Row{term.ColBaseRate1: 40.0})
	flat.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, flat)
	assert.Equal(t, "40.0", f.get(t, "99213", "", "11", "CPT", 0).Rate)
}

func TestFlatDollarDiscountDefaultsToFullPercent(t *testing.T) {
	f := newFixture()
	b := newTerm("CalcFlatDollarDiscount", codes.SectionOutpatientServices, nil)
	b.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, b)
	rec := f.get(t, "99213", "", "11", "CPT", 0)
	assert.Equal(t, "100.0", rec.Rate)
	assert.Equal(t, codes.TypePercentage, rec.NegotiatedType)
}

func TestTermRateSkipsWithoutWork(t *testing.T) {
	f := newFixture()
	f.run(t, newTerm("CalcCaseRate", codes.SectionOutpatientCaseRate, term.Row{term.ColBaseRate: 10.0}))
	assert.Equal(t, 0, f.cache.Len())
	assert.Equal(t, 0, f.keys.Len())
}

func TestQualifiedTermUsesQualifiedKey(t *testing.T) {
	f := newFixture()
	b := newTerm("CalcPerItem", codes.SectionOutpatientServices, term.Row{term.ColPerDiem: 12.0})
	b.Combinations = []codegroup.Combination{combo("A0425", "", "11")}
	b.Combinations[0].CodeType = codes.BillingHCPCS
	b.ProviderRanges.Add(codes.CodeTypeProviderNPI, "1234567890", false)
	f.run(t, b)

	rec := f.get(t, "A0425", "", "11", "HCPCS", 0)
	assert.Equal(t, "SHEET1#7#CodeTypeProviderNPI", rec.ContractKey)
	assert.Equal(t, []string{"SHEET1#7#CodeTypeProviderNPI", "SHEET1#per_item"}, f.keys.Keys("SHEET1"))
	k, _ := f.keys.Get("SHEET1", rec.ContractKey)
	assert.Contains(t, k.Codes, groupkey.CodeRef{Code: "A0425", POS: "11"})
}

func TestExclusionSectionOverrides(t *testing.T) {
	f := newFixture()
	first := newTerm("CalcCaseRate", codes.SectionInpatientServices, term.Row{term.ColBaseRate: 100.0})
	first.Combinations = []codegroup.Combination{combo("99213", "", "")}
	f.run(t, first)

	again := newTerm("CalcCaseRate", codes.SectionInpatientServices, term.Row{term.ColBaseRate: 200.0})
	again.Combinations = first.Combinations
	f.run(t, again)
	assert.Equal(t, "100.0", f.get(t, "99213", "", "21", "CPT", 0).Rate)

	excl := newTerm("CalcCaseRate", codes.SectionInpatientExclusions, term.Row{term.ColBaseRate: 0.0})
	excl.Combinations = first.Combinations
	f.run(t, excl)
	assert.Equal(t, "0.0", f.get(t, "99213", "", "21", "CPT", 0).Rate)
	assert.Equal(t, 1, f.cache.Len())
}

func scheduleFixture() *fixture {
	f := newFixture()
	fs := refdata.FeeSchedule{}
	fs.Put("", "99213", refdata.FeeEntry{CodeType: "CPT", Allowed: 100})
	fs.Put("", "99214", refdata.FeeEntry{CodeType: "CPT", Percentage: 0.6})
	fs.Put("", "99215", refdata.FeeEntry{CodeType: "CPT"})
	fs.Put("26", "71045", refdata.FeeEntry{CodeType: "CPT", Allowed: 12.345, TermDate: "20261231"})
	f.env.Schedules["RBRVS"] = &refdata.ScheduleSet{Name: "RBRVS", Default: fs}
	return f
}

func TestFeeFor(t *testing.T) {
	rate, typ := FeeFor(refdata.FeeEntry{Allowed: 100}, 0)
	assert.Equal(t, "100.0", ratecache.FormatRate(rate))
	assert.Equal(t, codes.TypeFeeSchedule, typ)

	rate, typ = FeeFor(refdata.FeeEntry{Allowed: 100}, 0.8)
	assert.Equal(t, "80.0", ratecache.FormatRate(rate))
	assert.Equal(t, codes.TypeFeeSchedule, typ)

	// the term percent does not rescale a percentage entry
	rate, typ = FeeFor(refdata.FeeEntry{Percentage: 0.6}, 0.8)
	assert.Equal(t, "60.0", ratecache.FormatRate(rate))
	assert.Equal(t, codes.TypePercentage, typ)

	rate, typ = FeeFor(refdata.FeeEntry{}, 0.8)
	assert.Equal(t, "0.0", ratecache.FormatRate(rate))
	assert.Equal(t, codes.TypeFeeSchedule, typ)
}

func TestFeeSchedule_FullMode(t *testing.T) {
	f := scheduleFixture()
	b := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"})
	f.run(t, b)

	assert.Equal(t, 4, f.cache.Len())
	rec := f.get(t, "71045", "26", "11", "CPT", 0)
	assert.Equal(t, "12.35", rec.Rate)
	assert.Equal(t, "20261231", rec.ExpirationDate)
	assert.Equal(t, "SHEET1#RBRVS", rec.ContractKey)
	assert.Equal(t, codes.TypePercentage, f.get(t, "99214", "", "11", "CPT", 0).NegotiatedType)
}

func TestFeeSchedule_Combinations(t *testing.T) {
	f := scheduleFixture()
	b := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"})
	b.Combinations = []codegroup.Combination{
		combo("99213", "", "11"),
		combo("99999", "", "11"),
		{Modifier: "26", POS: "22"},
	}
	f.run(t, b)

	assert.Equal(t, 2, f.cache.Len())
	f.get(t, "99213", "", "11", "CPT", 0)
	f.get(t, "71045", "26", "22", "CPT", 0)
}

func TestFeeSchedule_MissingScheduleStoresNothing(t *testing.T) {
	f := newFixture()
	b := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "NOPE"})
	f.run(t, b)
	assert.Equal(t, 0, f.cache.Len())
}

func TestFeeSchedule_Localities(t *testing.T) {
	f := newFixture()
	loc := refdata.LocalityKey{Schedule: "MPFS", Carrier: "01112", Locality: "05"}
	fs := refdata.FeeSchedule{}
	fs.Put("", "99213", refdata.FeeEntry{CodeType: "CPT", Allowed: 92.1})
	f.env.Schedules["MPFS"] = &refdata.ScheduleSet{Name: "MPFS", Localities: map[refdata.LocalityKey]refdata.FeeSchedule{loc: fs}}

	b := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "MPFS"})
	b.LocalityKeys = []refdata.LocalityKey{loc}
	f.run(t, b)

	rec := f.get(t, "99213", "", "11", "CPT", 0)
	assert.Equal(t, "SHEET1#MPFS#01112#05#locality", rec.ContractKey)
	assert.Equal(t, "92.1", rec.Rate)
}

func TestPercentOfAllowed_ChainsPriorFeeSchedule(t *testing.T) {
	f := scheduleFixture()
	fee := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"})
	fee.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, fee)

	poa := newTerm("CalcPercentOfAllowed", codes.SectionOutpatientServices, term.Row{
		term.ColTermID:        9,
		term.ColBasePctOfChgs: 0.8,
	})
	poa.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, poa)

	rec := f.get(t, "99213", "", "11", "CPT", 9)
	assert.Equal(t, "80.0", rec.Rate)
	assert.Equal(t, codes.TypeNegotiated, rec.NegotiatedType)
	assert.True(t, rec.Chained)
	assert.Equal(t, "SHEET1#RBRVS", rec.ContractKey)
	// base untouched
	assert.Equal(t, "100.0", f.get(t, "99213", "", "11", "CPT", 0).Rate)
}

func TestPercentOfAllowed_FallsBackToBareModifier(t *testing.T) {
	f := scheduleFixture()
	fee := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"})
	fee.Combinations = []codegroup.Combination{combo("99213", "", "11")}
	f.run(t, fee)

	poa := newTerm("CalcPercentOfAllowed", codes.SectionOutpatientServices, term.Row{term.ColTermID: 9, term.ColBasePctOfChgs: 0.5})
	poa.Combinations = []codegroup.Combination{combo("99213", "25", "11")}
	f.run(t, poa)

	rec := f.get(t, "99213", "25", "11", "CPT", 9)
	assert.Equal(t, "50.0", rec.Rate)
	assert.Equal(t, "25", rec.Modifier)
}

// A schedule percentage is converted before it is stored, so a later
// percent-of-allowed term rescales the converted value.
func TestPercentOfAllowed_RescalesConvertedPercentage(t *testing.T) {
	f := scheduleFixture()
	fee := newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"})
	fee.Combinations = []codegroup.Combination{combo("99214", "", "11")}
	f.run(t, fee)
	assert.Equal(t, "60.0", f.get(t, "99214", "", "11", "CPT", 0).Rate)

	poa := newTerm("CalcPercentOfAllowed", codes.SectionOutpatientServices, term.Row{term.ColTermID: 9, term.ColBasePctOfChgs: 0.5})
	poa.Combinations = []codegroup.Combination{combo("99214", "", "11")}
	f.run(t, poa)
	assert.Equal(t, "30.0", f.get(t, "99214", "", "11", "CPT", 9).Rate)
}

func TestPercentOfAllowed_QualifiedWithoutServices(t *testing.T) {
	f := scheduleFixture()
	f.run(t, newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"}))
	require.Equal(t, 4, f.cache.Len())

	poa := newTerm("CalcPercentOfAllowed", codes.SectionOutpatientServices, term.Row{term.ColTermID: 11, term.ColBasePctOfChgs: 0.9})
	poa.ProviderRanges.Add(codes.CodeTypeProviderTaxonomyCode, "207Q00000X", false)
	poa.Combinations = []codegroup.Combination{{POS: "11"}}
	f.run(t, poa)

	assert.Equal(t, 8, f.cache.Len())
	rec := f.get(t, "99213", "", "11", "CPT", 11)
	assert.Equal(t, "90.0", rec.Rate)
	assert.Equal(t, "SHEET1#11#CodeTypeProviderTaxonomyCode", rec.ContractKey)
	k, ok := f.keys.Get("SHEET1", rec.ContractKey)
	require.True(t, ok)
	assert.Len(t, k.Codes, 4)
}

func TestPercentOfAllowed_QualifiedWithServices(t *testing.T) {
	f := scheduleFixture()
	f.run(t, newTerm("CalcNtwxStdFeeSched", codes.SectionOutpatientServices, term.Row{term.ColActionParm1: "RBRVS"}))

	poa := newTerm("CalcPercentOfAllowed", codes.SectionOutpatientServices, term.Row{term.ColTermID: 12, term.ColBasePctOfChgs: 0.5})
	poa.ProviderRanges.Add(codes.CodeTypeProviderZip, "10001", false)
	poa.HasServices = true
	poa.Combinations = []codegroup.Combination{combo("71045", "26", "11")}
	f.run(t, poa)

	assert.Equal(t, 5, f.cache.Len())
	assert.Equal(t, "6.18", f.get(t, "71045", "26", "11", "CPT", 12).Rate)
}

func TestDRGWeighting(t *testing.T) {
	f := newFixture()
	f.env.Tables.DRGWeights = []refdata.DRGWeight{
		{Code: "470", Weight: 1.9871},
		{Code: "871", Weight: 1.8564},
	}
	b := newTerm("CalcDRGWeighting", codes.SectionInpatientCaseRate, term.Row{term.ColBaseRate: 6000.0})
	f.run(t, b)

	assert.Equal(t, 2, f.cache.Len())
	rec := f.get(t, "470", "", "21", "DRG", 0)
	assert.Equal(t, "11922.6", rec.Rate)
	assert.Equal(t, "SHEET1#drg", rec.ContractKey)
	assert.Equal(t, "11138.4", f.get(t, "871", "", "21", "DRG", 0).Rate)
}

func TestNDC(t *testing.T) {
	f := newFixture()
	f.env.Tables.NDCPrices = map[string]float64{"00002143380": 10.5, "00006027731": 3}
	b := newTerm("CalcNDC", codes.SectionOutpatientServices, term.Row{term.ColBasePctOfChgs: 0.5})
	b.Combinations = []codegroup.Combination{{POS: "11"}}
	f.run(t, b)

	assert.Equal(t, "5.25", f.get(t, "00002143380", "", "11", "NDC", 0).Rate)
	assert.Equal(t, "1.5", f.get(t, "00006027731", "", "11", "NDC", 0).Rate)
}

func TestGrouper(t *testing.T) {
	f := newFixture()
	f.env.Tables.AmbSurgCodes = []refdata.AmbSurgCode{
		{Code: "29881", SourceType: "CMS", YearApplied: "2024", Group: 2},
		{Code: "66984", SourceType: "CMS", YearApplied: "2024", Group: 9},
		{Code: "47562", SourceType: "CMS", YearApplied: "2023", Group: 1},
	}
	nine := newTerm("CalcASCGrouper9LvNoDisc", codes.SectionOutpatientServices, term.Row{
		term.ColCodeLow:   "2024",
		term.ColCodeHigh:  "CMS",
		term.ColBaseRate:  100.0,
		term.ColBaseRate1: 200.0,
		term.ColOutlier:   900.0,
	})
	f.run(t, nine)
	assert.Equal(t, 2, f.cache.Len())
	assert.Equal(t, "200.0", f.get(t, "29881", "", "21", "CPT", 0).Rate)
	assert.Equal(t, "900.0", f.get(t, "66984", "", "21", "CPT", 0).Rate)

	g := newFixture()
	g.env.Tables = f.env.Tables
	g.run(t, newTerm("CalcASCGrouperBase", codes.SectionOutpatientServices, term.Row{term.ColBaseRate: 100.0}))
	assert.Equal(t, 3, g.cache.Len())
	assert.Equal(t, "SHEET1#grouper", g.get(t, "47562", "", "21", "CPT", 0).ContractKey)
}
