package calc

import (
	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// drgWeighting writes one record per DRG weight: base rate times relative
// weight.
func drgWeighting(m Method) Strategy {
	return func(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
		key := keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, t.RateSheetCode+"#"+m.RateKey)
		pos := classPOS(t.BillingClass)
		base := decimal.NewFromFloat(t.BaseRate)
		for _, w := range env.Tables.DRGWeights {
			rate := ratecache.RoundHalfUp(base.Mul(decimal.NewFromFloat(w.Weight)), 2)
			rec := ratecache.NewRecord(env.InsurerCode, key, codes.BillingDRG, w.Code, pos, codes.TypeNegotiated, rate, "", t.BillingClass)
			env.emit(t, cache, keys, identity(t, w.Code, "", pos, codes.BillingDRG), rec)
		}
		return nil
	}
}

// ndc writes one record per NDC price: the unit price, scaled by the
// term's percent of charge when set.
func ndc(m Method) Strategy {
	return func(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
		if !hasWork(t) {
			return nil
		}
		key := keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, t.RateSheetCode+"#"+m.RateKey)
		pos := classPOS(t.BillingClass)
		for _, code := range env.Tables.SortedNDC() {
			price := decimal.NewFromFloat(env.Tables.NDCPrices[code])
			rate := price
			if t.BasePctOfCharge != 0 {
				rate = ratecache.RoundHalfUp(price.Mul(decimal.NewFromFloat(t.BasePctOfCharge)), 2)
			}
			rec := ratecache.NewRecord(env.InsurerCode, key, codes.BillingNDC, code, pos, codes.TypeNegotiated, rate, "", t.BillingClass)
			env.emit(t, cache, keys, identity(t, code, "", pos, codes.BillingNDC), rec)
		}
		return nil
	}
}

// grouper prices ambulatory-surgery codes by their grouper number. The
// filtered variant reads the year from the term's low code and the source
// type from its high code, and takes each grouper's rate from the term
// column assigned to it; the base variant uses the base rate throughout.
func grouper(m Method) Strategy {
	return func(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
		key := keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, t.RateSheetCode+"#"+m.RateKey)
		pos := codes.InstitutionalPOS
		for _, a := range env.Tables.AmbSurgCodes {
			rate := ratecache.Money(t.BaseRate)
			if m.FilterGrouper {
				if a.YearApplied != t.CodeLow || a.SourceType != t.CodeHigh {
					continue
				}
				col, ok := codes.GrouperColumn(a.Group)
				if !ok {
					env.Log.Debug().Int("term_id", t.TermID).Int("group", a.Group).Msg("no rate column for grouper")
					continue
				}
				rate = ratecache.Money(t.Field(col))
			}
			rec := ratecache.NewRecord(env.InsurerCode, key, codes.BillingCPT, a.Code, pos, codes.TypeNegotiated, rate, "", t.BillingClass)
			env.emit(t, cache, keys, identity(t, a.Code, "", pos, codes.BillingCPT), rec)
		}
		return nil
	}
}
