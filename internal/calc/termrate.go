package calc

import (
	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

var hundred = decimal.NewFromInt(100)

// percentRate converts a fractional percent of charge to the written
// percentage, e.g. 0.35 -> 35.
func percentRate(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(pct).Mul(hundred)
}

// Rate returns the rate and negotiated type m assigns to t.
func (m Method) Rate(t *term.Bundle) (decimal.Decimal, string) {
	switch m.Pct {
	case PctOverrides:
		if t.BasePctOfCharge > 0 {
			return percentRate(t.BasePctOfCharge), codes.TypePercentage
		}
	case PctOnly:
		pct := t.BasePctOfCharge
		if pct == 0 {
			pct = m.DefaultPct
		}
		return percentRate(pct), codes.TypePercentage
	}
	return ratecache.Money(t.MaxTier(m.Columns...)), m.Type
}

// termRate prices every combination of a term at one rate taken from the
// term itself.
func termRate(m Method) Strategy {
	return func(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
		if !hasWork(t) {
			return nil
		}
		if m.RequirePct && t.BasePctOfCharge == 0 {
			return nil
		}
		rate, typ := m.Rate(t)
		key := keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, t.RateSheetCode+"#"+m.RateKey)

		for _, c := range t.Combinations {
			pos := PromotePOS(c.POS, t.BillingClass)
			rec := ratecache.NewRecord(env.InsurerCode, key, c.CodeType, c.Code, pos, typ, rate, c.Modifier, t.BillingClass)
			env.emit(t, cache, keys, identity(t, c.Code, c.Modifier, pos, c.CodeType), rec)
		}
		return nil
	}
}
