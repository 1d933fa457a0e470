package calc

import (
	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// FeeFor prices one schedule entry. A positive allowed amount wins and is
// rescaled by pct when pct is set; otherwise the entry's percentage is
// written as a percentage; otherwise the fee is zero.
func FeeFor(e refdata.FeeEntry, pct float64) (decimal.Decimal, string) {
	allowed := ratecache.Money(e.Allowed)
	switch {
	case allowed.IsPositive():
		if pct > 0 {
			allowed = ratecache.RoundHalfUp(allowed.Mul(decimal.NewFromFloat(pct)), 2)
		}
		return allowed, codes.TypeFeeSchedule
	case e.Percentage > 0:
		return percentRate(e.Percentage), codes.TypePercentage
	}
	return decimal.Zero, codes.TypeFeeSchedule
}

type scheduleInstance struct {
	key      string
	schedule refdata.FeeSchedule
}

// schedulesFor returns the schedule tables a term prices against: one per
// locality when the term resolved locality keys, else the default table.
func schedulesFor(env *Env, t *term.Bundle) []scheduleInstance {
	set := env.Schedules[t.FeeSchedule]
	if set.Empty() {
		return nil
	}
	if len(t.LocalityKeys) > 0 {
		var out []scheduleInstance
		for _, k := range t.LocalityKeys {
			if fs := set.Localities[k]; fs.Len() > 0 {
				out = append(out, scheduleInstance{key: k.RateKey(t.RateSheetCode), schedule: fs})
			}
		}
		return out
	}
	if set.Default.Len() == 0 {
		return nil
	}
	return []scheduleInstance{{key: t.RateSheetCode + "#" + t.FeeSchedule, schedule: set.Default}}
}

// feeSchedule prices a term from its referenced fee schedule. With no
// combinations every schedule entry is priced; otherwise only the entries
// the combinations select.
func feeSchedule(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
	instances := schedulesFor(env, t)
	if len(instances) == 0 {
		env.Log.Debug().Int("term_id", t.TermID).Str("fee_schedule", t.FeeSchedule).Msg("fee schedule empty or not loaded")
		return nil
	}

	for _, inst := range instances {
		key := keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, inst.key)
		put := func(modifier, code, pos string, e refdata.FeeEntry) {
			if code == "" {
				return
			}
			codeType := e.CodeType
			if codeType == "" {
				codeType = codes.DetermineCodeType(code)
			}
			rate, typ := FeeFor(e, t.BasePctOfCharge)
			rec := ratecache.NewRecord(env.InsurerCode, key, codeType, code, pos, typ, rate, modifier, t.BillingClass)
			if e.TermDate != "" {
				rec.ExpirationDate = e.TermDate
			}
			env.emit(t, cache, keys, identity(t, code, modifier, pos, codeType), rec)
		}

		fs := inst.schedule
		if len(t.Combinations) == 0 {
			pos := classPOS(t.BillingClass)
			for _, mod := range fs.Modifiers() {
				for _, code := range fs.Codes(mod) {
					put(mod, code, pos, fs[mod][code])
				}
			}
			continue
		}

		for _, c := range t.Combinations {
			pos := PromotePOS(c.POS, t.BillingClass)
			switch {
			case c.Code != "":
				if e, ok := fs.Lookup(c.Modifier, c.Code); ok {
					put(c.Modifier, c.Code, pos, e)
				}
			case c.Modifier != "":
				for _, code := range fs.Codes(c.Modifier) {
					put(c.Modifier, code, pos, fs[c.Modifier][code])
				}
			default:
				for _, code := range fs.Codes("") {
					put("", code, pos, fs[""][code])
				}
			}
		}
	}
	return nil
}
