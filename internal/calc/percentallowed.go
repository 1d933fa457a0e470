package calc

import (
	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// percentOfAllowed rescales rates already stored for the rate sheet by the
// term's percent of charge (1.0 when unset). The stored rate is used as
// written, so a base priced as a percentage is rescaled as a percentage.
//
// Terms without provider qualifiers look up each combination directly,
// first under its own modifier and then under no modifier. Qualified terms
// select bases through the cache indexes, or take every base of the sheet
// when the term names no services.
func percentOfAllowed(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
	factor := t.BasePctOfCharge
	if factor == 0 {
		factor = 1.0
	}

	derive := func(modifier *string) ratecache.Derivation {
		return func(base ratecache.Identity, rec ratecache.Record, rate decimal.Decimal) (ratecache.Identity, ratecache.Record) {
			id := base
			if modifier != nil {
				id.Modifier = *modifier
				rec.Modifier = *modifier
			}
			rec.ContractKey = keys.ForTerm(t.RateSheetCode, t.TermID, t.ProviderRanges, rec.ContractKey)
			rec.Rate = ratecache.FormatRate(rate)
			rec.NegotiatedType = codes.TypeNegotiated
			rec.InsurerCode = env.InsurerCode
			rec.SourceTermID = t.TermID
			rec.SectionID = t.SectionID
			rec.CalcMethod = t.CalcMethod
			return id, rec
		}
	}

	var written []ratecache.Identity
	switch {
	case t.ProviderRanges.Len() == 0:
		for _, c := range t.Combinations {
			if c.Code == "" {
				continue
			}
			pos := PromotePOS(c.POS, t.BillingClass)
			exact := identity(t, c.Code, c.Modifier, pos, c.CodeType)
			bare := identity(t, c.Code, "", pos, c.CodeType)
			base, ok := exact, false
			if _, ok = cache.Get(exact); !ok {
				base = bare
				_, ok = cache.Get(bare)
			}
			if !ok {
				continue
			}
			mod := c.Modifier
			written = append(written, cache.ChainFrom([]ratecache.Identity{base}, factor, t.TermID, t.Override, derive(&mod))...)
		}
	case t.HasServices:
		var filters []ratecache.Filter
		for _, c := range t.Combinations {
			if c.Code == "" {
				continue
			}
			filters = append(filters, ratecache.Filter{Code: c.Code, Modifier: c.Modifier, POS: PromotePOS(c.POS, t.BillingClass)})
		}
		written = cache.Chain(t.RateSheetCode, filters, factor, t.TermID, t.Override, derive(nil))
	default:
		written = cache.ChainFrom(cache.Identities(t.RateSheetCode), factor, t.TermID, t.Override, derive(nil))
	}

	for _, id := range written {
		if rec, ok := cache.Get(id); ok {
			keys.AddCode(t.RateSheetCode, rec.ContractKey, groupkey.CodeRef{Code: id.Code, Modifier: id.Modifier, POS: id.POS})
		}
	}
	return nil
}
