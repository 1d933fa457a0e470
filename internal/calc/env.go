// Package calc turns a resolved term into rate records. Each calculation
// method name maps onto one of a small set of strategy kinds.
package calc

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// ErrUnknownMethod is returned by Router.Run for an unmapped method name.
var ErrUnknownMethod = errors.New("unknown calculation method")

// Env is what a strategy may read besides the term. Tables is shared and
// read-only; Schedules holds the fee schedules loaded so far by the
// owning handler.
type Env struct {
	Tables      *refdata.Tables
	InsurerCode string
	Schedules   map[string]*refdata.ScheduleSet
	Log         zerolog.Logger
}

// NewEnv returns an Env logging through the global logger.
func NewEnv(tables *refdata.Tables, insurerCode string) *Env {
	if tables == nil {
		tables = refdata.NewTables()
	}
	return &Env{
		Tables:      tables,
		InsurerCode: insurerCode,
		Schedules:   make(map[string]*refdata.ScheduleSet),
		Log:         log.Logger,
	}
}

// Strategy computes the records of one term. Its only effect is stores
// into cache and keys.
type Strategy func(env *Env, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error

// PromotePOS applies the default place of service: an empty or office POS
// becomes "21" for institutional billing and "11" otherwise.
func PromotePOS(pos, billingClass string) string {
	if pos != "" && pos != codes.DefaultPOS {
		return pos
	}
	if billingClass == codes.Institutional {
		return codes.InstitutionalPOS
	}
	return codes.DefaultPOS
}

// classPOS is the POS for records not tied to a combination.
func classPOS(billingClass string) string {
	return PromotePOS("", billingClass)
}

// emit stores rec for t and registers its code under the record's key.
// Records without a billing code are dropped.
func (e *Env) emit(t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory, id ratecache.Identity, rec ratecache.Record) bool {
	if id.Code == "" {
		return false
	}
	rec.SourceTermID = t.TermID
	rec.SectionID = t.SectionID
	rec.CalcMethod = t.CalcMethod
	if !cache.Store(id, rec, t.Override) {
		return false
	}
	keys.AddCode(t.RateSheetCode, rec.ContractKey, groupkey.CodeRef{Code: id.Code, Modifier: id.Modifier, POS: id.POS})
	return true
}

// hasWork reports whether a combination-driven strategy has anything to
// price.
func hasWork(t *term.Bundle) bool {
	return len(t.Combinations) > 0 || t.ProviderRanges.Len() > 0
}

func identity(t *term.Bundle, code, modifier, pos, codeType string) ratecache.Identity {
	return ratecache.Identity{RateSheet: t.RateSheetCode, Code: code, Modifier: modifier, POS: pos, CodeType: codeType}
}
