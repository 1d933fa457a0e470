// Package handler resolves and calculates the terms of one rate sheet.
package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/calc"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codegroup"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/ratecache"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/term"
)

// PricerMethod is the calculation method whose terms expand into the
// configured pricer sheet when they name no sub-sheet of their own.
const PricerMethod = "CalcOptumPhysicianPricer"

// Handler runs terms through tree building, combination generation and
// calculation. A Handler belongs to one batch and is not safe for
// concurrent use.
type Handler struct {
	Env       *calc.Env
	Router    *calc.Router
	Builder   *codegroup.Builder
	Generator *codegroup.Generator
	Source    source.Source

	// PricerSheetID, when non-zero, is the sheet expanded for pricer terms.
	PricerSheetID int

	subSheets map[int][]term.Row
	loaded    map[string]bool // schedule names looked up, found or not
}

// New returns a Handler over shared tables. zipCap bounds ZIP range
// expansion.
func New(tables *refdata.Tables, insurerCode string, src source.Source, zipCap int) *Handler {
	env := calc.NewEnv(tables, insurerCode)
	return &Handler{
		Env:       env,
		Router:    calc.NewRouter(),
		Builder:   codegroup.NewBuilder(env.Tables.CodeGroups),
		Generator: &codegroup.Generator{ModifierCodes: env.Tables.ModifierCodes, ZipSpanCap: zipCap},
		Source:    src,
		subSheets: make(map[int][]term.Row),
		loaded:    make(map[string]bool),
	}
}

// HandleTerm resolves t and runs its calculation. Terms that are not
// runnable and terms with an unknown method are skipped.
func (h *Handler) HandleTerm(ctx context.Context, t *term.Bundle, cache *ratecache.Cache, keys *groupkey.Factory) error {
	logger := h.Env.Log.With().Str("rate_sheet", t.RateSheetCode).Int("term_id", t.TermID).Logger()
	if !t.Runnable() {
		logger.Debug().Str("reason", t.SkipReason()).Msg("skipping term")
		return nil
	}
	if _, ok := h.Router.Dispatch(t.CalcMethod); !ok {
		logger.Warn().Str("calc_method", t.CalcMethod).Msg("unknown calculation method, skipping term")
		return nil
	}

	if err := h.resolve(t); err != nil {
		return fmt.Errorf("term %d: %w", t.TermID, err)
	}
	if t.FeeSchedule != "" {
		if err := h.loadSchedule(ctx, t); err != nil {
			return fmt.Errorf("term %d: %w", t.TermID, err)
		}
	}

	if err := h.Router.Run(h.Env, t, cache, keys); err != nil {
		return fmt.Errorf("term %d (%s): %w", t.TermID, t.CalcMethod, err)
	}
	return nil
}

// resolve builds t's code-group tree, its provider ranges and, when the
// term references codes, its combinations.
func (h *Handler) resolve(t *term.Bundle) error {
	var err error
	switch {
	case t.CodeGroupID != 0:
		t.Tree, err = h.Builder.Build(t.CodeGroupID, 0)
		if err != nil {
			return err
		}
	case t.CodeLow != "":
		t.Tree = h.Builder.BuildAdHoc(t.CodeLow, t.CodeHigh, t.CodeType)
	default:
		t.Tree = &codegroup.Tree{}
	}

	if t.ProviderRanges, err = codegroup.ExtractProviderRanges(t.Tree, h.Generator.ZipSpanCap); err != nil {
		return err
	}
	if t.HasCodeReference() {
		res, err := h.Generator.Generate(t.Tree)
		if err != nil {
			return err
		}
		t.Combinations = res.Combinations
		t.HasServices = res.HasServices
	}
	t.Resolved = true
	return nil
}

// loadSchedule loads t's fee schedule the first time any sheet of this
// handler names it; misses are remembered too. For locality schedules it
// picks the localities the term prices against.
func (h *Handler) loadSchedule(ctx context.Context, t *term.Bundle) error {
	name := t.FeeSchedule
	if !h.loaded[name] {
		h.loaded[name] = true
		set, err := h.Source.FeeSchedule(ctx, name, h.Env.Tables.Localities())
		switch {
		case errors.Is(err, source.ErrNotFound):
			h.Env.Log.Warn().Str("fee_schedule", name).Msg("fee schedule not found")
		case err != nil:
			return fmt.Errorf("loading fee schedule %s: %w", name, err)
		default:
			h.Env.Schedules[name] = set
		}
	}

	set := h.Env.Schedules[name]
	if set == nil || len(set.Localities) == 0 {
		return nil
	}
	t.LocalityKeys = h.localityKeys(set, t)
	return nil
}

// localityKeys maps the term's provider ZIPs onto schedule localities. A
// term without ZIP qualifiers prices against every locality.
func (h *Handler) localityKeys(set *refdata.ScheduleSet, t *term.Bundle) []refdata.LocalityKey {
	zips, ok := t.ProviderRanges.Range(codes.CodeTypeProviderZip)
	if !ok || len(zips.Included) == 0 {
		return set.LocalityKeys()
	}

	carriers := make(map[string]bool)
	var order []string
	for _, cl := range h.Env.Tables.Localities() {
		if !carriers[cl[0]] {
			carriers[cl[0]] = true
			order = append(order, cl[0])
		}
	}

	seen := make(map[refdata.LocalityKey]bool)
	var out []refdata.LocalityKey
	for _, zip := range zips.Included {
		for _, carrier := range order {
			loc, ok := h.Env.Tables.FindLocality(zip, carrier)
			if !ok {
				continue
			}
			k := refdata.LocalityKey{Schedule: set.Name, Carrier: carrier, Locality: loc}
			if _, has := set.Localities[k]; !has || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// HandleRateSheet runs every term of one rate sheet, section by section in
// processing order. Terms that expand into a sub-sheet are replaced by the
// sub-sheet's terms, which run under the parent's section.
func (h *Handler) HandleRateSheet(ctx context.Context, rateSheetCode string, rows []term.Row, cache *ratecache.Cache, keys *groupkey.Factory) error {
	bySection := make(map[codes.Section][]*term.Bundle)
	for _, row := range rows {
		parent := term.New(row, rateSheetCode, 0)
		if !parent.DisplaySection.Valid() {
			continue
		}
		subs, err := h.expand(ctx, parent)
		if err != nil {
			return err
		}
		if subs == nil {
			bySection[parent.Section] = append(bySection[parent.Section], parent)
			continue
		}
		for _, sub := range subs {
			bySection[parent.Section] = append(bySection[parent.Section], term.New(sub, rateSheetCode, parent.Section))
		}
	}

	for _, sec := range codes.ProcessingOrder {
		for _, t := range bySection[sec] {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := h.HandleTerm(ctx, t, cache, keys); err != nil {
				return fmt.Errorf("%s %s: %w", rateSheetCode, sec.Name(), err)
			}
		}
	}
	return nil
}

// expand returns the sub-sheet rows that replace parent, or nil when the
// term runs as itself. Sub-sheets are fetched once per handler.
func (h *Handler) expand(ctx context.Context, parent *term.Bundle) ([]term.Row, error) {
	id := 0
	switch {
	case parent.HasSubSheet():
		id = parent.SubRateSheetID
	case parent.CalcMethod == PricerMethod && h.PricerSheetID != 0:
		id = h.PricerSheetID
	default:
		return nil, nil
	}
	if rows, ok := h.subSheets[id]; ok {
		return rows, nil
	}
	rows, err := h.Source.SubSheetTerms(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading sub-sheet %d: %w", id, err)
	}
	if rows == nil {
		rows = []term.Row{}
	}
	h.subSheets[id] = rows
	return rows, nil
}
