package codegroup

import (
	"sort"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// Combination is one concrete (code, modifier, place of service) a term
// applies to. CodeType is the billing code type.
type Combination struct {
	Code     string
	Modifier string
	POS      string
	CodeType string
}

// Result is the output of Generate.
type Result struct {
	Combinations []Combination
	HasServices  bool
}

// Generator expands trees into combinations.
type Generator struct {
	// ModifierCodes maps a modifier to the procedure codes it may be
	// billed with. Used when a tree names modifiers but no services.
	ModifierCodes map[string][]string
	ZipSpanCap    int
}

type stringSet map[string]struct{}

func (s stringSet) add(vals ...string) {
	for _, v := range vals {
		s[v] = struct{}{}
	}
}

// minus returns the sorted members of s not in other.
func (s stringSet) minus(other stringSet) []string {
	out := make([]string, 0, len(s))
	for v := range s {
		if _, ok := other[v]; !ok {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// accumulator holds the included and excluded sets collected from a tree.
type accumulator struct {
	typeOrder   []string
	services    map[string]stringSet
	exServices  map[string]stringSet
	modifiers   stringSet
	exModifiers stringSet
	pos         stringSet
	exPOS       stringSet
}

func newAccumulator() *accumulator {
	return &accumulator{
		services:    make(map[string]stringSet),
		exServices:  make(map[string]stringSet),
		modifiers:   stringSet{},
		exModifiers: stringSet{},
		pos:         stringSet{},
		exPOS:       stringSet{},
	}
}

func (a *accumulator) service(codeType string, excluded bool, vals []string) {
	if _, ok := a.services[codeType]; !ok {
		a.typeOrder = append(a.typeOrder, codeType)
		a.services[codeType] = stringSet{}
		a.exServices[codeType] = stringSet{}
	}
	if excluded {
		a.exServices[codeType].add(vals...)
	} else {
		a.services[codeType].add(vals...)
	}
}

// Generate walks t and returns its combinations. It fails only when a ZIP
// range exceeds the span cap; in that case nothing is returned.
func (g *Generator) Generate(t *Tree) (Result, error) {
	acc := newAccumulator()
	if t != nil {
		if err := g.collect(t, false, acc); err != nil {
			return Result{}, err
		}
	}

	modifiers := acc.modifiers.minus(acc.exModifiers)
	pos := acc.pos.minus(acc.exPOS)
	if len(modifiers) == 0 {
		modifiers = []string{""}
	}
	if len(pos) == 0 {
		pos = []string{codes.DefaultPOS}
	}

	var res Result
	for _, ct := range acc.typeOrder {
		svcs := acc.services[ct].minus(acc.exServices[ct])
		if len(svcs) == 0 {
			continue
		}
		res.HasServices = true
		billing := codes.NormalizeCodeType(ct)
		for _, svc := range svcs {
			for _, mod := range modifiers {
				for _, p := range pos {
					res.Combinations = append(res.Combinations, Combination{Code: svc, Modifier: mod, POS: p, CodeType: billing})
				}
			}
		}
	}

	if !res.HasServices && len(acc.modifiers.minus(acc.exModifiers)) > 0 {
		for _, mod := range modifiers {
			procs := append([]string(nil), g.ModifierCodes[mod]...)
			sort.Strings(procs)
			for _, proc := range procs {
				for _, p := range pos {
					res.Combinations = append(res.Combinations, Combination{Code: proc, Modifier: mod, POS: p, CodeType: codes.BillingCPT})
				}
			}
		}
		res.HasServices = len(res.Combinations) > 0
	}

	if len(res.Combinations) == 0 {
		for _, p := range pos {
			res.Combinations = append(res.Combinations, Combination{POS: p})
		}
	}
	return res, nil
}

func (g *Generator) collect(t *Tree, negate bool, acc *accumulator) error {
	for _, c := range t.Children {
		if c.Nested != nil {
			if err := g.collect(c.Nested, negate != c.NotLogic, acc); err != nil {
				return err
			}
			continue
		}
		l := c.Leaf
		if l == nil || l.CodeType == "" || l.Low == "" {
			continue
		}
		excluded := negate != c.NotLogic
		switch {
		case l.CodeType == codes.CodeTypeCPTMod:
			vals, err := ExpandRange(l.CodeType, l.Low, l.High, g.ZipSpanCap)
			if err != nil {
				return err
			}
			if excluded {
				acc.exModifiers.add(vals...)
			} else {
				acc.modifiers.add(vals...)
			}
		case l.CodeType == codes.CodeTypePlaceOfService:
			vals, err := ExpandRange(l.CodeType, l.Low, l.High, g.ZipSpanCap)
			if err != nil {
				return err
			}
			vals = padPOS(vals)
			if excluded {
				acc.exPOS.add(vals...)
			} else {
				acc.pos.add(vals...)
			}
		case isServiceType(l.CodeType):
			vals, err := ExpandRange(l.CodeType, l.Low, l.High, g.ZipSpanCap)
			if err != nil {
				return err
			}
			acc.service(l.CodeType, excluded, vals)
		case l.CodeType == codes.CodeTypeProviderZip:
			// ZIP leaves are provider qualifiers, but an oversize span must
			// still fail the whole generation.
			if _, err := ExpandRange(l.CodeType, l.Low, l.High, g.ZipSpanCap); err != nil {
				return err
			}
		}
	}
	return nil
}

// padPOS restores the two-digit form of numerically expanded POS codes.
func padPOS(vals []string) []string {
	for i, v := range vals {
		if len(v) == 1 && isDigits(v) {
			vals[i] = "0" + v
		}
	}
	return vals
}

func isServiceType(ct string) bool {
	for _, s := range codes.ServiceTypes {
		if s == ct {
			return true
		}
	}
	return false
}
