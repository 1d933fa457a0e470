package codegroup

import (
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// ProviderRanges holds provider-level qualifier values by code type,
// keeping types and values in the order they were first seen.
type ProviderRanges struct {
	types  []string
	values map[string]*valueSet
}

type valueSet struct {
	order    []string
	notLogic map[string]bool
}

// ProviderRange is one qualifier type with its values split by logic.
type ProviderRange struct {
	Type     string
	Included []string
	Excluded []string
}

// Add records value under codeType. A repeated value takes the latest
// not-logic flag.
func (p *ProviderRanges) Add(codeType, value string, notLogic bool) {
	if p.values == nil {
		p.values = make(map[string]*valueSet)
	}
	vs, ok := p.values[codeType]
	if !ok {
		vs = &valueSet{notLogic: make(map[string]bool)}
		p.values[codeType] = vs
		p.types = append(p.types, codeType)
	}
	if _, seen := vs.notLogic[value]; !seen {
		vs.order = append(vs.order, value)
	}
	vs.notLogic[value] = notLogic
}

// Len returns the number of qualifier types.
func (p ProviderRanges) Len() int {
	return len(p.types)
}

// Types returns the qualifier types in first-seen order.
func (p ProviderRanges) Types() []string {
	return append([]string(nil), p.types...)
}

// Range returns the values recorded for codeType.
func (p ProviderRanges) Range(codeType string) (ProviderRange, bool) {
	vs, ok := p.values[codeType]
	if !ok {
		return ProviderRange{}, false
	}
	r := ProviderRange{Type: codeType}
	for _, v := range vs.order {
		if vs.notLogic[v] {
			r.Excluded = append(r.Excluded, v)
		} else {
			r.Included = append(r.Included, v)
		}
	}
	return r, true
}

// First returns the first qualifier type that carries values.
func (p ProviderRanges) First() (ProviderRange, bool) {
	for _, ct := range p.types {
		if r, ok := p.Range(ct); ok && (len(r.Included) > 0 || len(r.Excluded) > 0) {
			return r, true
		}
	}
	return ProviderRange{}, false
}

// ExtractProviderRanges walks every leaf of t, including nested groups, and
// collects provider-qualifier values. A negated nested group flips the
// logic of everything under it. ZIP ranges are expanded under zipCap.
func ExtractProviderRanges(t *Tree, zipCap int) (ProviderRanges, error) {
	var out ProviderRanges
	if t == nil {
		return out, nil
	}
	err := walkProvider(t, false, zipCap, &out)
	return out, err
}

func walkProvider(t *Tree, negate bool, zipCap int, out *ProviderRanges) error {
	for _, c := range t.Children {
		if c.Nested != nil {
			if err := walkProvider(c.Nested, negate != c.NotLogic, zipCap, out); err != nil {
				return err
			}
			continue
		}
		l := c.Leaf
		if l == nil || l.Low == "" || !codes.IsProviderQualifier(l.CodeType) {
			continue
		}
		notLogic := negate != c.NotLogic
		values := []string{l.Low}
		if l.CodeType == codes.CodeTypeProviderZip && l.High != "" && l.High != l.Low {
			zips, err := ExpandRange(l.CodeType, l.Low, l.High, zipCap)
			if err != nil {
				return err
			}
			values = zips
		}
		for _, v := range values {
			out.Add(l.CodeType, v, notLogic)
		}
	}
	return nil
}
