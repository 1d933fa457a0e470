// Package groupkey derives the contract keys that tie rate records to the
// providers eligible for them.
package groupkey

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codegroup"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// CodeRef is a (code, modifier, place of service) priced under a key.
type CodeRef struct {
	Code     string
	Modifier string
	POS      string
}

// Filter is the provider-eligibility block of a qualified key.
type Filter struct {
	GroupKey string
	Type     string
	Included []string
	Excluded []string
}

// Block renders the filter as consumed by provider matching:
// {"group_key": k, "<short>": included, "not_<short>": excluded}.
func (f Filter) Block() map[string]any {
	b := map[string]any{"group_key": f.GroupKey}
	short := codes.ShortKey(f.Type)
	if len(f.Included) > 0 {
		b[short] = f.Included
	}
	if len(f.Excluded) > 0 {
		b["not_"+short] = f.Excluded
	}
	return b
}

// Key is one rate group key. Standard and remainder keys have no
// qualifiers.
type Key struct {
	Key        string
	Codes      map[CodeRef]struct{}
	Qualifiers *Filter
}

// SortedCodes returns the key's codes ordered by code, modifier, POS.
func (k *Key) SortedCodes() []CodeRef {
	out := make([]CodeRef, 0, len(k.Codes))
	for c := range k.Codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Modifier != b.Modifier {
			return a.Modifier < b.Modifier
		}
		return a.POS < b.POS
	})
	return out
}

// Factory holds the keys of every rate sheet a worker processed. It is not
// safe for concurrent use; factories are merged after workers finish.
type Factory struct {
	store   map[string]map[string]*Key
	counter int
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{store: make(map[string]map[string]*Key)}
}

func (f *Factory) sheet(rateSheet string) map[string]*Key {
	s, ok := f.store[rateSheet]
	if !ok {
		s = make(map[string]*Key)
		f.store[rateSheet] = s
	}
	return s
}

// Ensure registers key under rateSheet without qualifiers if it is not
// already present.
func (f *Factory) Ensure(rateSheet, key string) *Key {
	s := f.sheet(rateSheet)
	k, ok := s[key]
	if !ok {
		k = &Key{Key: key, Codes: make(map[CodeRef]struct{})}
		s[key] = k
	}
	return k
}

// Discard drops every key of rateSheet.
func (f *Factory) Discard(rateSheet string) {
	delete(f.store, rateSheet)
}

// Standard returns the rate sheet's standard key, which is the rate-sheet
// code itself.
func (f *Factory) Standard(rateSheet string) string {
	f.Ensure(rateSheet, rateSheet)
	return rateSheet
}

// ForTerm returns the key records of a term should carry. base is the key
// the term would use without provider qualifiers and is always registered.
// When ranges is non-empty only its first qualifier type is honoured and
// the key is "{sheet}#{term}#{type}".
func (f *Factory) ForTerm(rateSheet string, termID int, ranges codegroup.ProviderRanges, base string) string {
	if base == "" {
		base = rateSheet
	}
	f.Ensure(rateSheet, base)

	first, ok := ranges.First()
	if !ok {
		return base
	}
	key := fmt.Sprintf("%s#%d#%s", rateSheet, termID, first.Type)
	s := f.sheet(rateSheet)
	if _, exists := s[key]; !exists {
		s[key] = &Key{
			Key:   key,
			Codes: make(map[CodeRef]struct{}),
			Qualifiers: &Filter{
				GroupKey: key,
				Type:     first.Type,
				Included: first.Included,
				Excluded: first.Excluded,
			},
		}
	}
	return key
}

// Remainder registers a key holding codes not covered by any qualified
// key: "{base}#R{n}". An empty base means the sheet's standard key.
func (f *Factory) Remainder(rateSheet, base string, refs []CodeRef) string {
	if base == "" {
		base = rateSheet
	}
	f.counter++
	key := fmt.Sprintf("%s#R%d", base, f.counter)
	k := f.Ensure(rateSheet, key)
	for _, r := range refs {
		k.Codes[r] = struct{}{}
	}
	return key
}

// AddCode records that ref is priced under key.
func (f *Factory) AddCode(rateSheet, key string, ref CodeRef) {
	f.Ensure(rateSheet, key).Codes[ref] = struct{}{}
}

// Get returns a key of rateSheet.
func (f *Factory) Get(rateSheet, key string) (*Key, bool) {
	k, ok := f.store[rateSheet][key]
	return k, ok
}

// Sheets returns the rate sheets with keys, sorted.
func (f *Factory) Sheets() []string {
	out := make([]string, 0, len(f.store))
	for s := range f.store {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Keys returns the keys of rateSheet, sorted.
func (f *Factory) Keys(rateSheet string) []string {
	out := make([]string, 0, len(f.store[rateSheet]))
	for k := range f.store[rateSheet] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the total number of keys.
func (f *Factory) Len() int {
	n := 0
	for _, s := range f.store {
		n += len(s)
	}
	return n
}

// Filters returns every qualified key's filter, ordered by sheet and key.
func (f *Factory) Filters() []Filter {
	var out []Filter
	for _, sheet := range f.Sheets() {
		for _, key := range f.Keys(sheet) {
			if q := f.store[sheet][key].Qualifiers; q != nil {
				out = append(out, *q)
			}
		}
	}
	return out
}

// Merge folds other into f. Keys are unioned; codes of a key present in
// both are unioned while its existing qualifiers are kept as they are.
func (f *Factory) Merge(other *Factory) {
	if other == nil {
		return
	}
	for sheet, keys := range other.store {
		s := f.sheet(sheet)
		for name, in := range keys {
			cur, ok := s[name]
			if !ok {
				cp := &Key{Key: in.Key, Codes: make(map[CodeRef]struct{}, len(in.Codes)), Qualifiers: in.Qualifiers}
				for c := range in.Codes {
					cp.Codes[c] = struct{}{}
				}
				s[name] = cp
				continue
			}
			for c := range in.Codes {
				cur.Codes[c] = struct{}{}
			}
		}
	}
	if other.counter > f.counter {
		f.counter = other.counter
	}
}

// Merged folds factories into a new one.
func Merged(factories ...*Factory) *Factory {
	out := NewFactory()
	for _, f := range factories {
		out.Merge(f)
	}
	return out
}

type keyJSON struct {
	Key        string         `json:"key"`
	Codes      [][3]string    `json:"codes"`
	Qualifiers map[string]any `json:"qualifiers"`
}

// MarshalJSON renders {sheet: {key: {key, codes, qualifiers}}}.
func (f *Factory) MarshalJSON() ([]byte, error) {
	out := make(map[string]map[string]keyJSON, len(f.store))
	for sheet, keys := range f.store {
		m := make(map[string]keyJSON, len(keys))
		for name, k := range keys {
			kj := keyJSON{Key: k.Key, Codes: [][3]string{}}
			for _, c := range k.SortedCodes() {
				kj.Codes = append(kj.Codes, [3]string{c.Code, c.Modifier, c.POS})
			}
			if k.Qualifiers != nil {
				kj.Qualifiers = k.Qualifiers.Block()
			}
			m[name] = kj
		}
		out[sheet] = m
	}
	return json.Marshal(out)
}
