// Package refdata holds the process-wide lookup tables shared read-only by
// every worker: code groups, the modifier map, the billing-code whitelist,
// DRG weights, NDC prices, ambulatory-surgery groupers and locality ZIPs.
package refdata

import (
	"sort"
	"strconv"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// Value is one row of a code group: either a leaf range or a reference to
// a nested group.
type Value struct {
	Seq           int    `json:"seq"`
	CodeType      string `json:"code_type"`
	CodeLow       string `json:"code_low"`
	CodeHigh      string `json:"code_high"`
	NotLogic      bool   `json:"not_logic"`
	NestedGroupID int    `json:"nested_group_id"`
}

// CodeGroup is a named, ordered list of values.
type CodeGroup struct {
	ID     int     `json:"id"`
	Name   string  `json:"name"`
	Values []Value `json:"values"`
}

// CodeGroups indexes code groups by id.
type CodeGroups map[int]*CodeGroup

// Add appends v to group id, creating the group on first use.
func (g CodeGroups) Add(id int, name string, v Value) {
	grp, ok := g[id]
	if !ok {
		grp = &CodeGroup{ID: id, Name: name}
		g[id] = grp
	}
	if grp.Name == "" {
		grp.Name = name
	}
	grp.Values = append(grp.Values, v)
}

// SortValues orders every group's values by sequence number.
func (g CodeGroups) SortValues() {
	for _, grp := range g {
		sort.SliceStable(grp.Values, func(i, j int) bool {
			return grp.Values[i].Seq < grp.Values[j].Seq
		})
	}
}

// ServiceCode is a whitelist entry.
type ServiceCode struct {
	Code     string
	CodeType string
}

// Whitelist is the set of valid (code, billing code type) pairs. A nil
// whitelist accepts everything.
type Whitelist map[ServiceCode]struct{}

// Add records a valid code.
func (w Whitelist) Add(code, codeType string) {
	w[ServiceCode{Code: code, CodeType: codeType}] = struct{}{}
}

// Allows reports whether code is valid for codeType. Only CPT, HCPCS and
// revenue codes are checked; revenue codes are zero-padded to four digits.
func (w Whitelist) Allows(code, codeType string) bool {
	if w == nil {
		return true
	}
	switch codeType {
	case codes.BillingCPT, codes.BillingHCPCS:
	case codes.BillingRC:
		code = codes.PadRevenueCode(code)
	default:
		return true
	}
	_, ok := w[ServiceCode{Code: code, CodeType: codeType}]
	return ok
}

// DRGWeight is one relative weight entry.
type DRGWeight struct {
	Code       string  `json:"drg"`
	Weight     float64 `json:"relative_weight"`
	SourceType string  `json:"source_type"`
	Year       string  `json:"year_applied"`
}

// AmbSurgCode assigns a procedure to an ambulatory-surgery grouper.
type AmbSurgCode struct {
	Code        string `json:"code"`
	SourceType  string `json:"source_type"`
	YearApplied string `json:"year_applied"`
	Group       int    `json:"group"`
}

// LocalityZipRange maps a ZIP range onto a (carrier, locality) pair.
type LocalityZipRange struct {
	Carrier  string `json:"carrier"`
	Locality string `json:"locality"`
	BeginZip string `json:"begin_zip"`
	EndZip   string `json:"end_zip"`
}

// Tables is the immutable set of lookup tables handed to every worker.
type Tables struct {
	CodeGroups    CodeGroups
	ModifierCodes map[string][]string
	ValidCodes    Whitelist
	DRGWeights    []DRGWeight
	NDCPrices     map[string]float64
	AmbSurgCodes  []AmbSurgCode
	LocalityZips  []LocalityZipRange
}

// NewTables returns empty, non-nil tables.
func NewTables() *Tables {
	return &Tables{
		CodeGroups:    CodeGroups{},
		ModifierCodes: map[string][]string{},
		NDCPrices:     map[string]float64{},
	}
}

// FindLocality returns the locality whose ZIP range for carrier contains zip.
func (t *Tables) FindLocality(zip, carrier string) (string, bool) {
	z, err := strconv.Atoi(zip)
	if err != nil {
		return "", false
	}
	for _, r := range t.LocalityZips {
		if r.Carrier != carrier {
			continue
		}
		lo, err1 := strconv.Atoi(r.BeginZip)
		hi, err2 := strconv.Atoi(r.EndZip)
		if err1 != nil || err2 != nil {
			continue
		}
		if lo <= z && z <= hi {
			return r.Locality, true
		}
	}
	return "", false
}

// Localities returns the distinct (carrier, locality) pairs in table order.
func (t *Tables) Localities() [][2]string {
	seen := make(map[[2]string]bool)
	var out [][2]string
	for _, r := range t.LocalityZips {
		k := [2]string{r.Carrier, r.Locality}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}

// SortedNDC returns the NDC codes in ascending order.
func (t *Tables) SortedNDC() []string {
	out := make([]string, 0, len(t.NDCPrices))
	for k := range t.NDCPrices {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
