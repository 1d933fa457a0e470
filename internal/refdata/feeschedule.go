package refdata

import (
	"fmt"
	"sort"
)

// ScheduleTypeLocality marks a fee schedule keyed by carrier and locality.
const ScheduleTypeLocality = "CarrierLocFeeSched"

// FeeEntry is one procedure's allowed amount within a fee schedule.
type FeeEntry struct {
	CodeType   string  `json:"proc_code_type"`
	Allowed    float64 `json:"allowed"`
	Percentage float64 `json:"percentage"`
	TermDate   string  `json:"term_date,omitempty"`
}

// FeeSchedule maps modifier -> procedure code -> entry.
type FeeSchedule map[string]map[string]FeeEntry

// Put stores e under (modifier, code).
func (f FeeSchedule) Put(modifier, code string, e FeeEntry) {
	byCode, ok := f[modifier]
	if !ok {
		byCode = make(map[string]FeeEntry)
		f[modifier] = byCode
	}
	byCode[code] = e
}

// Lookup returns the entry for (modifier, code).
func (f FeeSchedule) Lookup(modifier, code string) (FeeEntry, bool) {
	e, ok := f[modifier][code]
	return e, ok
}

// Modifiers returns the schedule's modifiers in ascending order.
func (f FeeSchedule) Modifiers() []string {
	out := make([]string, 0, len(f))
	for m := range f {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Codes returns the procedure codes under modifier in ascending order.
func (f FeeSchedule) Codes(modifier string) []string {
	byCode := f[modifier]
	out := make([]string, 0, len(byCode))
	for c := range byCode {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of entries across all modifiers.
func (f FeeSchedule) Len() int {
	n := 0
	for _, byCode := range f {
		n += len(byCode)
	}
	return n
}

// LocalityKey identifies a locality-specific instance of a schedule.
type LocalityKey struct {
	Schedule string
	Carrier  string
	Locality string
}

// RateKey is the rate-group key suffix used for records priced from this
// locality schedule.
func (k LocalityKey) RateKey(rateSheet string) string {
	return fmt.Sprintf("%s#%s#%s#%s#locality", rateSheet, k.Schedule, k.Carrier, k.Locality)
}

// ScheduleSet is a loaded fee schedule: either one nationwide table or a
// table per (carrier, locality).
type ScheduleSet struct {
	Name       string
	Default    FeeSchedule
	Localities map[LocalityKey]FeeSchedule
}

// Empty reports whether the set carries no entries at all.
func (s *ScheduleSet) Empty() bool {
	if s == nil {
		return true
	}
	if s.Default.Len() > 0 {
		return false
	}
	for _, f := range s.Localities {
		if f.Len() > 0 {
			return false
		}
	}
	return true
}

// LocalityKeys returns the locality keys in a stable order.
func (s *ScheduleSet) LocalityKeys() []LocalityKey {
	out := make([]LocalityKey, 0, len(s.Localities))
	for k := range s.Localities {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Carrier != out[j].Carrier {
			return out[i].Carrier < out[j].Carrier
		}
		return out[i].Locality < out[j].Locality
	})
	return out
}
