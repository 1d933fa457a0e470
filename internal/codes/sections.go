package codes

// Section is a rate-sheet display section number.
type Section int

const (
	SectionPreprocessing        Section = 1
	SectionInpatientExclusions  Section = 2
	SectionInpatientCaseRate    Section = 3
	SectionInpatientPerDiem     Section = 4
	SectionInpatientServices    Section = 5
	SectionInpatientStopLoss    Section = 6
	SectionOutpatientExclusions Section = 7
	SectionOutpatientCaseRate   Section = 8
	SectionOutpatientPerDiem    Section = 9
	SectionOutpatientServices   Section = 10
	SectionOutpatientStopLoss   Section = 11
	SectionPostProcessing       Section = 12
)

var sectionNames = map[Section]string{
	SectionPreprocessing:        "preprocessing",
	SectionInpatientExclusions:  "inpatient exclusions",
	SectionInpatientCaseRate:    "inpatient case rate",
	SectionInpatientPerDiem:     "inpatient per diem",
	SectionInpatientServices:    "inpatient services",
	SectionInpatientStopLoss:    "inpatient stop loss",
	SectionOutpatientExclusions: "outpatient exclusions",
	SectionOutpatientCaseRate:   "outpatient case rate",
	SectionOutpatientPerDiem:    "outpatient per diem",
	SectionOutpatientServices:   "outpatient services",
	SectionOutpatientStopLoss:   "outpatient stop loss",
	SectionPostProcessing:       "post processing",
}

// ProcessingOrder is the order in which sections of a rate sheet are run.
// Exclusions follow the services they override.
var ProcessingOrder = []Section{
	SectionInpatientCaseRate,
	SectionInpatientPerDiem,
	SectionInpatientServices,
	SectionInpatientExclusions,
	SectionOutpatientServices,
	SectionOutpatientCaseRate,
	SectionOutpatientPerDiem,
	SectionOutpatientExclusions,
}

// Name returns the section's display name, or "" if unknown.
func (s Section) Name() string {
	return sectionNames[s]
}

// Valid reports whether s is a known section number.
func (s Section) Valid() bool {
	_, ok := sectionNames[s]
	return ok
}

// Inpatient reports whether s is one of the inpatient sections.
func (s Section) Inpatient() bool {
	return s >= SectionInpatientExclusions && s <= SectionInpatientStopLoss
}

// Exclusion reports whether terms in s override earlier records.
func (s Section) Exclusion() bool {
	return s == SectionInpatientExclusions || s == SectionOutpatientExclusions
}

// BillingClass returns the billing class for records produced in s.
func (s Section) BillingClass() string {
	if s.Inpatient() {
		return Institutional
	}
	return Professional
}

// GrouperColumn maps an ambulatory-surgery grouper number onto the term
// column holding that grouper's rate.
func GrouperColumn(group int) (string, bool) {
	col, ok := grouperColumns[group]
	return col, ok
}

var grouperColumns = map[int]string{
	1: "BASERATE",
	2: "BASERATE1",
	3: "BASERATE2",
	4: "BASEPERCENTOFCHGS",
	5: "PERDIEM",
	6: "SECONDARYPERCENTOFCHGS",
	7: "OTHERPERCENTOFCHGS",
	8: "OTHERPERCENTOFCHGS1",
	9: "OUTLIER",
}
