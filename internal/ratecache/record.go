// Package ratecache holds the rate records computed for one rate sheet
// until they are flushed to a sink.
package ratecache

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// Identity is the dedup key of a record. TermID is set only on records
// derived from a previously stored rate, so two chaining terms over the
// same base never collide.
type Identity struct {
	RateSheet string
	Code      string
	Modifier  string
	POS       string
	CodeType  string
	TermID    int
}

// Base returns the identity without a chaining term.
func (id Identity) Base() Identity {
	id.TermID = 0
	return id
}

// Record is one negotiated rate. The first fourteen fields are written in
// declaration order; the rest is provenance.
type Record struct {
	UpdateType       string `json:"update_type" parquet:"update_type"`
	InsurerCode      string `json:"insurer_code" parquet:"insurer_code"`
	ContractKey      string `json:"prov_grp_contract_key" parquet:"prov_grp_contract_key"`
	Arrangement      string `json:"negotiation_arrangement" parquet:"negotiation_arrangement"`
	CodeType         string `json:"billing_code_type" parquet:"billing_code_type"`
	CodeVersion      string `json:"billing_code_type_ver" parquet:"billing_code_type_ver"`
	Code             string `json:"billing_code" parquet:"billing_code"`
	CoveredBundleKey string `json:"covered_bundle_key" parquet:"covered_bundle_key"`
	POS              string `json:"pos_collection_key" parquet:"pos_collection_key"`
	NegotiatedType   string `json:"negotiated_type" parquet:"negotiated_type"`
	Rate             string `json:"rate" parquet:"rate"`
	Modifier         string `json:"modifier" parquet:"modifier"`
	BillingClass     string `json:"billing_class" parquet:"billing_class"`
	ExpirationDate   string `json:"expiration_date" parquet:"expiration_date"`

	SourceTermID int    `json:"source_term_id" parquet:"source_term_id"`
	SectionID    string `json:"section_id" parquet:"section_id"`
	CalcMethod   string `json:"calc_method" parquet:"calc_method"`
	Chained      bool   `json:"chained" parquet:"chained"`
}

// NewRecord fills the fixed fields of a record.
func NewRecord(insurer, contractKey, codeType, code, pos, negotiatedType string, rate decimal.Decimal, modifier, billingClass string) Record {
	return Record{
		UpdateType:     codes.UpdateType,
		InsurerCode:    insurer,
		ContractKey:    contractKey,
		Arrangement:    codes.Arrangement,
		CodeType:       codeType,
		CodeVersion:    codes.CodeVersion,
		Code:           code,
		POS:            pos,
		NegotiatedType: negotiatedType,
		Rate:           FormatRate(rate),
		Modifier:       modifier,
		BillingClass:   billingClass,
		ExpirationDate: codes.DefaultExpiration,
	}
}

// Fields returns the written columns in order.
func (r Record) Fields() []string {
	return []string{
		r.UpdateType,
		r.InsurerCode,
		r.ContractKey,
		r.Arrangement,
		r.CodeType,
		r.CodeVersion,
		r.Code,
		r.CoveredBundleKey,
		r.POS,
		r.NegotiatedType,
		r.Rate,
		r.Modifier,
		r.BillingClass,
		r.ExpirationDate,
	}
}

// RateValue parses the stored rate. Unparseable rates read as zero.
func (r Record) RateValue() decimal.Decimal {
	d, err := decimal.NewFromString(r.Rate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// RoundHalfUp rounds v to places decimals, halves away from zero.
func RoundHalfUp(v decimal.Decimal, places int32) decimal.Decimal {
	return v.Round(places)
}

// Money converts f to a decimal rounded half-up to cents.
func Money(f float64) decimal.Decimal {
	return RoundHalfUp(decimal.NewFromFloat(f), 2)
}

// FormatRate renders a rate the way downstream files expect: whole
// amounts keep one decimal ("80.0"), others use the shortest form
// ("123.45", "12.5").
func FormatRate(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.StringFixed(1)
	}
	f, _ := d.Float64()
	return strconv.FormatFloat(f, 'f', -1, 64)
}
