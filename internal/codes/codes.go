package codes

import "strings"

// Code-group value types as they appear in the CODETYPEBEAN column.
const (
	CodeTypeCPT4           = "CodeTypeCPT4"
	CodeTypeHCPCS          = "CodeTypeHCPCS"
	CodeTypeRevenue        = "CodeTypeRevenue"
	CodeTypeDRG            = "CodeTypeDRG"
	CodeTypeMSDRG          = "CodeTypeMSDRG"
	CodeTypeNDC            = "CodeTypeNDC"
	CodeTypeCPTMod         = "CodeTypeCPTMod"
	CodeTypePlaceOfService = "CodeTypePlaceOfService"

	CodeTypeProviderTaxonomyCode = "CodeTypeProviderTaxonomyCode"
	CodeTypeProviderNPI          = "CodeTypeProviderNPI"
	CodeTypeServiceProviderTaxID = "CodeTypeServiceProviderTaxID"
	CodeTypeProviderID           = "CodeTypeProviderID"
	CodeTypeProviderType         = "CodeTypeProviderType"
	CodeTypeProviderZip          = "CodeTypeProviderZip"
)

// Billing code types written to rate records.
const (
	BillingCPT   = "CPT"
	BillingHCPCS = "HCPCS"
	BillingRC    = "RC"
	BillingDRG   = "DRG"
	BillingNDC   = "NDC"
)

// Fixed record values.
const (
	DefaultPOS        = "11"
	InstitutionalPOS  = "21"
	DefaultExpiration = "99991231"
	Arrangement       = "ffs"
	CodeVersion       = "10"
	UpdateType        = "A"
	NumericHighClamp  = 99999

	Institutional = "institutional"
	Professional  = "professional"
)

// Negotiated types.
const (
	TypeFeeSchedule = "fee schedule"
	TypePercentage  = "percentage"
	TypeNegotiated  = "negotiated"
	TypePerDiem     = "per diem"
)

// ProviderQualifierTypes lists the code types that describe the provider
// rather than the service, in their canonical order.
var ProviderQualifierTypes = []string{
	CodeTypeProviderTaxonomyCode,
	CodeTypeProviderNPI,
	CodeTypeServiceProviderTaxID,
	CodeTypeProviderID,
	CodeTypeProviderType,
	CodeTypeProviderZip,
}

// ServiceTypes lists the code types that carry billable service codes.
var ServiceTypes = []string{
	CodeTypeCPT4,
	CodeTypeHCPCS,
	CodeTypeRevenue,
	CodeTypeDRG,
	CodeTypeMSDRG,
	CodeTypeNDC,
}

// billingTypes maps source code types onto billing code types.
var billingTypes = []struct {
	Bean    string
	Billing string
}{
	{CodeTypeCPT4, BillingCPT},
	{CodeTypeHCPCS, BillingHCPCS},
	{CodeTypeRevenue, BillingRC},
	{CodeTypeDRG, BillingDRG},
	{CodeTypeMSDRG, BillingDRG},
	{CodeTypeNDC, BillingNDC},
}

// IsProviderQualifier reports whether ct is a provider-level code type.
func IsProviderQualifier(ct string) bool {
	for _, q := range ProviderQualifierTypes {
		if q == ct {
			return true
		}
	}
	return false
}

// ShortKey is the filter-block field name for a provider qualifier type,
// e.g. "CodeTypeProviderTaxonomyCode" -> "taxonomycode".
func ShortKey(ct string) string {
	return strings.ToLower(strings.ReplaceAll(ct, "CodeTypeProvider", ""))
}

// NormalizeCodeType converts a source code type into the billing code type
// written on rate records. Unknown types lose their "CodeType" prefix.
func NormalizeCodeType(ct string) string {
	for _, bt := range billingTypes {
		if bt.Bean == ct {
			return bt.Billing
		}
	}
	return strings.ToUpper(strings.TrimPrefix(ct, "CodeType"))
}

// DetermineCodeType infers the billing code type from the shape of a code.
func DetermineCodeType(code string) string {
	if len(code) != 5 {
		return BillingRC
	}
	c := code[0]
	if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
		return BillingHCPCS
	}
	return BillingCPT
}

// PadRevenueCode zero-pads revenue codes to four digits.
func PadRevenueCode(code string) string {
	if len(code) >= 4 {
		return code
	}
	return strings.Repeat("0", 4-len(code)) + code
}
