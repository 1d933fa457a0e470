package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetermineCodeType(t *testing.T) {
	cases := map[string]string{
		"99213": BillingCPT,
		"J1100": BillingHCPCS,
		"0450":  BillingRC,
		"450":   BillingRC,
	}
	for code, want := range cases {
		assert.Equal(t, want, DetermineCodeType(code), code)
	}
}

func TestNormalizeCodeType(t *testing.T) {
	assert.Equal(t, BillingCPT, NormalizeCodeType(CodeTypeCPT4))
	assert.Equal(t, BillingRC, NormalizeCodeType(CodeTypeRevenue))
	assert.Equal(t, BillingDRG, NormalizeCodeType(CodeTypeMSDRG))
	assert.Equal(t, "ICD10", NormalizeCodeType("CodeTypeICD10"))
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "taxonomycode", ShortKey(CodeTypeProviderTaxonomyCode))
	assert.Equal(t, "zip", ShortKey(CodeTypeProviderZip))
	assert.Equal(t, "codetypeserviceprovidertaxid", ShortKey(CodeTypeServiceProviderTaxID))
}

func TestPadRevenueCode(t *testing.T) {
	assert.Equal(t, "0450", PadRevenueCode("450"))
	assert.Equal(t, "0001", PadRevenueCode("1"))
	assert.Equal(t, "0450", PadRevenueCode("0450"))
}

func TestSectionBillingClass(t *testing.T) {
	assert.Equal(t, Institutional, SectionInpatientServices.BillingClass())
	assert.Equal(t, Professional, SectionOutpatientServices.BillingClass())
	assert.Equal(t, Professional, SectionPreprocessing.BillingClass())
	assert.True(t, SectionInpatientExclusions.Exclusion())
	assert.False(t, Section(13).Valid())
}

func TestGrouperColumn(t *testing.T) {
	col, ok := GrouperColumn(5)
	assert.True(t, ok)
	assert.Equal(t, "PERDIEM", col)
	_, ok = GrouperColumn(10)
	assert.False(t, ok)
}
