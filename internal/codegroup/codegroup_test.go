package codegroup

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
)

func leaf(ct, low, high string, not bool) refdata.Value {
	return refdata.Value{CodeType: ct, CodeLow: low, CodeHigh: high, NotLogic: not}
}

func nested(id int, not bool) refdata.Value {
	return refdata.Value{NestedGroupID: id, NotLogic: not}
}

func groups(defs map[int][]refdata.Value) refdata.CodeGroups {
	g := refdata.CodeGroups{}
	for id, vals := range defs {
		for i, v := range vals {
			v.Seq = i + 1
			g.Add(id, "", v)
		}
	}
	return g
}

func codesOf(combos []Combination) []string {
	var out []string
	for _, c := range combos {
		out = append(out, c.Code)
	}
	return out
}

func TestBuild_SelfParentIsEmpty(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		10: {leaf(codes.CodeTypeCPT4, "99213", "99213", false)},
	}))

	tree, err := b.Build(10, 10)
	require.NoError(t, err)
	assert.True(t, tree.Empty())
	assert.Equal(t, 0, b.Memoized())
}

func TestBuild_CycleTerminates(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {leaf(codes.CodeTypeCPT4, "99213", "99213", false), nested(2, false)},
		2: {leaf(codes.CodeTypeCPT4, "99214", "99214", false), nested(1, false)},
	}))

	tree, err := b.Build(1, 0)
	require.NoError(t, err)
	require.Len(t, tree.Children, 2)
	inner := tree.Children[1].Nested
	require.NotNil(t, inner)
	require.Len(t, inner.Children, 2)
	// group 1 is still expanding when group 2 refers back to it
	assert.True(t, inner.Children[1].Nested.Empty())
}

func TestBuild_MemoizesAndClamps(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		5: {leaf(codes.CodeTypeCPT4, "99990", "100500", false)},
	}))

	first, err := b.Build(5, 0)
	require.NoError(t, err)
	second, err := b.Build(5, 0)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, b.Memoized())
	assert.Equal(t, "99999", first.Children[0].Leaf.High)
}

func TestBuild_MissingGroup(t *testing.T) {
	b := NewBuilder(refdata.CodeGroups{})
	_, err := b.Build(42, 0)
	assert.True(t, errors.Is(err, ErrGroupNotFound))
}

func TestBuildAdHoc(t *testing.T) {
	b := NewBuilder(refdata.CodeGroups{})
	tree := b.BuildAdHoc("0450", "0452", codes.CodeTypeRevenue)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, 0, b.Memoized())
	assert.True(t, b.BuildAdHoc("", "", codes.CodeTypeCPT4).Empty())
}

func TestExpandRange(t *testing.T) {
	one, err := ExpandRange(codes.CodeTypeCPT4, "99213", "99213", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"99213"}, one)

	span, err := ExpandRange(codes.CodeTypeCPT4, "10", "14", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "11", "12", "13", "14"}, span)

	zips, err := ExpandRange(codes.CodeTypeProviderZip, "10000", "10005", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10000", "10001", "10002", "10003", "10004", "10005"}, zips)

	padded, err := ExpandRange(codes.CodeTypeProviderZip, "00501", "00503", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"00501", "00502", "00503"}, padded)

	_, err = ExpandRange(codes.CodeTypeProviderZip, "10000", "12000", 1000)
	assert.ErrorIs(t, err, ErrZipSpanTooLarge)

	hcpcs, err := ExpandRange(codes.CodeTypeHCPCS, "J0120", "J0122", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"J0120", "J0121", "J0122"}, hcpcs)

	odd, err := ExpandRange(codes.CodeTypeCPT4, "0001T", "0005T", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0001T"}, odd)
}

func TestGenerate_IncludeExclude(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {
			leaf(codes.CodeTypeCPT4, "99213", "99213", false),
			leaf(codes.CodeTypeCPT4, "99214", "99214", false),
			leaf(codes.CodeTypeCPT4, "99214", "99214", true),
		},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	g := &Generator{}
	res, err := g.Generate(tree)
	require.NoError(t, err)

	assert.True(t, res.HasServices)
	assert.Contains(t, res.Combinations, Combination{Code: "99213", Modifier: "", POS: "11", CodeType: "CPT"})
	assert.NotContains(t, codesOf(res.Combinations), "99214")
}

func TestGenerate_RangeCardinality(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {
			leaf(codes.CodeTypeCPT4, "99201", "99205", false),
			leaf(codes.CodeTypeCPTMod, "26", "26", false),
			leaf(codes.CodeTypeCPTMod, "TC", "TC", false),
			leaf(codes.CodeTypePlaceOfService, "22", "22", false),
		},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	res, err := (&Generator{}).Generate(tree)
	require.NoError(t, err)
	// 5 codes x 2 modifiers x 1 POS
	assert.Len(t, res.Combinations, 10)
	assert.Equal(t, Combination{Code: "99201", Modifier: "26", POS: "22", CodeType: "CPT"}, res.Combinations[0])
}

func TestGenerate_NestedNotLogicExcludes(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {leaf(codes.CodeTypeRevenue, "450", "452", false), nested(2, true)},
		2: {leaf(codes.CodeTypeRevenue, "451", "451", false)},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	res, err := (&Generator{}).Generate(tree)
	require.NoError(t, err)
	assert.Equal(t, []string{"450", "452"}, codesOf(res.Combinations))
	assert.Equal(t, "RC", res.Combinations[0].CodeType)
}

func TestGenerate_ModifierFallback(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {leaf(codes.CodeTypeCPTMod, "25", "25", false)},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	g := &Generator{ModifierCodes: map[string][]string{"25": {"99214", "99213"}}}
	res, err := g.Generate(tree)
	require.NoError(t, err)
	assert.True(t, res.HasServices)
	assert.Equal(t, []Combination{
		{Code: "99213", Modifier: "25", POS: "11", CodeType: "CPT"},
		{Code: "99214", Modifier: "25", POS: "11", CodeType: "CPT"},
	}, res.Combinations)
}

func TestGenerate_POSFallback(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {
			leaf(codes.CodeTypePlaceOfService, "21", "21", false),
			leaf(codes.CodeTypePlaceOfService, "23", "23", false),
		},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	res, err := (&Generator{}).Generate(tree)
	require.NoError(t, err)
	assert.False(t, res.HasServices)
	assert.Equal(t, []Combination{{POS: "21"}, {POS: "23"}}, res.Combinations)
}

func TestGenerate_EmptyTreeDefaultsPOS(t *testing.T) {
	res, err := (&Generator{}).Generate(&Tree{})
	require.NoError(t, err)
	assert.False(t, res.HasServices)
	assert.Equal(t, []Combination{{POS: "11"}}, res.Combinations)
}

func TestGenerate_ZipOverCapFails(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {
			leaf(codes.CodeTypeCPT4, "99213", "99213", false),
			leaf(codes.CodeTypeProviderZip, "10000", "19999", false),
		},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	res, err := (&Generator{ZipSpanCap: 1000}).Generate(tree)
	assert.ErrorIs(t, err, ErrZipSpanTooLarge)
	assert.Empty(t, res.Combinations)
}

func TestExtractProviderRanges(t *testing.T) {
	b := NewBuilder(groups(map[int][]refdata.Value{
		1: {
			leaf(codes.CodeTypeProviderTaxonomyCode, "207Q00000X", "207Q00000X", false),
			leaf(codes.CodeTypeCPT4, "99213", "99213", false),
			nested(2, true),
		},
		2: {
			leaf(codes.CodeTypeProviderTaxonomyCode, "208D00000X", "208D00000X", false),
			leaf(codes.CodeTypeProviderZip, "10000", "10002", false),
		},
	}))
	tree, err := b.Build(1, 0)
	require.NoError(t, err)

	ranges, err := ExtractProviderRanges(tree, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{codes.CodeTypeProviderTaxonomyCode, codes.CodeTypeProviderZip}, ranges.Types())

	first, ok := ranges.First()
	require.True(t, ok)
	assert.Equal(t, codes.CodeTypeProviderTaxonomyCode, first.Type)
	assert.Equal(t, []string{"207Q00000X"}, first.Included)
	assert.Equal(t, []string{"208D00000X"}, first.Excluded)

	zips, ok := ranges.Range(codes.CodeTypeProviderZip)
	require.True(t, ok)
	assert.Equal(t, []string{"10000", "10001", "10002"}, zips.Excluded)
}

func TestProviderRangesZeroValue(t *testing.T) {
	var p ProviderRanges
	assert.Equal(t, 0, p.Len())
	_, ok := p.First()
	assert.False(t, ok)
	p.Add(codes.CodeTypeProviderNPI, "1234567890", false)
	p.Add(codes.CodeTypeProviderNPI, "1234567890", true)
	r, ok := p.Range(codes.CodeTypeProviderNPI)
	require.True(t, ok)
	assert.Empty(t, r.Included)
	assert.Equal(t, []string{"1234567890"}, r.Excluded)
}
