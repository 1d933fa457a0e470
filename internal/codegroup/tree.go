// Package codegroup resolves nested code-group definitions into trees and
// expands those trees into concrete (code, modifier, place-of-service)
// combinations.
package codegroup

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/refdata"
)

// ErrGroupNotFound is returned when a term or nested value references a
// code group that is not loaded.
var ErrGroupNotFound = errors.New("code group not found")

// Leaf is a single code range.
type Leaf struct {
	CodeType string
	Low      string
	High     string
}

// Child is either a leaf range or a nested tree, optionally negated.
type Child struct {
	Leaf     *Leaf
	Nested   *Tree
	NotLogic bool
}

// Tree is a resolved code group.
type Tree struct {
	GroupID        int
	Name           string
	Children       []Child
	ProviderRanges ProviderRanges
}

// Empty reports whether the tree has no children.
func (t *Tree) Empty() bool {
	return t == nil || len(t.Children) == 0
}

// Builder resolves code groups into trees. Trees are memoized by group id
// for the builder's lifetime, so one builder should serve one worker.
type Builder struct {
	groups   refdata.CodeGroups
	memo     map[int]*Tree
	building map[int]bool
}

// NewBuilder returns a builder over groups.
func NewBuilder(groups refdata.CodeGroups) *Builder {
	return &Builder{
		groups:   groups,
		memo:     make(map[int]*Tree),
		building: make(map[int]bool),
	}
}

// Build resolves groupID. parentID is the id of the group currently being
// expanded; a group is never expanded as its own immediate parent, nor
// while any ancestor expansion of it is still in progress.
func (b *Builder) Build(groupID, parentID int) (*Tree, error) {
	if groupID == 0 || groupID == parentID || b.building[groupID] {
		return &Tree{}, nil
	}
	if t, ok := b.memo[groupID]; ok {
		return t, nil
	}

	grp, ok := b.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
	}

	b.building[groupID] = true
	defer delete(b.building, groupID)

	t := &Tree{GroupID: groupID, Name: grp.Name}
	for _, v := range grp.Values {
		if codes.IsProviderQualifier(v.CodeType) && v.CodeLow != "" {
			t.ProviderRanges.Add(v.CodeType, v.CodeLow, v.NotLogic)
		}

		switch {
		case v.NestedGroupID != 0:
			nested, err := b.Build(v.NestedGroupID, groupID)
			if err != nil {
				return nil, err
			}
			t.Children = append(t.Children, Child{Nested: nested, NotLogic: v.NotLogic})
		case v.CodeLow != "" && v.CodeHigh != "":
			t.Children = append(t.Children, Child{
				Leaf:     &Leaf{CodeType: v.CodeType, Low: v.CodeLow, High: clampHigh(v.CodeHigh)},
				NotLogic: v.NotLogic,
			})
		}
	}

	b.memo[groupID] = t
	return t, nil
}

// BuildAdHoc returns a one-leaf tree for an inline term range. Inline
// ranges are not memoized.
func (b *Builder) BuildAdHoc(low, high, codeType string) *Tree {
	t := &Tree{}
	if low == "" || high == "" {
		return t
	}
	t.Children = []Child{{Leaf: &Leaf{CodeType: codeType, Low: low, High: clampHigh(high)}}}
	if codes.IsProviderQualifier(codeType) {
		t.ProviderRanges.Add(codeType, low, false)
	}
	return t
}

// Memoized returns the number of group trees built so far.
func (b *Builder) Memoized() int {
	return len(b.memo)
}

func clampHigh(high string) string {
	if !isDigits(high) {
		return high
	}
	n, err := strconv.Atoi(high)
	if err != nil || n > codes.NumericHighClamp {
		return strconv.Itoa(codes.NumericHighClamp)
	}
	return high
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
