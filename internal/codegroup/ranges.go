package codegroup

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
)

// DefaultZipSpanCap is the largest ZIP range (high-low) that is expanded.
const DefaultZipSpanCap = 1000

// ErrZipSpanTooLarge is returned for ZIP ranges wider than the cap or
// otherwise malformed. Nothing is expanded when it is returned.
var ErrZipSpanTooLarge = errors.New("zip range too large or invalid")

// ExpandRange returns the codes covered by low..high for codeType.
//
// low == high yields {low}. Numeric ranges yield every integer in range as
// a plain decimal string. ZIP ranges yield zero-padded five-digit ZIPs and
// fail when the span exceeds zipCap. HCPCS-style ranges sharing a letter
// prefix expand over the numeric part. Anything else yields {low}.
func ExpandRange(codeType, low, high string, zipCap int) ([]string, error) {
	if low == high {
		return []string{low}, nil
	}
	if codeType == codes.CodeTypeProviderZip {
		return expandZip(low, high, zipCap)
	}
	if isDigits(low) && isDigits(high) {
		lo, err1 := strconv.Atoi(low)
		hi, err2 := strconv.Atoi(high)
		if err1 != nil || err2 != nil {
			return []string{low}, nil
		}
		if hi < lo {
			return nil, nil
		}
		out := make([]string, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			out = append(out, strconv.Itoa(i))
		}
		return out, nil
	}
	if out, ok := expandPrefixed(low, high); ok {
		return out, nil
	}
	return []string{low}, nil
}

func expandZip(low, high string, zipCap int) ([]string, error) {
	if zipCap <= 0 {
		zipCap = DefaultZipSpanCap
	}
	if len(low) < 5 || len(high) < 5 || !isDigits(low[:5]) || !isDigits(high[:5]) {
		return nil, fmt.Errorf("%w: %s-%s", ErrZipSpanTooLarge, low, high)
	}
	lo, _ := strconv.Atoi(low[:5])
	hi, _ := strconv.Atoi(high[:5])
	if hi < lo || hi-lo > zipCap {
		return nil, fmt.Errorf("%w: %05d-%05d", ErrZipSpanTooLarge, lo, hi)
	}
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, fmt.Sprintf("%05d", i))
	}
	return out, nil
}

// expandPrefixed handles ranges like J0120..J0135: same leading letter,
// digits after it, equal length.
func expandPrefixed(low, high string) ([]string, bool) {
	if len(low) != len(high) || len(low) < 2 || low[0] != high[0] {
		return nil, false
	}
	c := low[0]
	if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')) {
		return nil, false
	}
	if !isDigits(low[1:]) || !isDigits(high[1:]) {
		return nil, false
	}
	lo, _ := strconv.Atoi(low[1:])
	hi, _ := strconv.Atoi(high[1:])
	if hi < lo {
		return nil, true
	}
	width := len(low) - 1
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, fmt.Sprintf("%c%0*d", c, width, i))
	}
	return out, true
}
