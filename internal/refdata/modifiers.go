package refdata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var modifierDateLayouts = []string{"01/02/2006", "02/01/2006", "2006-01-02"}

// LoadModifierMap reads a pipe-delimited procedure/modifier file with the
// header PROCEDURE_CODE|MODIFIER_CODE|EXPIRATION_DATE and returns, for each
// modifier, the procedure codes it may legally accompany. Rows expired
// before now are dropped.
func LoadModifierMap(path string, now time.Time) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening modifier map: %w", err)
	}
	defer f.Close()
	return ReadModifierMap(f, now)
}

// ReadModifierMap is LoadModifierMap over an arbitrary reader.
func ReadModifierMap(r io.Reader, now time.Time) (map[string][]string, error) {
	cr := csv.NewReader(r)
	cr.Comma = '|'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading modifier map header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	procIdx, ok1 := col["PROCEDURE_CODE"]
	modIdx, ok2 := col["MODIFIER_CODE"]
	expIdx, hasExp := col["EXPIRATION_DATE"]
	if !ok1 || !ok2 {
		return nil, errors.New("modifier map missing PROCEDURE_CODE or MODIFIER_CODE column")
	}

	today := now.Truncate(24 * time.Hour)
	sets := make(map[string]map[string]struct{})
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading modifier map: %w", err)
		}
		if procIdx >= len(rec) || modIdx >= len(rec) {
			continue
		}
		code := strings.TrimSpace(rec[procIdx])
		mod := strings.TrimSpace(rec[modIdx])
		if code == "" || mod == "" {
			continue
		}
		if hasExp && expIdx < len(rec) {
			if exp := strings.TrimSpace(rec[expIdx]); exp != "" {
				d, ok := parseModifierDate(exp)
				if !ok {
					log.Warn().Str("expiration", exp).Msg("unrecognized modifier expiration date, skipping row")
					continue
				}
				if d.Before(today) {
					continue
				}
			}
		}
		if sets[mod] == nil {
			sets[mod] = make(map[string]struct{})
		}
		sets[mod][code] = struct{}{}
	}

	out := make(map[string][]string, len(sets))
	for mod, set := range sets {
		list := make([]string, 0, len(set))
		for c := range set {
			list = append(list, c)
		}
		sort.Strings(list)
		out[mod] = list
	}
	return out, nil
}

func parseModifierDate(s string) (time.Time, bool) {
	for _, layout := range modifierDateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
