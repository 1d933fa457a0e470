package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/codes"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/groupkey"
	"github.com/chedlund110/cms-rate-transparency-grouped-keys/internal/source"
)

// GroupKeyOutput is the JSON document consumed by provider matching.
type GroupKeyOutput struct {
	Keys    *groupkey.Factory `json:"keys"`
	Filters []map[string]any  `json:"filters"`
}

// WriteGroupKeys writes the run's rate group keys and their provider
// filter blocks to outputPath, or to stdout when outputPath is "-".
func WriteGroupKeys(outputPath string, keys *groupkey.Factory) error {
	out := GroupKeyOutput{Keys: keys, Filters: []map[string]any{}}
	for _, f := range keys.Filters() {
		out.Filters = append(out.Filters, f.Block())
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling group keys: %w", err)
	}

	if outputPath == "-" {
		_, err = os.Stdout.Write(data)
		fmt.Fprintln(os.Stdout)
		return err
	}

	return os.WriteFile(outputPath, data, 0o644)
}

// WriteBillingCodes writes the billing-code extract, one
// code|type|version|description| line per code, plus its sidecar. It
// returns the paths written.
func WriteBillingCodes(path string, bc []source.BillingCode) ([]string, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, c := range bc {
		desc := strings.ReplaceAll(c.Description, FieldDelim, " ")
		line := strings.Join([]string{c.Code, c.CodeType, codes.CodeVersion, desc}, FieldDelim) + FieldDelim + "\n"
		if _, err := w.WriteString(line); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	mms, err := WriteSidecar(path, len(bc))
	if err != nil {
		return nil, err
	}
	return []string{path, mms}, nil
}
