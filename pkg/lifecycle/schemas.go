package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/trustdesk/govrec/pkg/record"
)

// LoadSchemaDir reads per-module JSON Schema files from dir. Each file must
// be named <module_type>.json; unknown module types are rejected so a typo
// in a filename cannot silently disable validation.
func LoadSchemaDir(dir string) (map[record.ModuleType]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}

	schemas := make(map[record.ModuleType]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		mt := record.ModuleType(strings.TrimSuffix(e.Name(), ".json"))
		if !mt.Valid() {
			return nil, fmt.Errorf("schema file %s does not match a known module type", e.Name())
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		schemas[mt] = string(raw)
	}
	return schemas, nil
}
