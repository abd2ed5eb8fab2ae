package phase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// Load reads phase tables from a YAML file keyed by category name:
//
//	execution:
//	  - label: starting
//	    keywords: [spawn, launch]
//
// Unknown categories are rejected so a typo in the file surfaces instead of
// silently shipping a dead table.
func Load(path string) (map[domain.RunCategory][]Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string][]Phase
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing phase definitions: %w", err)
	}

	tables := make(map[domain.RunCategory][]Phase, len(raw))
	for name, phases := range raw {
		cat := domain.RunCategory(name)
		if !domain.ValidCategory(cat) {
			return nil, fmt.Errorf("unknown category %q in %s", name, path)
		}
		tables[cat] = phases
	}
	return tables, nil
}
