// Package phase infers coarse-grained progress phases from free-text run
// output. The backend emits no structured phase markers; this is a
// best-effort UX signal, derived read-only data that never feeds back into
// the run state machine.
package phase

import (
	"strings"
	"sync"

	"github.com/personadesk/run-orchestrator/internal/domain"
)

// GenericLabel is reported until any keyword matches.
const GenericLabel = "in progress"

// Phase is one entry in a category's ordered phase list.
type Phase struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

func (p Phase) matches(lowerLine string) bool {
	for _, kw := range p.Keywords {
		if strings.Contains(lowerLine, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// Infer maps the full ordered line buffer to a phase index and label. It
// re-scans from scratch on every call; the result is a pure function of
// (lines, terminal, phases).
//
// For each line, candidate indices are scanned from the highest reachable
// index down to one past the current floor; the first keyword match becomes
// the new floor. The floor never decreases, so a run only ever advances.
// While the run is non-terminal the final phase is unreachable: it is
// reserved for confirmed completion.
func Infer(lines []string, terminal bool, phases []Phase) (int, string) {
	if len(phases) == 0 {
		return 0, GenericLabel
	}

	ceiling := len(phases) - 1
	if !terminal && len(phases) > 1 {
		ceiling = len(phases) - 2
	}

	floor := -1
	for _, line := range lines {
		lower := strings.ToLower(line)
		for i := ceiling; i > floor; i-- {
			if phases[i].matches(lower) {
				floor = i
				break
			}
		}
	}

	if floor < 0 {
		return 0, GenericLabel
	}
	return floor, phases[floor].Label
}

// Definitions holds the per-category phase tables. It is safe for
// concurrent use; the observer swaps tables in on hot reload.
type Definitions struct {
	mu     sync.RWMutex
	tables map[domain.RunCategory][]Phase
}

// NewDefinitions returns Definitions seeded with the built-in tables.
func NewDefinitions() *Definitions {
	tables := make(map[domain.RunCategory][]Phase, len(defaultTables))
	for cat, phases := range defaultTables {
		tables[cat] = phases
	}
	return &Definitions{tables: tables}
}

// For returns the ordered phase list for a category. Categories without a
// table get the execution table as a fallback.
func (d *Definitions) For(category domain.RunCategory) []Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if phases, ok := d.tables[category]; ok {
		return phases
	}
	return d.tables[domain.CategoryExecution]
}

// Replace swaps in new tables for the given categories, keeping existing
// tables for categories absent from the update.
func (d *Definitions) Replace(tables map[domain.RunCategory][]Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cat, phases := range tables {
		if len(phases) > 0 {
			d.tables[cat] = phases
		}
	}
}
