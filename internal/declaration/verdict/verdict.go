// Package verdict maps registry results onto declaration and period states.
package verdict

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dimona/internal/declaration/anomaly"
	"dimona/internal/declaration/models"
)

//go:embed results.yaml
var defaultResults []byte

// Table maps registry result codes to declaration states.
type Table struct {
	results map[string]models.DeclarationState
}

type tableFile struct {
	Results map[string]string `yaml:"results"`
}

// ParseTable decodes a YAML result table. Every target must be a verdict
// state: pending is never a registry answer.
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return Table{}, fmt.Errorf("decode result table: %w", err)
	}
	if len(f.Results) == 0 {
		return Table{}, fmt.Errorf("result table is empty")
	}
	t := Table{results: make(map[string]models.DeclarationState, len(f.Results))}
	for code, state := range f.Results {
		st, err := models.ParseDeclarationState(state)
		if err != nil {
			return Table{}, fmt.Errorf("result %s: %w", code, err)
		}
		if st == models.DeclarationStatePending {
			return Table{}, fmt.Errorf("result %s cannot map to pending", code)
		}
		t.results[strings.ToUpper(strings.TrimSpace(code))] = st
	}
	return t, nil
}

// DefaultTable is the embedded result table.
func DefaultTable() Table {
	t, err := ParseTable(defaultResults)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTable reads a table from path, or returns DefaultTable when path is empty.
func LoadTable(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read result table: %w", err)
	}
	return ParseTable(data)
}

// IsZero reports a table that was never loaded.
func (t Table) IsZero() bool {
	return len(t.results) == 0
}

// DeclarationState resolves a result code. ok is false for unknown codes.
func (t Table) DeclarationState(resultCode string) (models.DeclarationState, bool) {
	st, ok := t.results[strings.ToUpper(strings.TrimSpace(resultCode))]
	return st, ok
}

// PeriodStateFor derives the period state that follows a declaration verdict.
func PeriodStateFor(typ models.DeclarationType, state models.DeclarationState, a anomaly.Anomalies) (models.PeriodState, error) {
	if state == models.DeclarationStateFailed {
		return PeriodStateOnFailure(typ), nil
	}
	if state == models.DeclarationStateWaiting {
		return models.PeriodStateWaiting, nil
	}

	switch typ {
	case models.DeclarationTypeIn, models.DeclarationTypeUpdate:
		switch state {
		case models.DeclarationStateAccepted:
			return models.PeriodStateAccepted, nil
		case models.DeclarationStateAcceptedWithWarning:
			return models.PeriodStateAcceptedWithWarning, nil
		case models.DeclarationStateRefused:
			return models.PeriodStateRefused, nil
		}
	case models.DeclarationTypeCancel:
		switch state {
		case models.DeclarationStateAccepted, models.DeclarationStateAcceptedWithWarning:
			return models.PeriodStateCancelled, nil
		case models.DeclarationStateRefused:
			if a.AlreadyCancelled() {
				return models.PeriodStateCancelled, nil
			}
			return models.PeriodStateOutdated, nil
		}
	}
	return "", fmt.Errorf("no period state for %s declaration in state %s", typ, state)
}

// PeriodStateOnFailure is where a period lands when its declaration fails
// permanently: a period that never reached the registry fails with it, an
// update or cancel leaves the registered period outdated.
func PeriodStateOnFailure(typ models.DeclarationType) models.PeriodState {
	if typ == models.DeclarationTypeIn {
		return models.PeriodStateFailed
	}
	return models.PeriodStateOutdated
}
