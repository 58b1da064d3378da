// Package anomaly turns raw registry anomaly payloads into semantic predicates.
package anomaly

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Predicate names understood by the engine.
const (
	AlreadyCancelled          = "already_cancelled"
	FlexiRequirementsNotMet   = "flexi_requirements_not_met"
	StudentRequirementsNotMet = "student_requirements_not_met"
)

//go:embed codes.yaml
var defaultCodes []byte

// Table maps a predicate name to the registry codes that trigger it.
type Table struct {
	Predicates map[string][]string `yaml:"predicates"`
}

// ParseTable decodes and validates a YAML code table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return Table{}, fmt.Errorf("decode anomaly table: %w", err)
	}
	for _, name := range []string{AlreadyCancelled, FlexiRequirementsNotMet, StudentRequirementsNotMet} {
		if len(t.Predicates[name]) == 0 {
			return Table{}, fmt.Errorf("anomaly table: predicate %s has no codes", name)
		}
	}
	for name, codes := range t.Predicates {
		for _, c := range codes {
			if strings.TrimSpace(c) == "" {
				return Table{}, fmt.Errorf("anomaly table: predicate %s has an empty code", name)
			}
		}
	}
	return t, nil
}

// DefaultTable is the embedded code table.
func DefaultTable() Table {
	t, err := ParseTable(defaultCodes)
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
		return Table{}, fmt.Errorf("read anomaly table: %w", err)
	}
	return ParseTable(data)
}

// Anomalies is a value view over one raw anomaly payload.
type Anomalies struct {
	raw     json.RawMessage
	matched map[string]bool
}

func (a Anomalies) AlreadyCancelled() bool          { return a.matched[AlreadyCancelled] }
func (a Anomalies) FlexiRequirementsNotMet() bool   { return a.matched[FlexiRequirementsNotMet] }
func (a Anomalies) StudentRequirementsNotMet() bool { return a.matched[StudentRequirementsNotMet] }

// Has reports any predicate by name; unknown names are false.
func (a Anomalies) Has(predicate string) bool { return a.matched[predicate] }

// Raw returns the payload the predicates were computed from.
func (a Anomalies) Raw() json.RawMessage { return a.raw }

// Matched lists the predicates that hold, sorted.
func (a Anomalies) Matched() []string {
	out := make([]string, 0, len(a.matched))
	for name, ok := range a.matched {
		if ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Classifier resolves predicates against a code table.
type Classifier struct {
	table Table
}

func NewClassifier(table Table) *Classifier {
	return &Classifier{table: table}
}

// Classify matches every code as a substring of the serialized payload.
// Null, empty or unparseable input yields no predicates.
func (c *Classifier) Classify(raw json.RawMessage) Anomalies {
	a := Anomalies{raw: raw, matched: map[string]bool{}}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || !json.Valid(trimmed) {
		return a
	}
	text := string(trimmed)
	for name, codes := range c.table.Predicates {
		for _, code := range codes {
			if strings.Contains(text, code) {
				a.matched[name] = true
				break
			}
		}
	}
	return a
}
