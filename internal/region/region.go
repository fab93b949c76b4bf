package region

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Region is a macro-region derived from a station's county.
type Region string

const (
	North    Region = "north"
	Central  Region = "central"
	South    Region = "south"
	East     Region = "east"
	Outlying Region = "outlying"
	Unknown  Region = "unknown"
)

// All lists the known regions in their conventional north-to-south display order.
var All = []Region{North, Central, South, East, Outlying}

// Valid reports whether r is one of the known regions or Unknown.
func (r Region) Valid() bool {
	switch r {
	case North, Central, South, East, Outlying, Unknown:
		return true
	}
	return false
}

//go:embed regions.yaml
var defaultTable []byte

// Table maps county names to regions.
type Table struct {
	counties map[string]Region
}

// Default returns the built-in county table.
func Default() *Table {
	t, err := Parse(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("region: embedded table is invalid: %v", err))
	}
	return t
}

// Parse reads a YAML document of region -> list of counties.
func Parse(data []byte) (*Table, error) {
	var raw map[Region][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse region table: %w", err)
	}

	t := &Table{counties: make(map[string]Region)}
	for r, counties := range raw {
		if !r.Valid() || r == Unknown {
			return nil, fmt.Errorf("parse region table: unknown region %q", r)
		}
		for _, c := range counties {
			key := normalize(c)
			if prev, dup := t.counties[key]; dup && prev != r {
				return nil, fmt.Errorf("parse region table: county %q listed under %s and %s", c, prev, r)
			}
			t.counties[key] = r
		}
	}
	return t, nil
}

// Lookup returns the region for county, or Unknown when the county is not listed.
func (t *Table) Lookup(county string) Region {
	if r, ok := t.counties[normalize(county)]; ok {
		return r
	}
	return Unknown
}

func normalize(county string) string {
	return strings.ReplaceAll(strings.TrimSpace(county), "台", "臺")
}
