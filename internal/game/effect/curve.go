package effect

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// CurvePoint is one (level, value) sample.
type CurvePoint struct {
	Level float64 `yaml:"level"`
	Value float64 `yaml:"value"`
}

// CurveTable maps curve names to samples, evaluated with linear
// interpolation and clamped at both ends. It is configuration passed to
// engines at construction.
type CurveTable struct {
	curves map[string][]CurvePoint
}

// NewCurveTable builds a table from rows, sorting each row by level.
func NewCurveTable(rows map[string][]CurvePoint) *CurveTable {
	t := &CurveTable{curves: make(map[string][]CurvePoint, len(rows))}
	for name, pts := range rows {
		sorted := append([]CurvePoint(nil), pts...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Level < sorted[j].Level })
		t.curves[name] = sorted
	}
	return t
}

// Eval returns the value of curve name at level.
func (t *CurveTable) Eval(name string, level float64) (float64, error) {
	pts, ok := t.curves[name]
	if !ok || len(pts) == 0 {
		return 0, fmt.Errorf("unknown curve %q", name)
	}
	if level <= pts[0].Level {
		return pts[0].Value, nil
	}
	last := pts[len(pts)-1]
	if level >= last.Level {
		return last.Value, nil
	}
	i := sort.Search(len(pts), func(i int) bool { return pts[i].Level >= level })
	lo, hi := pts[i-1], pts[i]
	frac := (level - lo.Level) / (hi.Level - lo.Level)
	return lo.Value + frac*(hi.Value-lo.Value), nil
}

// Names returns the curve names in sorted order.
func (t *CurveTable) Names() []string {
	out := make([]string, 0, len(t.curves))
	for k := range t.curves {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// LoadCurveTable reads a YAML mapping of curve name to samples.
//
// Precondition: path must be a readable file.
func LoadCurveTable(path string) (*CurveTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading curve table %q: %w", path, err)
	}
	var rows map[string][]CurvePoint
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("parsing curve table %q: %w", path, err)
	}
	return NewCurveTable(rows), nil
}
