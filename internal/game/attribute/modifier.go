// Package attribute implements per-attribute aggregators: the base value of
// an attribute folded through the modifiers contributed by active effects.
package attribute

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Attribute names a numeric attribute, e.g. "Mana" or "Health.Max".
type Attribute string

// Op is a modifier operation. Ops are folded in declaration order.
type Op int

const (
	OpAdditive Op = iota
	OpMultiplicative
	OpDivision
	OpOverride
)

var opNames = map[Op]string{
	OpAdditive:       "add",
	OpMultiplicative: "multiply",
	OpDivision:       "divide",
	OpOverride:       "override",
}

// String returns the YAML spelling of o.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ParseOp parses the YAML spelling of an Op.
func ParseOp(s string) (Op, error) {
	for op, name := range opNames {
		if strings.EqualFold(name, s) {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown modifier op %q", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Op) UnmarshalYAML(n *yaml.Node) error {
	op, err := ParseOp(n.Value)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (o Op) MarshalYAML() (any, error) {
	return o.String(), nil
}

// Apply folds magnitude into value the way an instant execution modifies a
// base value. Division by zero leaves value unchanged.
func (o Op) Apply(value, magnitude float64) float64 {
	switch o {
	case OpAdditive:
		return value + magnitude
	case OpMultiplicative:
		return value * magnitude
	case OpDivision:
		if magnitude == 0 {
			return value
		}
		return value / magnitude
	case OpOverride:
		return magnitude
	}
	return value
}

// Owner identifies whoever contributed a modifier, normally an active effect
// handle.
type Owner uint64

// TagRequirements restrict when a modifier qualifies.
type TagRequirements struct {
	Source tag.Requirements `yaml:"source"`
	Target tag.Requirements `yaml:"target"`
}

// Met reports whether both requirement sets pass.
func (r TagRequirements) Met(source, target tag.Container) bool {
	return r.Source.Met(source) && r.Target.Met(target)
}

// Modifier is one contribution to an aggregator.
//
// Qualified is recomputed on every evaluation pass; policies may clear it.
type Modifier struct {
	Op           Op
	Magnitude    float64
	Owner        Owner
	SourceTags   tag.Container
	Requirements TagRequirements
	Qualified    bool

	seq uint64
}

// Seq is the insertion order of m within its aggregator.
func (m *Modifier) Seq() uint64 { return m.seq }

func (m *Modifier) qualifies(p EvaluateParams) bool {
	if math.IsNaN(m.Magnitude) || math.IsInf(m.Magnitude, 0) {
		return false
	}
	return m.Requirements.Met(m.SourceTags, p.TargetTags)
}
