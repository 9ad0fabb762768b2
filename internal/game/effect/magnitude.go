package effect

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// MagnitudeKind selects how a magnitude is calculated.
type MagnitudeKind string

const (
	// ScalableFloat is Value, optionally multiplied by a curve at the spec level.
	ScalableFloat MagnitudeKind = "scalable"
	// AttributeBased is Coefficient*(captured+PreAdd)+PostAdd.
	AttributeBased MagnitudeKind = "attribute_based"
	// SetByCaller is supplied on the spec at runtime, keyed by tag.
	SetByCaller MagnitudeKind = "set_by_caller"
	// DiceRoll rolls a dice expression seeded from the application context.
	DiceRoll MagnitudeKind = "dice"
	// Script calls a named function on the configured Calculator.
	Script MagnitudeKind = "script"
)

// Capture selects whose attributes an attribute-based magnitude reads.
type Capture string

const (
	CaptureSource Capture = "source"
	CaptureTarget Capture = "target"
)

// MagnitudeDef describes how to compute one magnitude. A plain YAML number
// decodes as a scalable value.
type MagnitudeDef struct {
	Kind        MagnitudeKind       `yaml:"kind"`
	Value       float64             `yaml:"value"`
	Curve       string              `yaml:"curve"`
	Attribute   attribute.Attribute `yaml:"attribute"`
	Capture     Capture             `yaml:"capture"`
	Coefficient float64             `yaml:"coefficient"` // 0 is read as 1
	PreAdd      float64             `yaml:"pre_add"`
	PostAdd     float64             `yaml:"post_add"`
	Tag         tag.Tag             `yaml:"set_by_caller"`
	Dice        string              `yaml:"dice"`
	Script      string              `yaml:"script"`
}

// Scalar returns a constant scalable magnitude.
func Scalar(v float64) MagnitudeDef {
	return MagnitudeDef{Kind: ScalableFloat, Value: v}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (m *MagnitudeDef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind == yaml.ScalarNode {
		v, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: magnitude %q is not a number", n.Line, n.Value)
		}
		*m = Scalar(v)
		return nil
	}
	type plain MagnitudeDef
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	*m = MagnitudeDef(p)
	if m.Kind == "" {
		m.Kind = ScalableFloat
	}
	return nil
}

// IsZero reports whether m was left unset.
func (m MagnitudeDef) IsZero() bool {
	return m == MagnitudeDef{}
}

func (m MagnitudeDef) validate() error {
	switch m.Kind {
	case "", ScalableFloat:
	case AttributeBased:
		if m.Attribute == "" {
			return fmt.Errorf("attribute_based magnitude requires attribute")
		}
		if m.Capture != CaptureSource && m.Capture != CaptureTarget {
			return fmt.Errorf("attribute_based magnitude capture must be source or target")
		}
	case SetByCaller:
		if !m.Tag.IsValid() {
			return fmt.Errorf("set_by_caller magnitude requires a valid tag")
		}
	case DiceRoll:
		if _, err := dice.Parse(m.Dice); err != nil {
			return err
		}
	case Script:
		if m.Script == "" {
			return fmt.Errorf("script magnitude requires script")
		}
	default:
		return fmt.Errorf("unknown magnitude kind %q", m.Kind)
	}
	return nil
}

// CalculationParams is passed to a Calculator for script magnitudes.
type CalculationParams struct {
	EffectID    string
	Level       float64
	Source      map[string]float64
	Target      map[string]float64
	SetByCaller map[string]float64
}

// Calculator evaluates script magnitudes.
type Calculator interface {
	Calculate(fn string, params CalculationParams) (float64, error)
}

// Environment is the shared configuration magnitudes are evaluated against.
type Environment struct {
	Curves     *CurveTable
	Calculator Calculator
	Roller     *dice.Roller
}

type magnitudeInput struct {
	spec   *Spec
	target func(attribute.Attribute) float64
	seed   string
	env    Environment
}

// Evaluate computes the magnitude for in.
func (m MagnitudeDef) evaluate(in magnitudeInput) (float64, error) {
	spec := in.spec
	switch m.Kind {
	case "", ScalableFloat:
		v := m.Value
		if m.Curve != "" {
			if in.env.Curves == nil {
				return 0, fmt.Errorf("curve %q referenced without a curve table", m.Curve)
			}
			c, err := in.env.Curves.Eval(m.Curve, spec.Level)
			if err != nil {
				return 0, err
			}
			v *= c
		}
		return v, nil
	case AttributeBased:
		var captured float64
		if m.Capture == CaptureSource {
			v, ok := spec.SourceAttributes[m.Attribute]
			if !ok {
				return 0, fmt.Errorf("source attribute %q not captured", m.Attribute)
			}
			captured = v
		} else {
			captured = in.target(m.Attribute)
		}
		coef := m.Coefficient
		if coef == 0 {
			coef = 1
		}
		return coef*(captured+m.PreAdd) + m.PostAdd, nil
	case SetByCaller:
		v, ok := spec.SetByCaller[m.Tag]
		if !ok {
			return 0, fmt.Errorf("set_by_caller magnitude %q not set", m.Tag)
		}
		return v, nil
	case DiceRoll:
		if in.env.Roller == nil {
			return 0, fmt.Errorf("dice magnitude %q without a roller", m.Dice)
		}
		expr, err := dice.Parse(m.Dice)
		if err != nil {
			return 0, err
		}
		return float64(in.env.Roller.RollSeeded(expr, dice.SeedFor(in.seed)).Total()), nil
	case Script:
		if in.env.Calculator == nil {
			return 0, fmt.Errorf("script magnitude %q without a calculator", m.Script)
		}
		return in.env.Calculator.Calculate(m.Script, spec.calculationParams(in.target))
	}
	return 0, fmt.Errorf("unknown magnitude kind %q", m.Kind)
}
