package effect

import (
	"fmt"
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Context records who caused an application.
type Context struct {
	InstigatorID string
	SourceID     string
	AbilityID    string
	Key          prediction.Key
}

// Spec is a definition made ready for application: level, context, captured
// source state, caller-supplied magnitudes and, once calculated, the
// evaluated modifier magnitudes and duration.
type Spec struct {
	Def     *Definition
	Level   float64
	Context Context

	SourceTags       tag.Container
	TargetTags       tag.Container
	SourceAttributes map[attribute.Attribute]float64
	SetByCaller      map[tag.Tag]float64

	Magnitudes []float64
	Duration   time.Duration // InfiniteDuration for infinite effects; 0 for instant
	Period     time.Duration
	StackCount int
}

// NewSpec creates a spec for def at level.
//
// Precondition: def must be non-nil.
func NewSpec(def *Definition, level float64, ctx Context) *Spec {
	return &Spec{
		Def:              def,
		Level:            level,
		Context:          ctx,
		SourceAttributes: make(map[attribute.Attribute]float64),
		SetByCaller:      make(map[tag.Tag]float64),
		StackCount:       1,
	}
}

// SetSetByCallerMagnitude records a caller-supplied magnitude.
func (s *Spec) SetSetByCallerMagnitude(t tag.Tag, v float64) {
	s.SetByCaller[t] = v
	s.Magnitudes = nil
}

// CaptureSource snapshots the source's tags and attributes.
func (s *Spec) CaptureSource(tags tag.Container, attrs map[attribute.Attribute]float64) {
	s.SourceTags = tags.Clone()
	for k, v := range attrs {
		s.SourceAttributes[k] = v
	}
}

// Clone returns a deep copy of s sharing the definition.
func (s *Spec) Clone() *Spec {
	out := *s
	out.SourceTags = s.SourceTags.Clone()
	out.TargetTags = s.TargetTags.Clone()
	out.SourceAttributes = make(map[attribute.Attribute]float64, len(s.SourceAttributes))
	for k, v := range s.SourceAttributes {
		out.SourceAttributes[k] = v
	}
	out.SetByCaller = make(map[tag.Tag]float64, len(s.SetByCaller))
	for k, v := range s.SetByCaller {
		out.SetByCaller[k] = v
	}
	out.Magnitudes = append([]float64(nil), s.Magnitudes...)
	return &out
}

// Calculate evaluates every modifier magnitude and the duration.
// target reads the target's current attribute values.
func (s *Spec) Calculate(env Environment, target func(attribute.Attribute) float64) error {
	seed := fmt.Sprintf("%s/%s/%d", s.Context.SourceID, s.Def.ID, s.Context.Key.Current)
	in := magnitudeInput{spec: s, target: target, env: env}
	mags := make([]float64, len(s.Def.Modifiers))
	for i, m := range s.Def.Modifiers {
		in.seed = fmt.Sprintf("%s/%d", seed, i)
		v, err := m.Magnitude.evaluate(in)
		if err != nil {
			return fmt.Errorf("%w: effect %q modifier %d: %v", ErrMagnitude, s.Def.ID, i, err)
		}
		mags[i] = v
	}
	s.Magnitudes = mags
	switch s.Def.DurationPolicy {
	case Infinite:
		s.Duration = InfiniteDuration
	case HasDuration:
		in.seed = seed + "/duration"
		v, err := s.Def.Duration.evaluate(in)
		if err != nil {
			return fmt.Errorf("%w: effect %q duration: %v", ErrMagnitude, s.Def.ID, err)
		}
		if v <= 0 {
			return fmt.Errorf("%w: effect %q duration %v must be positive", ErrMagnitude, s.Def.ID, v)
		}
		s.Duration = seconds(v)
	default:
		s.Duration = 0
	}
	s.Period = s.Def.PeriodDuration()
	return nil
}

func (s *Spec) calculationParams(target func(attribute.Attribute) float64) CalculationParams {
	p := CalculationParams{
		EffectID:    s.Def.ID,
		Level:       s.Level,
		Source:      make(map[string]float64, len(s.SourceAttributes)),
		Target:      make(map[string]float64),
		SetByCaller: make(map[string]float64, len(s.SetByCaller)),
	}
	for k, v := range s.SourceAttributes {
		p.Source[string(k)] = v
	}
	for k, v := range s.SetByCaller {
		p.SetByCaller[string(k)] = v
	}
	for _, m := range s.Def.Modifiers {
		p.Target[string(m.Attribute)] = target(m.Attribute)
	}
	return p
}
