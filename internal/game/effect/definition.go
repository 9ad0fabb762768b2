// Package effect implements GameplayEffects: definitions loaded from YAML,
// specs ready for application, and the per-entity container of active
// effects that keeps aggregators, owned tags and cues consistent.
package effect

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// DurationPolicy selects how long an applied effect lives.
type DurationPolicy string

const (
	Instant     DurationPolicy = "instant"
	HasDuration DurationPolicy = "has_duration"
	Infinite    DurationPolicy = "infinite"
)

// StackingType selects how repeated applications combine.
type StackingType string

const (
	// StackNone creates an independent active effect per application.
	StackNone StackingType = "none"
	// StackBySource keeps one stack per source entity.
	StackBySource StackingType = "aggregate_by_source"
	// StackByTarget keeps one stack per target regardless of source.
	StackByTarget StackingType = "aggregate_by_target"
)

// DurationRefreshPolicy decides whether a new stack restarts the duration.
type DurationRefreshPolicy string

const (
	RefreshOnApplication DurationRefreshPolicy = "refresh_on_successful_application"
	NeverRefresh         DurationRefreshPolicy = "never_refresh"
)

// PeriodResetPolicy decides whether a new stack restarts the period phase.
type PeriodResetPolicy string

const (
	ContinuePeriod       PeriodResetPolicy = "continue"
	ResetPeriodOnApplied PeriodResetPolicy = "reset_on_successful_application"
)

// ExpirationPolicy decides what happens to a stack when its duration ends.
type ExpirationPolicy string

const (
	ClearEntireStack       ExpirationPolicy = "clear_entire_stack"
	RemoveSingleStack      ExpirationPolicy = "remove_single_stack_and_refresh_duration"
	RefreshDurationOnLapse ExpirationPolicy = "refresh_duration"
)

// InfiniteDuration is reported for effects that never expire by timer.
const InfiniteDuration time.Duration = -1

// Stacking configures aggregate stacking.
type Stacking struct {
	Type       StackingType          `yaml:"type"`
	Limit      int                   `yaml:"limit"` // 0 = unbounded
	Refresh    DurationRefreshPolicy `yaml:"duration_refresh"`
	PeriodRule PeriodResetPolicy     `yaml:"period_reset"`
	Expiration ExpirationPolicy      `yaml:"expiration"`
}

// ModifierDef is one attribute modification an effect performs.
type ModifierDef struct {
	Attribute    attribute.Attribute       `yaml:"attribute"`
	Op           attribute.Op              `yaml:"op"`
	Magnitude    MagnitudeDef              `yaml:"magnitude"`
	Requirements attribute.TagRequirements `yaml:"requirements"`
}

// IncomingModifierDef alters the magnitudes of specs applied to the owner
// while this effect is active, e.g. a damage reduction aura.
type IncomingModifierDef struct {
	Attribute attribute.Attribute `yaml:"attribute"`
	Op        attribute.Op        `yaml:"op"`
	Magnitude float64             `yaml:"magnitude"`
	// Requirements are matched against the incoming spec's asset tags.
	Requirements tag.Requirements `yaml:"requirements"`
	// NegativeOnly restricts the alteration to modifiers with negative
	// magnitude.
	NegativeOnly bool `yaml:"negative_only"`
}

// Definition is the static description of a GameplayEffect.
type Definition struct {
	ID                      string                `yaml:"id"`
	Description             string                `yaml:"description"`
	DurationPolicy          DurationPolicy        `yaml:"duration_policy"`
	Duration                MagnitudeDef          `yaml:"duration"` // seconds
	Period                  float64               `yaml:"period"`   // seconds; 0 = not periodic
	ExecutePeriodOnApply    bool                  `yaml:"execute_period_on_application"`
	Modifiers               []ModifierDef         `yaml:"modifiers"`
	IncomingModifiers       []IncomingModifierDef `yaml:"incoming_modifiers"`
	GrantedTags             []tag.Tag             `yaml:"granted_tags"`
	AssetTags               []tag.Tag             `yaml:"asset_tags"`
	ApplicationRequirements tag.Requirements      `yaml:"application_requirements"`
	RemoveEffectsWithTags   []tag.Tag             `yaml:"remove_effects_with_tags"`
	ImmunityTags            []tag.Tag             `yaml:"immunity_tags"`
	Stacking                Stacking              `yaml:"stacking"`
	Cues                    []tag.Tag             `yaml:"cues"`
}

// Granted returns the granted tags as a container.
func (d *Definition) Granted() tag.Container { return tag.NewContainer(d.GrantedTags...) }

// Assets returns the asset tags as a container.
func (d *Definition) Assets() tag.Container { return tag.NewContainer(d.AssetTags...) }

// PeriodDuration returns Period as a time.Duration.
func (d *Definition) PeriodDuration() time.Duration { return seconds(d.Period) }

// IsStacking reports whether repeated applications aggregate.
func (d *Definition) IsStacking() bool {
	return d.Stacking.Type != "" && d.Stacking.Type != StackNone && d.DurationPolicy != Instant
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func (d *Definition) applyDefaults() {
	if d.DurationPolicy == "" {
		d.DurationPolicy = Instant
	}
	if d.Stacking.Type == "" {
		d.Stacking.Type = StackNone
	}
	if d.Stacking.Refresh == "" {
		d.Stacking.Refresh = RefreshOnApplication
	}
	if d.Stacking.PeriodRule == "" {
		d.Stacking.PeriodRule = ContinuePeriod
	}
	if d.Stacking.Expiration == "" {
		d.Stacking.Expiration = ClearEntireStack
	}
}

// Validate applies defaults and reports every problem with d.
//
// Postcondition: returns nil if d can be applied.
func (d *Definition) Validate() error {
	d.applyDefaults()
	var errs []string
	if d.ID == "" {
		errs = append(errs, "id must not be empty")
	}
	switch d.DurationPolicy {
	case Instant, Infinite:
	case HasDuration:
		if d.Duration.IsZero() {
			errs = append(errs, "has_duration requires duration")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown duration_policy %q", d.DurationPolicy))
	}
	if d.Period < 0 {
		errs = append(errs, "period must be >= 0")
	}
	if d.Period > 0 && d.DurationPolicy == Instant {
		errs = append(errs, "instant effects cannot be periodic")
	}
	switch d.Stacking.Type {
	case StackNone, StackBySource, StackByTarget:
	default:
		errs = append(errs, fmt.Sprintf("unknown stacking type %q", d.Stacking.Type))
	}
	if d.Stacking.Limit < 0 {
		errs = append(errs, "stacking limit must be >= 0")
	}
	switch d.Stacking.Refresh {
	case RefreshOnApplication, NeverRefresh:
	default:
		errs = append(errs, fmt.Sprintf("unknown duration_refresh %q", d.Stacking.Refresh))
	}
	switch d.Stacking.PeriodRule {
	case ContinuePeriod, ResetPeriodOnApplied:
	default:
		errs = append(errs, fmt.Sprintf("unknown period_reset %q", d.Stacking.PeriodRule))
	}
	switch d.Stacking.Expiration {
	case ClearEntireStack, RemoveSingleStack, RefreshDurationOnLapse:
	default:
		errs = append(errs, fmt.Sprintf("unknown expiration %q", d.Stacking.Expiration))
	}
	for i, m := range d.Modifiers {
		if m.Attribute == "" {
			errs = append(errs, fmt.Sprintf("modifier %d: attribute must not be empty", i))
		}
		if err := m.Magnitude.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("modifier %d: %v", i, err))
		}
	}
	for _, group := range [][]tag.Tag{d.GrantedTags, d.AssetTags, d.RemoveEffectsWithTags, d.ImmunityTags, d.Cues} {
		for _, t := range group {
			if !t.IsValid() {
				errs = append(errs, fmt.Sprintf("invalid tag %q", t))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("effect %q: %s", d.ID, strings.Join(errs, "; "))
	}
	return nil
}

var (
	// ErrInvalidSpec is returned for specs without a definition.
	ErrInvalidSpec = errors.New("invalid effect spec")
	// ErrApplicationBlocked is returned when the target's tags fail the
	// definition's application requirements.
	ErrApplicationBlocked = errors.New("effect application requirements not met")
	// ErrImmune is returned when an active effect grants immunity to the
	// incoming spec.
	ErrImmune = errors.New("target is immune to effect")
	// ErrUnknownAttribute is returned when a modifier references an
	// attribute the owner does not have.
	ErrUnknownAttribute = errors.New("unknown attribute")
	// ErrMagnitude is returned when a magnitude cannot be calculated.
	ErrMagnitude = errors.New("magnitude calculation failed")
)
