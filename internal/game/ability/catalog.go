package ability

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/dice"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
)

// PredicateParams is what a scripted activation predicate sees.
type PredicateParams struct {
	AbilityID    string
	OwnerID      string
	Level        float64
	InputPressed bool
	Tags         []string
	Attributes   map[string]float64
}

// Hooks evaluates scripted activation predicates.
type Hooks interface {
	CanActivate(fn string, p PredicateParams) (bool, error)
}

// Catalog is the static game content every engine shares: ability and
// effect definitions, curves, the attribute schema, behaviors and the
// scripting hooks magnitudes and predicates call into.
type Catalog struct {
	Abilities  *Registry
	Effects    *effect.Registry
	Curves     *effect.CurveTable
	Schema     attribute.Schema
	Behaviors  *BehaviorRegistry
	Calculator effect.Calculator
	Roller     *dice.Roller
	Hooks      Hooks
	// Policies resolves attribute evaluation policies named by Schema.
	Policies attribute.PolicyLookup
}

// Env returns the magnitude environment of the catalog.
func (c *Catalog) Env() effect.Environment {
	return effect.Environment{Curves: c.Curves, Calculator: c.Calculator, Roller: c.Roller}
}

// Effect returns the effect definition id.
func (c *Catalog) Effect(id string) (*effect.Definition, bool) {
	if c.Effects == nil {
		return nil, false
	}
	return c.Effects.Get(id)
}

// Validate reports every ability that references a missing effect or
// behavior.
func (c *Catalog) Validate() error {
	if c.Abilities == nil || c.Effects == nil || c.Behaviors == nil {
		return errors.New("catalog: abilities, effects and behaviors are required")
	}
	var errs []error
	for _, def := range c.Abilities.All() {
		refs := append([]string{def.Cost, def.Cooldown}, def.OwnerEffects...)
		refs = append(refs, def.TargetEffects...)
		for _, id := range refs {
			if id == "" {
				continue
			}
			if _, ok := c.Effects.Get(id); !ok {
				errs = append(errs, fmt.Errorf("ability %q: %w %q", def.ID, ErrUnknownEffect, id))
			}
		}
		if _, ok := c.Behaviors.Get(def.Behavior); !ok {
			errs = append(errs, fmt.Errorf("ability %q: unknown behavior %q", def.ID, def.Behavior))
		}
	}
	return errors.Join(errs...)
}

func (c *Catalog) canActivateScript(fn string, e *Engine, s *Spec) (bool, error) {
	if c.Hooks == nil {
		return false, fmt.Errorf("script %q: no scripting hooks", fn)
	}
	p := PredicateParams{
		AbilityID:    s.Def.ID,
		OwnerID:      e.cfg.EntityID,
		Level:        s.Level,
		InputPressed: s.InputPressed,
		Attributes:   make(map[string]float64),
	}
	for _, t := range e.tags.Container().Sorted() {
		p.Tags = append(p.Tags, string(t))
	}
	for _, a := range e.attrs.Attributes() {
		p.Attributes[string(a)] = e.attrs.Value(a)
	}
	return c.Hooks.CanActivate(fn, p)
}

// CatalogFiles names the content a catalog is loaded from. Empty Curves or
// Attributes fields load nothing.
type CatalogFiles struct {
	Abilities  string
	Effects    string
	Curves     string
	Attributes string
}

// LoadCatalog loads content from files and validates cross references.
// Behaviors start as the built-ins; callers add scripting afterwards.
//
// Postcondition: on success the catalog validates.
func LoadCatalog(files CatalogFiles, logger *zap.Logger) (*Catalog, error) {
	abilities, err := LoadDirectory(files.Abilities)
	if err != nil {
		return nil, fmt.Errorf("loading abilities: %w", err)
	}
	effects, err := effect.LoadDirectory(files.Effects)
	if err != nil {
		return nil, fmt.Errorf("loading effects: %w", err)
	}
	return AssembleCatalog(abilities, effects, files, logger)
}

// AssembleCatalog builds a catalog around already loaded definitions,
// reading curves and attributes from files. The Abilities and Effects
// fields of files are ignored.
//
// Postcondition: on success the catalog validates.
func AssembleCatalog(abilities *Registry, effects *effect.Registry, files CatalogFiles, logger *zap.Logger) (*Catalog, error) {
	var err error
	c := &Catalog{
		Abilities: abilities,
		Effects:   effects,
		Curves:    effect.NewCurveTable(nil),
		Behaviors: NewBehaviorRegistry(),
		Roller:    dice.NewRoller(logger),
	}
	if files.Curves != "" {
		if c.Curves, err = effect.LoadCurveTable(files.Curves); err != nil {
			return nil, fmt.Errorf("loading curves: %w", err)
		}
	}
	if files.Attributes != "" {
		if c.Schema, err = attribute.LoadSchema(files.Attributes); err != nil {
			return nil, fmt.Errorf("loading attributes: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger.Info("catalog loaded",
		zap.Int("abilities", abilities.Len()),
		zap.Int("effects", effects.Len()),
		zap.Int("curves", len(c.Curves.Names())),
	)
	return c, nil
}
