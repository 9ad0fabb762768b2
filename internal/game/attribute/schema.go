package attribute

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// Derivation makes an attribute's base value a linear function of another
// attribute's final value: Coefficient*(From+PreAdd)+PostAdd.
type Derivation struct {
	Attribute   Attribute `yaml:"attribute"`
	From        Attribute `yaml:"from"`
	Coefficient float64   `yaml:"coefficient"`
	PreAdd      float64   `yaml:"pre_add"`
	PostAdd     float64   `yaml:"post_add"`
}

// PolicyLookup resolves a named evaluation policy.
type PolicyLookup func(name string) (EvaluationPolicy, bool)

// Schema is the attribute configuration of a game: defaults, derived
// attributes and per-attribute evaluation policies. It is built once at
// bootstrap and shared read-only by every Set created from it.
type Schema struct {
	Defaults Defaults             `yaml:"defaults"`
	Derived  []Derivation         `yaml:"derived"`
	Policies map[Attribute]string `yaml:"policies"`
}

// BuiltinPolicies names the policies available without scripting.
var BuiltinPolicies = map[string]EvaluationPolicy{
	"most_negative_additive": MostNegativeAdditivePolicy,
}

// Validate reports every problem with s.
func (s Schema) Validate() error {
	var errs []string
	seen := make(map[Attribute]bool)
	for i, d := range s.Derived {
		if d.Attribute == "" || d.From == "" {
			errs = append(errs, fmt.Sprintf("derived %d: attribute and from are required", i))
			continue
		}
		if d.Attribute == d.From {
			errs = append(errs, fmt.Sprintf("derived %q depends on itself", d.Attribute))
		}
		if seen[d.Attribute] {
			errs = append(errs, fmt.Sprintf("derived %q declared twice", d.Attribute))
		}
		seen[d.Attribute] = true
	}
	if len(errs) > 0 {
		return fmt.Errorf("attribute schema: %s", strings.Join(errs, "; "))
	}
	return nil
}

// NewSet creates a Set for one entity. Unknown policy names are reported;
// the attribute keeps the standard fold.
//
// Precondition: s has passed Validate.
func (s Schema) NewSet(tags func() tag.Container, lookup PolicyLookup) (*Set, error) {
	set := NewSet(s.Defaults, tags)
	for _, d := range s.Derived {
		d := d
		coef := d.Coefficient
		if coef == 0 {
			coef = 1
		}
		set.RegisterDerived(d.Attribute, []Attribute{d.From}, func(get func(Attribute) float64) float64 {
			return coef*(get(d.From)+d.PreAdd) + d.PostAdd
		})
	}
	attrs := make([]Attribute, 0, len(s.Policies))
	for a := range s.Policies {
		attrs = append(attrs, a)
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
	var missing []string
	for _, a := range attrs {
		name := s.Policies[a]
		p, ok := BuiltinPolicies[name]
		if !ok && lookup != nil {
			p, ok = lookup(name)
		}
		if !ok {
			missing = append(missing, fmt.Sprintf("%s: %q", a, name))
			continue
		}
		set.SetPolicy(a, p)
	}
	if len(missing) > 0 {
		return set, fmt.Errorf("unknown evaluation policies: %s", strings.Join(missing, ", "))
	}
	return set, nil
}

// Has reports whether attr is defaulted or derived.
func (s Schema) Has(attr Attribute) bool {
	if _, ok := s.Defaults[attr]; ok {
		return true
	}
	for _, d := range s.Derived {
		if d.Attribute == attr {
			return true
		}
	}
	return false
}

// LoadSchema reads a Schema from a YAML file.
//
// Precondition: path must be a readable file.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("reading attribute schema %q: %w", path, err)
	}
	var s Schema
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return Schema{}, fmt.Errorf("parsing attribute schema %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}
