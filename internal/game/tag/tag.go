// Package tag implements hierarchical gameplay tags, tag containers, tag
// requirements, and reference-counted owned tag sets.
package tag

import (
	"sort"
	"strings"
)

// Tag is a dotted hierarchical label such as "Ability.Fire.Fireball".
type Tag string

// IsValid reports whether t is non-empty and has no empty segment.
func (t Tag) IsValid() bool {
	if t == "" {
		return false
	}
	for _, seg := range strings.Split(string(t), ".") {
		if seg == "" {
			return false
		}
	}
	return true
}

// MatchesTag reports whether t equals other or is a descendant of other.
// "A.B.C" matches "A.B" and "A.B.C" but not "A.BC".
func (t Tag) MatchesTag(other Tag) bool {
	if other == "" || t == "" {
		return false
	}
	if t == other {
		return true
	}
	return strings.HasPrefix(string(t), string(other)+".")
}

// MatchesExact reports whether t equals other.
func (t Tag) MatchesExact(other Tag) bool {
	return t != "" && t == other
}

// Parent returns the immediate parent of t, or "" for a root tag.
func (t Tag) Parent() Tag {
	i := strings.LastIndexByte(string(t), '.')
	if i < 0 {
		return ""
	}
	return t[:i]
}

// Lineage returns t followed by all of its ancestors, nearest first.
func (t Tag) Lineage() []Tag {
	var out []Tag
	for cur := t; cur != ""; cur = cur.Parent() {
		out = append(out, cur)
	}
	return out
}

// Container is an ordered set of tags. The zero value is an empty container.
type Container struct {
	tags []Tag
}

// NewContainer builds a container from tags, dropping duplicates and invalid entries.
func NewContainer(tags ...Tag) Container {
	var c Container
	for _, t := range tags {
		c.AddTag(t)
	}
	return c
}

// AddTag inserts t if it is valid and not already present.
func (c *Container) AddTag(t Tag) {
	if !t.IsValid() || c.HasTagExact(t) {
		return
	}
	c.tags = append(c.tags, t)
}

// RemoveTag deletes t. Returns false if t was not present.
func (c *Container) RemoveTag(t Tag) bool {
	for i, cur := range c.tags {
		if cur == t {
			c.tags = append(c.tags[:i:i], c.tags[i+1:]...)
			return true
		}
	}
	return false
}

// AppendContainer adds every tag of other.
func (c *Container) AppendContainer(other Container) {
	for _, t := range other.tags {
		c.AddTag(t)
	}
}

// HasTag reports whether any tag in c matches t hierarchically.
func (c Container) HasTag(t Tag) bool {
	for _, cur := range c.tags {
		if cur.MatchesTag(t) {
			return true
		}
	}
	return false
}

// HasTagExact reports whether t is present verbatim.
func (c Container) HasTagExact(t Tag) bool {
	for _, cur := range c.tags {
		if cur == t {
			return true
		}
	}
	return false
}

// HasAny reports whether c has any tag of other. An empty other yields false.
func (c Container) HasAny(other Container) bool {
	for _, t := range other.tags {
		if c.HasTag(t) {
			return true
		}
	}
	return false
}

// HasAll reports whether c has every tag of other. An empty other yields true.
func (c Container) HasAll(other Container) bool {
	for _, t := range other.tags {
		if !c.HasTag(t) {
			return false
		}
	}
	return true
}

// Len returns the number of tags.
func (c Container) Len() int { return len(c.tags) }

// IsEmpty reports whether c has no tags.
func (c Container) IsEmpty() bool { return len(c.tags) == 0 }

// Tags returns a copy of the tags in insertion order.
func (c Container) Tags() []Tag {
	out := make([]Tag, len(c.tags))
	copy(out, c.tags)
	return out
}

// Clone returns an independent copy of c.
func (c Container) Clone() Container {
	return Container{tags: c.Tags()}
}

// Filter returns the tags of c that match any tag of other.
func (c Container) Filter(other Container) Container {
	var out Container
	for _, t := range c.tags {
		if other.HasAnyParentOf(t) {
			out.AddTag(t)
		}
	}
	return out
}

// HasAnyParentOf reports whether t matches any tag of c.
func (c Container) HasAnyParentOf(t Tag) bool {
	for _, cur := range c.tags {
		if t.MatchesTag(cur) {
			return true
		}
	}
	return false
}

// Sorted returns the tags in lexical order.
func (c Container) Sorted() []Tag {
	out := c.Tags()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String renders the container as a comma separated list.
func (c Container) String() string {
	parts := make([]string, len(c.tags))
	for i, t := range c.tags {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

// Requirements is a pair of tag sets a container must satisfy:
// all of Require present, none of Ignore present.
type Requirements struct {
	Require []Tag `yaml:"require"`
	Ignore  []Tag `yaml:"ignore"`
}

// IsEmpty reports whether r imposes no constraint.
func (r Requirements) IsEmpty() bool {
	return len(r.Require) == 0 && len(r.Ignore) == 0
}

// Met reports whether c satisfies r. Invalid tags in r never match, so a
// malformed Require entry fails the requirement.
func (r Requirements) Met(c Container) bool {
	for _, t := range r.Require {
		if !t.IsValid() || !c.HasTag(t) {
			return false
		}
	}
	for _, t := range r.Ignore {
		if t.IsValid() && c.HasTag(t) {
			return false
		}
	}
	return true
}
