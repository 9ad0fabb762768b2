package tag

import (
	"sort"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
)

// EventType selects which count transitions a subscriber observes.
type EventType int

const (
	// EventNewOrRemoved fires when a tag's count moves between zero and non-zero.
	EventNewOrRemoved EventType = iota
	// EventAnyCountChange fires on every count change.
	EventAnyCountChange
)

// CountChange describes one tag count transition.
type CountChange struct {
	Tag      Tag
	OldCount int
	NewCount int
}

// Added reports whether the tag went from absent to present.
func (c CountChange) Added() bool { return c.OldCount == 0 && c.NewCount > 0 }

// Removed reports whether the tag went from present to absent.
func (c CountChange) Removed() bool { return c.OldCount > 0 && c.NewCount == 0 }

type eventKey struct {
	tag  Tag
	kind EventType
}

// CountContainer tracks reference counts of owned tags. Adding "A.B.C"
// implicitly counts "A.B" and "A" as well, so queries for a parent succeed
// while any descendant is owned.
//
// CountContainer is not safe for concurrent use; the owning engine
// serialises access.
type CountContainer struct {
	explicit map[Tag]int
	implied  map[Tag]int
	events   *observer.Registry[eventKey, CountChange]
	any      *observer.List[CountChange]
}

// NewCountContainer creates an empty CountContainer.
func NewCountContainer() *CountContainer {
	return &CountContainer{
		explicit: make(map[Tag]int),
		implied:  make(map[Tag]int),
		events:   observer.NewRegistry[eventKey, CountChange](),
		any:      observer.NewList[CountChange](),
	}
}

// UpdateCount adds delta to the explicit count of t (and the implied count of
// its ancestors). Counts never drop below zero.
//
// Postcondition: returns true if the explicit presence of t changed.
func (c *CountContainer) UpdateCount(t Tag, delta int) bool {
	if !t.IsValid() || delta == 0 {
		return false
	}
	oldExplicit := c.explicit[t]
	newExplicit := oldExplicit + delta
	if newExplicit < 0 {
		newExplicit = 0
	}
	applied := newExplicit - oldExplicit
	if applied == 0 {
		return false
	}
	if newExplicit == 0 {
		delete(c.explicit, t)
	} else {
		c.explicit[t] = newExplicit
	}

	var changes []CountChange
	for _, lt := range t.Lineage() {
		before := c.implied[lt]
		after := before + applied
		if after <= 0 {
			delete(c.implied, lt)
			after = 0
		} else {
			c.implied[lt] = after
		}
		changes = append(changes, CountChange{Tag: lt, OldCount: before, NewCount: after})
	}
	for _, ch := range changes {
		c.events.Publish(eventKey{tag: ch.Tag, kind: EventAnyCountChange}, ch)
		if ch.Added() || ch.Removed() {
			c.events.Publish(eventKey{tag: ch.Tag, kind: EventNewOrRemoved}, ch)
		}
		c.any.Publish(ch)
	}
	return (oldExplicit == 0) != (newExplicit == 0)
}

// UpdateContainer applies delta to every tag in tags.
func (c *CountContainer) UpdateContainer(tags Container, delta int) {
	for _, t := range tags.tags {
		c.UpdateCount(t, delta)
	}
}

// SetCount forces the explicit count of t to n.
func (c *CountContainer) SetCount(t Tag, n int) {
	c.UpdateCount(t, n-c.explicit[t])
}

// Count returns the implied count of t (explicit plus descendants).
func (c *CountContainer) Count(t Tag) int {
	return c.implied[t]
}

// ExplicitCount returns the count of t itself, ignoring descendants.
func (c *CountContainer) ExplicitCount(t Tag) int {
	return c.explicit[t]
}

// HasMatchingTag reports whether t or any descendant of t is owned.
func (c *CountContainer) HasMatchingTag(t Tag) bool {
	return c.implied[t] > 0
}

// HasAny reports whether any tag of tags is owned.
func (c *CountContainer) HasAny(tags Container) bool {
	for _, t := range tags.tags {
		if c.HasMatchingTag(t) {
			return true
		}
	}
	return false
}

// HasAll reports whether every tag of tags is owned.
func (c *CountContainer) HasAll(tags Container) bool {
	for _, t := range tags.tags {
		if !c.HasMatchingTag(t) {
			return false
		}
	}
	return true
}

// Container returns the explicitly owned tags in lexical order.
func (c *CountContainer) Container() Container {
	tags := make([]Tag, 0, len(c.explicit))
	for t := range c.explicit {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return Container{tags: tags}
}

// Explicit returns a copy of the explicit counts.
func (c *CountContainer) Explicit() map[Tag]int {
	out := make(map[Tag]int, len(c.explicit))
	for t, n := range c.explicit {
		out[t] = n
	}
	return out
}

// RegisterEvent subscribes fn to count transitions of t.
func (c *CountContainer) RegisterEvent(t Tag, kind EventType, fn func(CountChange)) observer.Subscription {
	return c.events.Subscribe(eventKey{tag: t, kind: kind}, fn)
}

// RegisterAny subscribes fn to every count change of every tag.
func (c *CountContainer) RegisterAny(fn func(CountChange)) observer.Subscription {
	return c.any.Subscribe(fn)
}
