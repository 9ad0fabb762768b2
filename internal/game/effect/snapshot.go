package effect

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/cue"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// State is the replicated form of one active effect.
type State struct {
	Handle       Handle              `json:"handle"`
	DefinitionID string              `json:"definition"`
	Level        float64             `json:"level"`
	StackCount   int                 `json:"stacks"`
	SourceID     string              `json:"source"`
	Key          prediction.Key      `json:"-"`
	Duration     time.Duration       `json:"duration"`
	Remaining    time.Duration       `json:"remaining"`
	Period       time.Duration       `json:"period"`
	Magnitudes   []float64           `json:"magnitudes"`
	SetByCaller  map[tag.Tag]float64 `json:"set_by_caller,omitempty"`
}

// Lookup resolves definitions by ID.
type Lookup func(id string) (*Definition, bool)

// Export returns the replicated state of every confirmed entry. Prediction
// keys are filtered for recipient.
func (c *Container) Export(recipient prediction.ConnID) []State {
	var out []State
	for _, ae := range c.sorted() {
		if ae.instant || ae.predicted {
			continue
		}
		st := State{
			Handle:       ae.Handle,
			DefinitionID: ae.Spec.Def.ID,
			Level:        ae.Spec.Level,
			StackCount:   ae.StackCount,
			SourceID:     ae.Spec.Context.SourceID,
			Key:          ae.Key.ForRecipient(recipient),
			Duration:     ae.Spec.Duration,
			Remaining:    c.remaining(ae),
			Period:       ae.Spec.Period,
			Magnitudes:   append([]float64(nil), ae.Spec.Magnitudes...),
		}
		if len(ae.Spec.SetByCaller) > 0 {
			st.SetByCaller = make(map[tag.Tag]float64, len(ae.Spec.SetByCaller))
			for k, v := range ae.Spec.SetByCaller {
				st.SetByCaller[k] = v
			}
		}
		out = append(out, st)
	}
	return out
}

// Import reconciles the container with the authority's states.
//
// A state carrying a valid key adopts the matching predicted entry instead of
// creating a duplicate. Replicated entries absent from states are removed.
// Unknown definitions are reported but do not stop the import.
func (c *Container) Import(states []State, lookup Lookup) error {
	var errs []error
	seen := make(map[Handle]bool, len(states))
	for _, st := range states {
		seen[st.Handle] = true
		if local, ok := c.byServer[st.Handle]; ok {
			c.syncReplica(c.effects[local], st)
			continue
		}
		def, ok := lookup(st.DefinitionID)
		if !ok {
			errs = append(errs, fmt.Errorf("replicated effect %q: unknown definition", st.DefinitionID))
			continue
		}
		if st.Key.IsValidKey() {
			if ae := c.findPredicted(st.Key, def.ID); ae != nil {
				ae.predicted = false
				ae.replicated = true
				ae.ServerHandle = st.Handle
				c.byServer[st.Handle] = ae.Handle
				c.syncReplica(ae, st)
				continue
			}
		}
		c.createReplica(def, st)
	}
	for server, local := range c.byServer {
		if !seen[server] {
			if ae, ok := c.effects[local]; ok {
				c.remove(ae, false)
			}
		}
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		c.logger.Error("effect import", zap.Error(err))
		return err
	}
	return nil
}

func (c *Container) findPredicted(key prediction.Key, defID string) *ActiveEffect {
	for _, ae := range c.sorted() {
		if ae.predicted && !ae.instant && ae.Key.Current == key.Current && ae.Spec.Def.ID == defID {
			return ae
		}
	}
	return nil
}

func (c *Container) createReplica(def *Definition, st State) {
	spec := NewSpec(def, st.Level, Context{SourceID: st.SourceID, Key: st.Key})
	spec.Magnitudes = append([]float64(nil), st.Magnitudes...)
	spec.Duration = st.Duration
	spec.Period = st.Period
	for k, v := range st.SetByCaller {
		spec.SetByCaller[k] = v
	}
	c.next++
	ae := &ActiveEffect{
		Handle:       c.next,
		Spec:         spec,
		Key:          st.Key,
		StartTime:    c.startFor(st),
		StackCount:   max(st.StackCount, 1),
		ServerHandle: st.Handle,
		replicated:   true,
	}
	c.effects[ae.Handle] = ae
	c.byServer[st.Handle] = ae.Handle
	c.addModifiers(ae)
	c.grantTags(ae, 1)
	c.cueAll(ae, cue.OnActive)
	c.cueAll(ae, cue.WhileActive)
}

func (c *Container) syncReplica(ae *ActiveEffect, st State) {
	if ae == nil {
		return
	}
	changed := ae.StackCount != st.StackCount || len(ae.Spec.Magnitudes) != len(st.Magnitudes)
	for i := 0; !changed && i < len(st.Magnitudes); i++ {
		changed = ae.Spec.Magnitudes[i] != st.Magnitudes[i]
	}
	ae.StackCount = max(st.StackCount, 1)
	ae.Spec.Magnitudes = append(ae.Spec.Magnitudes[:0], st.Magnitudes...)
	ae.Spec.Duration = st.Duration
	ae.StartTime = c.startFor(st)
	if changed {
		c.RecalculateStacking(ae.Handle)
	}
}

func (c *Container) startFor(st State) time.Duration {
	if st.Duration <= 0 {
		return c.Now()
	}
	return c.Now() - (st.Duration - st.Remaining)
}

// LocalHandle maps an authority handle to the local replica's handle.
func (c *Container) LocalHandle(server Handle) (Handle, bool) {
	h, ok := c.byServer[server]
	return h, ok
}
