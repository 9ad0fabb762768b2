package ability

import (
	"fmt"

	"github.com/cory-johannsen/gameplay/internal/game/observer"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// Handle identifies a granted ability spec. Handles are assigned by the
// authority and replicated, so they agree across machines.
type Handle uint64

// IsValid reports whether h can refer to a spec.
func (h Handle) IsValid() bool { return h != 0 }

// ActivationMode is the state of one activation attempt.
type ActivationMode uint8

const (
	// Authority: running on the server (or standalone) for real.
	Authority ActivationMode = iota
	// NonAuthority: running on a client without a prediction key.
	NonAuthority
	// Predicting: running speculatively on a client under a prediction key.
	Predicting
	// Confirmed: a predicted run the server has validated.
	Confirmed
)

func (m ActivationMode) String() string {
	switch m {
	case Authority:
		return "authority"
	case NonAuthority:
		return "non_authority"
	case Predicting:
		return "predicting"
	case Confirmed:
		return "confirmed"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ActivationInfo describes one activation: its mode and prediction key.
type ActivationInfo struct {
	Mode ActivationMode
	Key  prediction.Key
}

// EventData is the payload of a gameplay event and of event-triggered
// activations.
type EventData struct {
	Tag            tag.Tag
	InstigatorID   string
	TargetID       string
	Magnitude      float64
	InstigatorTags tag.Container
	TargetTags     tag.Container
	Targets        targeting.Handle
}

// Spec is one granted ability.
type Spec struct {
	Handle Handle
	Def    *Definition
	Level  float64
	// InputID binds the spec to an input; 0 is unbound.
	InputID int
	// ActiveCount counts running activations.
	ActiveCount  int
	InputPressed bool
	// Activation is stamped at the start of every activation.
	Activation ActivationInfo

	Cost     CostPolicy
	Cooldown CooldownPolicy
	behavior Behavior

	instance  *Instance
	instances []*Instance
	// tagTriggered is the activation started by an owned-tag-present trigger.
	tagTriggered *Instance
	subs         observer.Group
}

// IsActive reports whether any activation of the spec is running.
func (s *Spec) IsActive() bool { return s.ActiveCount > 0 }

// Instances returns the running instances.
func (s *Spec) Instances() []*Instance {
	var out []*Instance
	if s.instance != nil && s.instance.active {
		out = append(out, s.instance)
	}
	for _, inst := range s.instances {
		if inst.active {
			out = append(out, inst)
		}
	}
	return out
}

// Primary returns the per-actor instance, which exists once the spec has
// activated.
func (s *Spec) Primary() *Instance { return s.instance }

func (s *Spec) dropInstance(inst *Instance) {
	for i, cur := range s.instances {
		if cur == inst {
			s.instances = append(s.instances[:i], s.instances[i+1:]...)
			return
		}
	}
}

func (s *Spec) findByKey(key prediction.Key) *Instance {
	for _, inst := range s.Instances() {
		if inst.Info.Key.Current == key.Current {
			return inst
		}
	}
	return nil
}
