// Package ability implements the ability engine: granted ability specs, the
// activation and prediction state machine, ability instances with their
// tasks, and tag-driven triggers.
package ability

import (
	"fmt"
	"strings"

	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// NetExecutionPolicy declares which machine runs an ability first.
type NetExecutionPolicy string

const (
	// LocalOnly runs on the controlling machine only and is never replicated.
	LocalOnly NetExecutionPolicy = "local_only"
	// LocalPredicted runs speculatively on the controlling client under a
	// prediction key while the server validates.
	LocalPredicted NetExecutionPolicy = "local_predicted"
	// ServerInitiated runs on the server first; the client follows.
	ServerInitiated NetExecutionPolicy = "server_initiated"
	// ServerOnly runs on the server only.
	ServerOnly NetExecutionPolicy = "server_only"
)

// InstancingPolicy declares how ability instances are allocated.
type InstancingPolicy string

const (
	// InstancedPerActor keeps one persistent instance per granted spec.
	InstancedPerActor InstancingPolicy = "instanced_per_actor"
	// InstancedPerExecution creates a fresh instance per activation.
	InstancedPerExecution InstancingPolicy = "instanced_per_execution"
)

// TriggerSource selects what fires a trigger.
type TriggerSource string

const (
	// TriggerGameplayEvent fires on a gameplay event whose tag matches.
	TriggerGameplayEvent TriggerSource = "gameplay_event"
	// TriggerOwnedTagAdded fires when the owner gains the tag.
	TriggerOwnedTagAdded TriggerSource = "owned_tag_added"
	// TriggerOwnedTagPresent fires when the owner gains the tag and cancels
	// the activation it started when the tag is lost.
	TriggerOwnedTagPresent TriggerSource = "owned_tag_present"
)

// Trigger activates an ability automatically.
type Trigger struct {
	Tag    tag.Tag       `yaml:"tag"`
	Source TriggerSource `yaml:"source"`
}

// Definition is the static description of an ability.
type Definition struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	// Behavior names the registered Behavior that runs the ability.
	Behavior string `yaml:"behavior"`

	Tags                   []tag.Tag `yaml:"tags"`
	CancelAbilitiesWithTag []tag.Tag `yaml:"cancel_abilities_with_tag"`
	BlockAbilitiesWithTag  []tag.Tag `yaml:"block_abilities_with_tag"`
	ActivationOwnedTags    []tag.Tag `yaml:"activation_owned_tags"`

	ActivationRequired []tag.Tag `yaml:"activation_required_tags"`
	ActivationBlocked  []tag.Tag `yaml:"activation_blocked_tags"`
	SourceRequired     []tag.Tag `yaml:"source_required_tags"`
	SourceBlocked      []tag.Tag `yaml:"source_blocked_tags"`
	TargetRequired     []tag.Tag `yaml:"target_required_tags"`
	TargetBlocked      []tag.Tag `yaml:"target_blocked_tags"`

	// Cost and Cooldown are effect definition IDs.
	Cost     string `yaml:"cost"`
	Cooldown string `yaml:"cooldown"`
	// OwnerEffects are applied to the owner and TargetEffects to every
	// targeted entity by the built-in behaviors.
	OwnerEffects  []string `yaml:"owner_effects"`
	TargetEffects []string `yaml:"target_effects"`

	NetExecution NetExecutionPolicy `yaml:"net_execution"`
	Instancing   InstancingPolicy   `yaml:"instancing"`
	// Retrigger lets an active per-actor ability restart when activated again.
	Retrigger bool      `yaml:"retrigger"`
	Triggers  []Trigger `yaml:"triggers"`
	// ServerRespectsRemoteCancel lets a client cancel the server's instance.
	ServerRespectsRemoteCancel bool `yaml:"server_respects_remote_cancel"`
	// CanActivateScript names a scripted predicate consulted after the cost
	// and cooldown checks.
	CanActivateScript string `yaml:"can_activate_script"`

	// Duration is the active time of timed behaviors, in seconds.
	Duration float64 `yaml:"duration"`
	// Montage and PlayRate configure montage behaviors.
	Montage      string  `yaml:"montage"`
	PlayRate     float64 `yaml:"play_rate"`
	StartSection string  `yaml:"start_section"`
	// Targeting configures how targeted behaviors acquire targets.
	Targeting TargetingMode `yaml:"targeting"`
}

// TargetingMode selects target confirmation for targeted behaviors.
type TargetingMode string

const (
	TargetInstant       TargetingMode = "instant"
	TargetUserConfirmed TargetingMode = "user_confirmed"
)

// Confirmation maps m to the targeting provider's confirmation type.
func (m TargetingMode) Confirmation() targeting.Confirmation {
	if m == TargetUserConfirmed {
		return targeting.ConfirmUserConfirmed
	}
	return targeting.ConfirmInstant
}

// AbilityTags returns Tags as a container.
func (d *Definition) AbilityTags() tag.Container { return tag.NewContainer(d.Tags...) }

func (d *Definition) activationRequirements() tag.Requirements {
	return tag.Requirements{Require: d.ActivationRequired, Ignore: d.ActivationBlocked}
}

func (d *Definition) sourceRequirements() tag.Requirements {
	return tag.Requirements{Require: d.SourceRequired, Ignore: d.SourceBlocked}
}

func (d *Definition) targetRequirements() tag.Requirements {
	return tag.Requirements{Require: d.TargetRequired, Ignore: d.TargetBlocked}
}

func (d *Definition) applyDefaults() {
	if d.NetExecution == "" {
		d.NetExecution = LocalPredicted
	}
	if d.Instancing == "" {
		d.Instancing = InstancedPerActor
	}
	if d.Behavior == "" {
		d.Behavior = BehaviorInstant
	}
	if d.PlayRate == 0 {
		d.PlayRate = 1
	}
	if d.Targeting == "" {
		d.Targeting = TargetInstant
	}
}

// Validate applies defaults and reports every problem with d.
//
// Postcondition: returns nil if d can be granted.
func (d *Definition) Validate() error {
	d.applyDefaults()
	var errs []string
	if d.ID == "" {
		errs = append(errs, "id must not be empty")
	}
	switch d.NetExecution {
	case LocalOnly, LocalPredicted, ServerInitiated, ServerOnly:
	default:
		errs = append(errs, fmt.Sprintf("unknown net_execution %q", d.NetExecution))
	}
	switch d.Instancing {
	case InstancedPerActor, InstancedPerExecution:
	default:
		errs = append(errs, fmt.Sprintf("unknown instancing %q", d.Instancing))
	}
	switch d.Targeting {
	case TargetInstant, TargetUserConfirmed:
	default:
		errs = append(errs, fmt.Sprintf("unknown targeting %q", d.Targeting))
	}
	if d.Duration < 0 {
		errs = append(errs, "duration must be >= 0")
	}
	if d.PlayRate < 0 {
		errs = append(errs, "play_rate must be > 0")
	}
	for i, tr := range d.Triggers {
		if !tr.Tag.IsValid() {
			errs = append(errs, fmt.Sprintf("trigger %d: invalid tag %q", i, tr.Tag))
		}
		switch tr.Source {
		case TriggerGameplayEvent, TriggerOwnedTagAdded, TriggerOwnedTagPresent:
		default:
			errs = append(errs, fmt.Sprintf("trigger %d: unknown source %q", i, tr.Source))
		}
	}
	groups := [][]tag.Tag{
		d.Tags, d.CancelAbilitiesWithTag, d.BlockAbilitiesWithTag, d.ActivationOwnedTags,
		d.ActivationRequired, d.ActivationBlocked, d.SourceRequired, d.SourceBlocked,
		d.TargetRequired, d.TargetBlocked,
	}
	for _, g := range groups {
		for _, t := range g {
			if !t.IsValid() {
				errs = append(errs, fmt.Sprintf("invalid tag %q", t))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ability %q: %s", d.ID, strings.Join(errs, "; "))
	}
	return nil
}
