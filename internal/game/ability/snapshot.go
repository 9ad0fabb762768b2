package ability

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameplay/internal/game/attribute"
	"github.com/cory-johannsen/gameplay/internal/game/effect"
	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/game/tag"
)

// SpecState is the replicated form of a granted spec.
type SpecState struct {
	Handle      Handle  `json:"handle"`
	AbilityID   string  `json:"ability"`
	Level       float64 `json:"level"`
	InputID     int     `json:"input,omitempty"`
	ActiveCount int     `json:"active,omitempty"`
}

// Snapshot is the authority's replicated state of one entity as seen by
// one connection.
type Snapshot struct {
	EntityID string `json:"entity"`
	// AckedKey is the highest key the authority processed from the
	// recipient; zero for every other connection.
	AckedKey       prediction.Key                  `json:"-"`
	Attributes     map[attribute.Attribute]float64 `json:"attributes"`
	Abilities      []SpecState                     `json:"abilities"`
	Effects        []effect.State                  `json:"effects"`
	LooseTags      map[tag.Tag]int                 `json:"loose_tags,omitempty"`
	ActivationTags map[tag.Tag]int                 `json:"activation_tags,omitempty"`
}

// Snapshot captures the engine's replicated state for recipient. Only the
// owning connection sees prediction keys.
//
// Precondition: e is the authority.
func (e *Engine) Snapshot(recipient prediction.ConnID) Snapshot {
	snap := Snapshot{
		EntityID:       e.cfg.EntityID,
		Attributes:     make(map[attribute.Attribute]float64),
		Effects:        e.effects.Export(recipient),
		LooseTags:      copyCounts(e.loose),
		ActivationTags: copyCounts(e.activationTag),
	}
	if recipient != "" && recipient == e.cfg.Conn {
		snap.AckedKey = e.lastKey.ForRecipient(recipient)
	}
	for _, a := range e.attrs.Attributes() {
		snap.Attributes[a] = e.attrs.BaseValue(a)
	}
	for _, s := range e.Specs() {
		snap.Abilities = append(snap.Abilities, SpecState{
			Handle:      s.Handle,
			AbilityID:   s.Def.ID,
			Level:       s.Level,
			InputID:     s.InputID,
			ActiveCount: s.ActiveCount,
		})
	}
	return snap
}

// ApplySnapshot reconciles a client engine with the authority's state:
// granted specs, base attribute values, active effects and replicated tags.
// On the owning client it then resolves every prediction key up to the
// acknowledged one. Every problem is reported in the joined error; the rest
// of the snapshot still applies.
func (e *Engine) ApplySnapshot(snap Snapshot) error {
	if e.authority() {
		return fmt.Errorf("applying snapshot to %s: %w", e.cfg.EntityID, ErrNotAuthority)
	}
	var errs []error

	seen := make(map[Handle]bool, len(snap.Abilities))
	for _, st := range snap.Abilities {
		seen[st.Handle] = true
		s, ok := e.specs[st.Handle]
		if !ok || s.Def.ID != st.AbilityID {
			if ok {
				e.clearAbility(st.Handle, true)
			}
			var err error
			if s, err = e.giveWithHandle(st.Handle, st.AbilityID, st.Level, st.InputID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		s.Level = st.Level
		s.InputID = st.InputID
		if e.cfg.Role == RoleSimulated {
			s.ActiveCount = st.ActiveCount
		}
	}
	for h := range e.specs {
		if !seen[h] {
			e.clearAbility(h, true)
		}
	}

	for a, v := range snap.Attributes {
		e.attrs.SetBaseValue(a, v)
	}
	if err := e.effects.Import(snap.Effects, e.catalog.Effect); err != nil {
		errs = append(errs, err)
	}

	syncCounts(e.loose, snap.LooseTags, e.SetLooseGameplayTagCount)
	if e.cfg.Role == RoleSimulated {
		syncCounts(e.activationTag, snap.ActivationTags, func(t tag.Tag, n int) {
			e.updateActivationTags([]tag.Tag{t}, n-e.activationTag[t])
		})
	}

	if e.cfg.Role == RoleAutonomous && snap.AckedKey.Current > e.ackedKey.Current {
		e.ackedKey = prediction.Key{Current: snap.AckedKey.Current}
		e.ledger.CatchUpTo(e.ackedKey)
	}
	e.attrs.Flush()

	if err := errors.Join(errs...); err != nil {
		e.logger.Warn("snapshot applied with errors", zap.Error(err))
		return err
	}
	return nil
}

// giveWithHandle grants a replicated spec under the authority's handle.
func (e *Engine) giveWithHandle(h Handle, id string, level float64, inputID int) (*Spec, error) {
	def, ok := e.catalog.Abilities.Get(id)
	if !ok {
		return nil, fmt.Errorf("replicated ability %q: %w", id, ErrAbilityNotFound)
	}
	return e.giveSpec(h, def, level, inputID)
}

func syncCounts(have, want map[tag.Tag]int, set func(tag.Tag, int)) {
	for t := range have {
		if _, ok := want[t]; !ok {
			set(t, 0)
		}
	}
	for t, n := range want {
		set(t, n)
	}
}
