package ability

import (
	"errors"
	"time"

	"github.com/cory-johannsen/gameplay/internal/game/tag"
	"github.com/cory-johannsen/gameplay/internal/game/targeting"
)

// TaskState is the lifecycle of a Task.
type TaskState uint8

const (
	// TaskPending tasks wait for their event.
	TaskPending TaskState = iota
	// TaskCompleted tasks delivered their event.
	TaskCompleted
	// TaskAbandoned tasks were cancelled or outlived their activation.
	TaskAbandoned
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskCompleted:
		return "completed"
	case TaskAbandoned:
		return "abandoned"
	}
	return "unknown"
}

var (
	// ErrNoMontagePlayer is returned by PlayMontageAndWait when the engine
	// has no MontagePlayer.
	ErrNoMontagePlayer = errors.New("no montage player configured")
	// ErrNoTargeting is returned by WaitTargetData when the engine has no
	// targeting provider.
	ErrNoTargeting = errors.New("no targeting provider configured")
)

// Task is a continuation an ability instance waits on. The instance holds
// its outstanding tasks; when the activation ends each one is abandoned and
// its ended hook runs exactly once.
type Task struct {
	name    string
	inst    *Instance
	state   TaskState
	stop    func()
	onEnded func()
}

// NewTask registers a task on inst. onEnded, if non-nil, runs when the
// activation ends while the task is still pending. A task created on an
// inactive instance starts abandoned.
func NewTask(inst *Instance, name string, onEnded func()) *Task {
	t := &Task{name: name, inst: inst, onEnded: onEnded}
	if !inst.active {
		t.state = TaskAbandoned
		return t
	}
	inst.addTask(t)
	return t
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// State returns the task's state.
func (t *Task) State() TaskState { return t.state }

// Instance returns the instance the task belongs to.
func (t *Task) Instance() *Instance { return t.inst }

// Complete marks t completed. It reports false if t was no longer pending,
// in which case the caller must not resume the ability.
func (t *Task) Complete() bool {
	if t.state != TaskPending {
		return false
	}
	t.state = TaskCompleted
	t.release()
	t.inst.removeTask(t)
	return true
}

// Cancel abandons t without running its ended hook.
func (t *Task) Cancel() {
	if t.state != TaskPending {
		return
	}
	t.state = TaskAbandoned
	t.release()
	t.inst.removeTask(t)
}

// abilityEnded is called by the engine once per pending task when the
// activation ends.
func (t *Task) abilityEnded() {
	if t.state != TaskPending {
		return
	}
	t.state = TaskAbandoned
	t.release()
	if t.onEnded != nil {
		t.onEnded()
	}
}

func (t *Task) release() {
	if t.stop != nil {
		stop := t.stop
		t.stop = nil
		stop()
	}
}

// WaitDelay resumes fn after d of game time.
func WaitDelay(inst *Instance, d time.Duration, fn func()) *Task {
	t := NewTask(inst, "wait_delay", nil)
	if t.state != TaskPending {
		return t
	}
	timers := inst.engine.timers
	h := timers.Set(d, 0, func() {
		if t.Complete() {
			inst.within(fn)
		}
	})
	t.stop = func() { timers.Clear(h) }
	return t
}

// WaitGameplayEvent resumes fn for every gameplay event matching
// tag hierarchically; with once set the task completes on the first.
func WaitGameplayEvent(inst *Instance, event tag.Tag, once bool, fn func(EventData)) *Task {
	t := NewTask(inst, "wait_gameplay_event", nil)
	if t.state != TaskPending {
		return t
	}
	sub := inst.engine.events.Subscribe(event, func(ev EventData) {
		if t.state != TaskPending {
			return
		}
		if once {
			t.Complete()
		}
		inst.within(func() { fn(ev) })
	})
	t.stop = sub.Cancel
	return t
}

// WaitTagChange resumes fn once the owner's presence of owned matches
// present. If it already does, fn runs immediately and the returned task is
// completed.
func WaitTagChange(inst *Instance, owned tag.Tag, present bool, fn func()) *Task {
	t := NewTask(inst, "wait_tag_change", nil)
	if t.state != TaskPending {
		return t
	}
	tags := inst.engine.tags
	if tags.HasMatchingTag(owned) == present {
		t.Complete()
		inst.within(fn)
		return t
	}
	sub := tags.RegisterEvent(owned, tag.EventNewOrRemoved, func(ch tag.CountChange) {
		if (present && ch.Added()) || (!present && ch.Removed()) {
			if t.Complete() {
				inst.within(fn)
			}
		}
	})
	t.stop = sub.Cancel
	return t
}

// PlayMontageAndWait plays montage through the engine's MontagePlayer and
// resumes fn when it completes or is interrupted. While it plays, the
// instance is the engine's animating ability.
func PlayMontageAndWait(inst *Instance, montage string, rate float64, section string, fn func(MontageResult)) (*Task, error) {
	e := inst.engine
	if e.cfg.Montages == nil {
		return nil, ErrNoMontagePlayer
	}
	t := NewTask(inst, "play_montage", nil)
	if t.state != TaskPending {
		return t, nil
	}
	e.montageSeq++
	req := MontageRequest{
		Token:        e.montageSeq,
		OwnerID:      e.cfg.EntityID,
		AbilityID:    inst.spec.Def.ID,
		Info:         inst.Info,
		Montage:      montage,
		PlayRate:     rate,
		StartSection: section,
	}
	stopped := false
	_, err := e.cfg.Montages.PlayMontage(req, func(r MontageResult) {
		stopped = true
		if e.animating == inst {
			e.animating = nil
		}
		if t.Complete() {
			inst.within(func() { fn(r) })
		}
	})
	if err != nil {
		t.Cancel()
		return nil, err
	}
	if t.state == TaskPending {
		e.animating = inst
		t.stop = func() {
			if !stopped {
				stopped = true
				e.cfg.Montages.StopMontage(req)
			}
		}
	}
	return t, nil
}

// WaitTargetData acquires target data and resumes fn with it.
//
// A predicting client asks its targeting provider, forwards the result to
// the server under a key dependent on the activation and resumes fn inside
// that key's prediction window. The authority of a remotely controlled
// ability instead waits for the client's replicated data, which may arrive
// before the task starts.
func WaitTargetData(inst *Instance, conf targeting.Confirmation, fn func(targeting.Result)) (*Task, error) {
	e := inst.engine
	t := NewTask(inst, "wait_target_data", nil)
	if t.state != TaskPending {
		return t, nil
	}
	if e.awaitsClientTargets(inst.spec.Def) {
		k := targetKey{handle: inst.spec.Handle, key: inst.Info.Key.Current}
		deliver := func(rt replicatedTarget) {
			if !t.Complete() {
				return
			}
			e.withKey(rt.key, func() { fn(targeting.Result{Handle: rt.data, Cancelled: rt.cancelled}) })
		}
		if rt, ok := e.pendingTargets[k]; ok {
			delete(e.pendingTargets, k)
			deliver(rt)
			return t, nil
		}
		e.targetWaiters[k] = deliver
		t.stop = func() { delete(e.targetWaiters, k) }
		return t, nil
	}
	if e.cfg.Targeting == nil {
		t.Cancel()
		return nil, ErrNoTargeting
	}
	req := targeting.Request{
		OwnerID:      e.cfg.EntityID,
		AbilityID:    inst.spec.Def.ID,
		Confirmation: conf,
	}
	abandon := e.cfg.Targeting.StartTargeting(req, func(res targeting.Result) {
		if t.Complete() {
			e.deliverLocalTargets(inst, res, fn)
		}
	})
	if t.state == TaskPending {
		t.stop = abandon
	}
	return t, nil
}
