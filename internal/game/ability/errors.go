package ability

import (
	"errors"
	"fmt"
)

var (
	// ErrAbilityNotFound is returned for handles that resolve to no granted
	// ability.
	ErrAbilityNotFound = errors.New("ability not found")
	// ErrNetPolicyViolation is returned when an activation is attempted from
	// a machine its net execution policy forbids.
	ErrNetPolicyViolation = errors.New("net policy violation")
	// ErrRequirementsNotMet wraps the expected activation rejections.
	ErrRequirementsNotMet = errors.New("activation requirements not met")
	// ErrAlreadyActive is returned when a per-actor ability is active and
	// not retriggerable.
	ErrAlreadyActive = errors.New("ability already active")
	// ErrInvalidAvatar is returned when the owner has no valid avatar.
	ErrInvalidAvatar = errors.New("invalid avatar")

	ErrOnCooldown       = errors.New("on cooldown")
	ErrCannotAffordCost = errors.New("cannot afford cost")
	ErrTagsBlocked      = errors.New("blocked by tags")
	ErrTagsMissing      = errors.New("required tags missing")
	ErrInputBlocked     = errors.New("input blocked")
	ErrBehaviorRefused  = errors.New("behavior refused activation")

	// ErrNotAuthority is returned when a non-authoritative engine applies an
	// effect outside a prediction window.
	ErrNotAuthority = errors.New("effect application requires authority or a prediction key")
	// ErrUnknownEffect is returned for effect IDs missing from the catalog.
	ErrUnknownEffect = errors.New("unknown effect")
	// ErrUnknownTarget is returned when a target entity cannot be resolved.
	ErrUnknownTarget = errors.New("unknown target")
)

func requirement(cause error) error {
	return fmt.Errorf("%w: %w", ErrRequirementsNotMet, cause)
}

// FailureReason is the wire form of an activation failure.
type FailureReason uint8

const (
	ReasonUnknown FailureReason = iota
	ReasonNotFound
	ReasonNetPolicy
	ReasonOnCooldown
	ReasonCost
	ReasonTagsBlocked
	ReasonTagsMissing
	ReasonInputBlocked
	ReasonBehavior
	ReasonAlreadyActive
	ReasonInvalidAvatar
	ReasonRejected
)

var reasonErrs = []struct {
	reason FailureReason
	err    error
}{
	{ReasonNotFound, ErrAbilityNotFound},
	{ReasonNetPolicy, ErrNetPolicyViolation},
	{ReasonOnCooldown, ErrOnCooldown},
	{ReasonCost, ErrCannotAffordCost},
	{ReasonTagsBlocked, ErrTagsBlocked},
	{ReasonTagsMissing, ErrTagsMissing},
	{ReasonInputBlocked, ErrInputBlocked},
	{ReasonBehavior, ErrBehaviorRefused},
	{ReasonAlreadyActive, ErrAlreadyActive},
	{ReasonInvalidAvatar, ErrInvalidAvatar},
}

// ReasonFor classifies an activation error.
func ReasonFor(err error) FailureReason {
	for _, re := range reasonErrs {
		if errors.Is(err, re.err) {
			return re.reason
		}
	}
	return ReasonUnknown
}

// Err reconstructs an error for r that matches the original sentinels under
// errors.Is.
func (r FailureReason) Err() error {
	for _, re := range reasonErrs {
		if re.reason != r {
			continue
		}
		switch r {
		case ReasonOnCooldown, ReasonCost, ReasonTagsBlocked, ReasonTagsMissing, ReasonInputBlocked, ReasonBehavior:
			return requirement(re.err)
		}
		return re.err
	}
	if r == ReasonRejected {
		return errors.New("rejected by server")
	}
	return errors.New("activation failed")
}

// IsExpected reports whether err is a normal gameplay rejection rather than
// a caller bug or protocol violation.
func IsExpected(err error) bool {
	return errors.Is(err, ErrRequirementsNotMet) || errors.Is(err, ErrAlreadyActive)
}

func (r FailureReason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonNetPolicy:
		return "net_policy"
	case ReasonOnCooldown:
		return "on_cooldown"
	case ReasonCost:
		return "cost"
	case ReasonTagsBlocked:
		return "tags_blocked"
	case ReasonTagsMissing:
		return "tags_missing"
	case ReasonInputBlocked:
		return "input_blocked"
	case ReasonBehavior:
		return "behavior"
	case ReasonAlreadyActive:
		return "already_active"
	case ReasonInvalidAvatar:
		return "invalid_avatar"
	case ReasonRejected:
		return "rejected"
	}
	return "unknown"
}
