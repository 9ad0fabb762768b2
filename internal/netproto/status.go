package netproto

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/gameplay/internal/game/ability"
)

// Encoded is a server message already encoded on the world goroutine.
type Encoded []byte

// Marshal implements the codec's marshaler.
func (e Encoded) Marshal() ([]byte, error) { return e, nil }

// Code maps an activation failure reason to the gRPC code callers see.
func Code(r ability.FailureReason) codes.Code {
	switch r {
	case ability.ReasonNotFound:
		return codes.NotFound
	case ability.ReasonNetPolicy:
		return codes.PermissionDenied
	case ability.ReasonOnCooldown,
		ability.ReasonCost,
		ability.ReasonTagsBlocked,
		ability.ReasonTagsMissing,
		ability.ReasonInputBlocked,
		ability.ReasonBehavior,
		ability.ReasonAlreadyActive,
		ability.ReasonInvalidAvatar:
		return codes.FailedPrecondition
	case ability.ReasonRejected:
		return codes.Aborted
	default:
		return codes.Unknown
	}
}

// StatusError converts a failure reason into a gRPC status error.
func StatusError(r ability.FailureReason) error {
	return status.Errorf(Code(r), "activation failed: %s", r)
}
