package netproto

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const (
	// ServiceName is the gRPC service carrying ability sessions.
	ServiceName = "gameplay.v1.AbilityService"
	// SessionMethod is the full method name of the bidirectional session
	// stream.
	SessionMethod = "/" + ServiceName + "/Session"
)

// SessionStream describes the session stream for both ends.
var SessionStream = grpc.StreamDesc{
	StreamName:    "Session",
	ServerStreams: true,
	ClientStreams: true,
}

// Codec is the gRPC codec for session messages. Install it with
// grpc.ForceServerCodec on the server and grpc.ForceCodec on the client.
type Codec struct{}

var _ encoding.Codec = Codec{}

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("netproto: cannot marshal %T", v)
	}
	return m.Marshal()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("netproto: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return "gameplay" }
