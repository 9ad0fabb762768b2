package gameserver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cory-johannsen/gameplay/internal/game/prediction"
	"github.com/cory-johannsen/gameplay/internal/netproto"
	"github.com/cory-johannsen/gameplay/internal/observability"
)

// sessionServer is the handler type of the ability service.
type sessionServer interface {
	Session(stream grpc.ServerStream) error
}

func sessionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(sessionServer).Session(stream)
}

// ServiceDesc describes the ability service. The session stream carries
// netproto messages; servers must be built with
// grpc.ForceServerCodec(netproto.Codec{}).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: netproto.ServiceName,
	HandlerType: (*sessionServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    netproto.SessionStream.StreamName,
		Handler:       sessionHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "gameplay/v1/ability.proto",
}

// Service serves ability sessions. Each session owns one avatar entity in
// the world for as long as the stream stays open.
type Service struct {
	world     *World
	queueSize int
	logger    *zap.Logger
}

// NewService creates a Service over world.
//
// Precondition: world and logger must be non-nil; queueSize must be > 0.
func NewService(world *World, queueSize int, logger *zap.Logger) *Service {
	return &Service{world: world, queueSize: queueSize, logger: logger.Named("session")}
}

// Register installs the service on srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&ServiceDesc, s)
}

// Session implements the bidirectional session stream.
// Flow:
//  1. Wait for Hello
//  2. Spawn the avatar and send Welcome plus the current world state
//  3. Read client messages on a goroutine and submit them to the world
//  4. Write queued server messages until either side ends the session
//  5. On exit remove the avatar
func (s *Service) Session(stream grpc.ServerStream) error {
	ctx := stream.Context()

	var first netproto.ClientMessage
	if err := stream.RecvMsg(&first); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("receiving hello: %w", err)
	}
	if first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first message must be hello")
	}

	conn := prediction.ConnID(uuid.NewString())
	out := NewOutbox(conn, s.queueSize, s.logger)

	var (
		ent     *Entity
		joinErr error
	)
	if err := s.world.Do(ctx, func() {
		ent, joinErr = s.world.Join(first.Hello.Name, first.Hello.Loadout, out)
	}); err != nil {
		return worldStatus(err)
	}
	if joinErr != nil {
		return status.Errorf(codes.Internal, "joining world: %v", joinErr)
	}
	logger := observability.EntityLogger(s.logger, ent.ID, "session").With(zap.String("conn", string(conn)))
	logger.Info("session opened", zap.String("name", first.Hello.Name), zap.Strings("loadout", first.Hello.Loadout))

	defer func() {
		// The stream context is already done here.
		if err := s.world.Submit(context.Background(), func() { s.world.Leave(conn) }); err != nil {
			logger.Debug("leave not submitted", zap.Error(err))
		}
		logger.Info("session closed")
	}()

	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receive(ctx, stream, ent.ID, logger) }()

	for {
		select {
		case b := <-out.C():
			if err := stream.SendMsg(b); err != nil {
				return fmt.Errorf("sending: %w", err)
			}
		case <-out.Overflowed():
			return status.Error(codes.ResourceExhausted, "client is not keeping up with the send queue")
		case err := <-recvErr:
			return err
		case <-ctx.Done():
			return status.FromContextError(ctx.Err()).Err()
		}
	}
}

// receive reads client messages and routes them to the avatar's engine
// until the client half-closes or the stream fails.
func (s *Service) receive(ctx context.Context, stream grpc.ServerStream, entityID string, logger *zap.Logger) error {
	for {
		var msg netproto.ClientMessage
		err := stream.RecvMsg(&msg)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if _, ok := status.FromError(err); ok {
				return err
			}
			return status.Errorf(codes.InvalidArgument, "decoding client message: %v", err)
		}
		if err := s.world.Submit(ctx, func() { s.route(entityID, &msg, logger) }); err != nil {
			return worldStatus(err)
		}
	}
}

// route applies one client message on the world goroutine.
func (s *Service) route(entityID string, msg *netproto.ClientMessage, logger *zap.Logger) {
	eng, ok := s.world.Engine(entityID)
	if !ok {
		logger.Debug("message for removed avatar dropped")
		return
	}
	switch {
	case msg.TryActivate != nil:
		m := msg.TryActivate
		eng.ServerTryActivateAbility(m.Handle, m.InputPressed, m.Key, m.Event)
	case msg.SetTargetData != nil:
		m := msg.SetTargetData
		eng.ServerSetTargetData(m.Handle, m.ActivationKey, m.Data, m.Cancelled, m.Key)
	case msg.End != nil:
		eng.ServerEndAbility(msg.End.Handle, msg.End.Info)
	case msg.Cancel != nil:
		eng.ServerCancelAbility(msg.Cancel.Handle, msg.Cancel.Info)
	case msg.Hello != nil:
		logger.Warn("repeated hello ignored")
	}
}

func worldStatus(err error) error {
	if errors.Is(err, ErrStopped) {
		return status.Error(codes.Unavailable, "world is shutting down")
	}
	return status.FromContextError(err).Err()
}
