// Package grpcapi exposes the checkpoint over gRPC. Messages are protobuf
// well-known types so no generated code is needed: requests are wrapper
// values and every response is a google.protobuf.Struct carrying the same
// fields as the JSON API.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/auth"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/credential"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/service"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/checkpoint/types"
	"github.com/BrandonDHaskell/Portunus/checkpoint/internal/obs"
)

const ServiceName = "checkpoint.v1.Checkpoint"

// CheckpointServer is the server side of ServiceName.
type CheckpointServer interface {
	Scan(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Evaluate(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	ChangeGate(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CurrentState(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
}

type Dependencies struct {
	Logger     *zap.Logger
	Checkpoint *service.Checkpoint
	Ledger     *service.Ledger
	Sessions   *service.SessionManager
	Auth       *auth.Authority
	Metrics    *obs.Metrics
	Now        func() time.Time
}

// Server implements CheckpointServer on top of the service layer.
type Server struct {
	logger     *zap.Logger
	checkpoint *service.Checkpoint
	ledger     *service.Ledger
	sessions   *service.SessionManager
	auth       *auth.Authority
	metrics    *obs.Metrics
	now        func() time.Time
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		logger:     d.Logger,
		checkpoint: d.Checkpoint,
		ledger:     d.Ledger,
		sessions:   d.Sessions,
		auth:       d.Auth,
		metrics:    d.Metrics,
		now:        d.Now,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.metrics == nil {
		s.metrics = obs.NewMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// NewGRPCServer returns a grpc.Server with s registered behind the logging
// and authentication interceptors.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.logUnary, s.authUnary))
	g := grpc.NewServer(opts...)
	Register(g, s)
	return g
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) (*service.Session, error) {
	sess, ok := ctx.Value(sessionKey{}).(*service.Session)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no session")
	}
	return sess, nil
}

// authUnary resolves the "authorization" metadata to a controller session.
func (s *Server) authUnary(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if v := md.Get("authorization"); len(v) > 0 {
		header = v[0]
	}
	token, ok := auth.BearerToken(header)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	claims, err := s.auth.Verify(token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	sess, err := s.sessions.Open(ctx, claims.Email())
	if err != nil {
		if errors.Is(err, service.ErrControllerNotFound) {
			return nil, status.Error(codes.PermissionDenied, "no controller is registered for this account")
		}
		return nil, status.Errorf(codes.Unavailable, "directory unavailable: %v", err)
	}

	ctx = auth.ContextWithEmail(ctx, claims.Email())
	return handler(context.WithValue(ctx, sessionKey{}, sess), req)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	s.logger.Info("grpc request",
		zap.String("method", info.FullMethod),
		zap.Stringer("code", status.Code(err)),
		zap.Duration("dur", time.Since(start)),
	)
	return resp, err
}

func (s *Server) Scan(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.checkpoint.Scan(ctx, sess, in.GetValue())
	return s.outcome(out, err)
}

func (s *Server) Evaluate(ctx context.Context, in *wrapperspb.Int64Value) (*structpb.Struct, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	out, err := s.checkpoint.Evaluate(ctx, sess, in.GetValue())
	return s.outcome(out, err)
}

func (s *Server) ChangeGate(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	sess, err := sessionFrom(ctx)
	if err != nil {
		return nil, err
	}
	gate, err := types.ParseGate(in.GetValue())
	if err != nil {
		s.metrics.GateChanges.WithLabelValues("invalid").Inc()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c, err := sess.ChangeGate(ctx, gate)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidGate):
		s.metrics.GateChanges.WithLabelValues("invalid").Inc()
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrPersistFailed):
		s.metrics.GateChanges.WithLabelValues("failed").Inc()
		s.logger.Warn("gate change not persisted", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "gate change was not saved, the previous gate is still active")
	default:
		s.metrics.GateChanges.WithLabelValues("failed").Inc()
		return nil, status.Error(codes.Internal, err.Error())
	}

	s.metrics.GateChanges.WithLabelValues("ok").Inc()
	return toStruct(types.SessionResponse{Controller: c, Gate: c.Gate, ServerTime: s.serverTime()})
}

func (s *Server) CurrentState(ctx context.Context, in *wrapperspb.Int64Value) (*structpb.Struct, error) {
	id := in.GetValue()
	if id <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user id must be positive")
	}
	state, err := s.ledger.CurrentState(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "%v", err)
	}
	return toStruct(types.MovementResponse{UserID: id, State: state, Label: state.Label()})
}

func (s *Server) outcome(out types.Outcome, err error) (*structpb.Struct, error) {
	if err != nil {
		var de *credential.DecodeError
		switch {
		case errors.As(err, &de):
			return nil, status.Error(codes.InvalidArgument, de.Error())
		case errors.Is(err, service.ErrScanInFlight):
			return nil, status.Error(codes.Aborted, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	return toStruct(types.NewScanResponse(out, s.serverTime()))
}

func (s *Server) serverTime() string {
	return s.now().UTC().Format(time.RFC3339)
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(b, st); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}
