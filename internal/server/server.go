// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package server exposes the router over gRPC.
//
// The service is tagrouter.v1.Router with two unary methods whose messages
// are google.protobuf.Struct values, so no generated code is needed:
//
//	Ask     {text, session_id}  -> answer object
//	Refresh {}                  -> {tables, fetched_at, stale}
//
// A failed Ask returns a gRPC status whose message is the public error
// message and whose ErrorInfo detail carries the error kind as Reason.
package server

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	errs "tagrouter/cli/internal/errors"
	"tagrouter/cli/internal/model"
	"tagrouter/cli/internal/orchestrator"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "tagrouter.v1.Router"
	// ErrorDomain is the ErrorInfo domain of router errors.
	ErrorDomain = "tagrouter"

	askMethod     = "/" + ServiceName + "/Ask"
	refreshMethod = "/" + ServiceName + "/Refresh"

	maxTextLen = 8000
)

// Router answers queries.
type Router interface {
	Handle(ctx context.Context, req orchestrator.Request) (model.Answer, error)
}

// Refresher forces a schema refresh.
type Refresher interface {
	Refresh(ctx context.Context) (model.SchemaSnapshot, error)
}

// Service implements tagrouter.v1.Router.
type Service struct {
	router    Router
	refresher Refresher
}

// NewService returns a Service. refresher may be nil when no database is configured.
func NewService(r Router, refresher Refresher) *Service {
	return &Service{router: r, refresher: refresher}
}

// routerServer is the handler type named by ServiceDesc.
type routerServer interface {
	Ask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes tagrouter.v1.Router for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*routerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ask", Handler: unary(askMethod, routerServer.Ask)},
		{MethodName: "Refresh", Handler: unary(refreshMethod, routerServer.Refresh)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tagrouter/v1/router.proto",
}

func unary(full string, call func(routerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(routerServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(routerServer), ctx, req.(*structpb.Struct))
		})
	}
}

// Ask routes one query.
func (s *Service) Ask(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f := in.GetFields()
	text := strings.TrimSpace(f["text"].GetStringValue())
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "text is required")
	}
	if len(text) > maxTextLen {
		return nil, status.Errorf(codes.InvalidArgument, "text exceeds %d bytes", maxTextLen)
	}
	ans, err := s.router.Handle(ctx, orchestrator.Request{Text: text, SessionID: f["session_id"].GetStringValue()})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(ans)
}

// Refresh re-reads the database schema.
func (s *Service) Refresh(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.refresher == nil {
		return nil, toStatus(errs.New(errs.SchemaUnavailable, "no database is configured"))
	}
	snap, err := s.refresher.Refresh(ctx)
	if err != nil {
		return nil, toStatus(errs.Public(err))
	}
	return structpb.NewStruct(map[string]any{
		"tables":     len(snap.Tables),
		"fetched_at": snap.FetchedAt.UTC().Format(time.RFC3339),
		"stale":      snap.Stale,
	})
}

func toStruct(a model.Answer) (*structpb.Struct, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, status.Error(codes.Internal, "an internal error occurred")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "an internal error occurred")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "an internal error occurred")
	}
	return out, nil
}

var kindCodes = map[errs.Kind]codes.Code{
	errs.SchemaUnavailable:   codes.Unavailable,
	errs.SchemaMismatch:      codes.FailedPrecondition,
	errs.ForbiddenOperation:  codes.PermissionDenied,
	errs.ExecutionFailed:     codes.Aborted,
	errs.UpstreamUnavailable: codes.Unavailable,
	errs.CacheUnavailable:    codes.Unavailable,
	errs.InternalError:       codes.Internal,
}

func toStatus(err error) error {
	pub := errs.Public(err)
	code, ok := kindCodes[pub.Kind]
	if !ok {
		code = codes.Internal
	}
	st := status.New(code, pub.Message)
	if withInfo, derr := st.WithDetails(&errdetails.ErrorInfo{Reason: string(pub.Kind), Domain: ErrorDomain}); derr == nil {
		st = withInfo
	}
	return st.Err()
}

// New builds a grpc.Server with the router and health services registered.
func New(svc *Service) (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(recoverInterceptor, logInterceptor))
	gs.RegisterService(&ServiceDesc, svc)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return gs, hs
}

// Serve runs gs on lis until ctx is done, then drains in-flight calls for
// up to grace before stopping hard.
func Serve(ctx context.Context, gs *grpc.Server, hs *health.Server, lis net.Listener, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gs.Serve(lis) }()
	log.Info().Str("addr", lis.Addr().String()).Msg("router listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	hs.Shutdown()
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grace):
		gs.Stop()
	}
	log.Info().Msg("router stopped")
	return nil
}

func recoverInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Str("method", info.FullMethod).Msg("handler panic")
			resp, err = nil, status.Error(codes.Internal, "an internal error occurred")
		}
	}()
	return next(ctx, req)
}

func logInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
	start := time.Now()
	rid := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get("x-request-id"); len(v) > 0 {
			rid = v[0]
		}
	}
	if rid == "" {
		rid = uuid.NewString()
	}
	resp, err := next(ctx, req)
	log.Debug().
		Str("rpc_id", rid).
		Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("took", time.Since(start)).
		Msg("rpc")
	return resp, err
}
