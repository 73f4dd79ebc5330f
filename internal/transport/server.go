package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/observability"
	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/logger"
)

// Server implements RunManagerServer on top of a runmanager.Manager
type Server struct {
	manager           *runmanager.Manager
	heartbeatInterval time.Duration
	log               *slog.Logger
}

// NewServer creates a protocol server; heartbeatInterval is advertised to workers on Register
func NewServer(manager *runmanager.Manager, heartbeatInterval time.Duration) *Server {
	return &Server{
		manager:           manager,
		heartbeatInterval: heartbeatInterval,
		log:               logger.Component("transport"),
	}
}

func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, span := startServerSpan(ctx, "Register")
	defer span.End()

	r, err := decodeRegisterRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if r.Address == "" {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			r.Address = p.Addr.String()
		}
	}

	id, err := s.manager.RegisterWorker(r.Address)
	if err != nil {
		return nil, toStatus(err)
	}
	span.SetAttributes(attribute.String("worker_id", id))
	return encodeRegisterResponse(RegisterResponse{WorkerID: id, HeartbeatInterval: s.heartbeatInterval}), nil
}

func (s *Server) RequestWork(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, span := startServerSpan(ctx, "RequestWork")
	defer span.End()

	workerID, err := decodeWorkerID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	unit, err := s.manager.RequestWork(workerID)
	if errors.Is(err, runmanager.ErrNoWorkAvailable) {
		return encodeWorkResponse(WorkResponse{Available: false}), nil
	}
	if err != nil {
		return nil, toStatus(err)
	}
	span.SetAttributes(
		attribute.Int64("batch_id", int64(unit.BatchID)),
		attribute.Int("run_id", unit.RunID),
	)
	return encodeWorkResponse(WorkResponse{Available: true, Unit: unit}), nil
}

func (s *Server) ReportResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, span := startServerSpan(ctx, "ReportResult")
	defer span.End()

	r, err := decodeReportRequest(req)
	if err != nil {
		return nil, toStatus(err)
	}
	span.SetAttributes(
		attribute.Int64("batch_id", int64(r.BatchID)),
		attribute.Int("run_id", r.RunID),
		attribute.Bool("failed", r.Failure != nil),
	)
	if err := s.manager.ReportResult(r.WorkerID, r.BatchID, r.RunID, r.Observations, r.Failure); err != nil {
		if errors.Is(err, runmanager.ErrUnknownRun) {
			s.log.Info("discarding result", "worker_id", r.WorkerID, "batch_id", r.BatchID, "run_id", r.RunID, "error", err)
		}
		return nil, toStatus(err)
	}
	return encodeAccepted(true), nil
}

func (s *Server) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	workerID, err := decodeWorkerID(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.manager.Heartbeat(workerID); err != nil {
		return nil, toStatus(err)
	}
	return structOf(nil), nil
}

// Serve runs a gRPC server with the protocol registered on lis until ctx is done
func Serve(ctx context.Context, lis net.Listener, srv RunManagerServer, opts ...grpc.ServerOption) error {
	gs := grpc.NewServer(opts...)
	RegisterRunManagerServer(gs, srv)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// toStatus maps manager and decoding errors onto gRPC status codes
func toStatus(err error) error {
	switch {
	case errors.Is(err, runmanager.ErrUnknownWorker):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, runmanager.ErrUnknownRun):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, runmanager.ErrInvalidRequest), errors.Is(err, ErrMalformedMessage):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func startServerSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
	}
	return observability.StartSpan(ctx, "rpc."+method, attribute.String("rpc.method", method))
}
