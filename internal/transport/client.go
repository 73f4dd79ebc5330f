package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/GoSim-25-26J-441/sqp-runmanager/internal/runmanager"
	"github.com/GoSim-25-26J-441/sqp-runmanager/pkg/models"
)

// Client is a worker's connection to the master. One client holds one
// persistent connection.
type Client struct {
	conn *grpc.ClientConn
	rpc  *runManagerClient
}

// Dial connects to the master at target. Without options the connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to master %s: %w", target, err)
	}
	return &Client{conn: conn, rpc: &runManagerClient{cc: conn}}, nil
}

// Close closes the underlying connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Register announces the worker and returns its id and the heartbeat cadence
func (c *Client) Register(ctx context.Context, address string) (string, time.Duration, error) {
	out, err := c.rpc.invoke(injectTrace(ctx), methodRegister, encodeRegisterRequest(RegisterRequest{Address: address}))
	if err != nil {
		return "", 0, fromStatus(err)
	}
	resp, err := decodeRegisterResponse(out)
	if err != nil {
		return "", 0, err
	}
	return resp.WorkerID, resp.HeartbeatInterval, nil
}

// RequestWork asks for the next unit; runmanager.ErrNoWorkAvailable means the queue is empty
func (c *Client) RequestWork(ctx context.Context, workerID string) (models.EvaluationUnit, error) {
	out, err := c.rpc.invoke(injectTrace(ctx), methodRequestWork, encodeWorkerID(workerID))
	if err != nil {
		return models.EvaluationUnit{}, fromStatus(err)
	}
	resp, err := decodeWorkResponse(out)
	if err != nil {
		return models.EvaluationUnit{}, err
	}
	if !resp.Available {
		return models.EvaluationUnit{}, runmanager.ErrNoWorkAvailable
	}
	resp.Unit.WorkerID = workerID
	return resp.Unit, nil
}

// ReportResult sends the observations or the failure of one run
func (c *Client) ReportResult(ctx context.Context, workerID string, batchID uint64, runID int, obs *models.ObservationVector, failure *models.Failure) error {
	req := ReportRequest{
		WorkerID:     workerID,
		BatchID:      batchID,
		RunID:        runID,
		Observations: obs,
		Failure:      failure,
	}
	if _, err := c.rpc.invoke(injectTrace(ctx), methodReportResult, encodeReportRequest(req)); err != nil {
		err = fromStatus(err)
		if errors.Is(err, runmanager.ErrUnknownWorker) && !errors.Is(err, runmanager.ErrUnknownRun) {
			return fmt.Errorf("%w: %w", runmanager.ErrUnknownRun, err)
		}
		return err
	}
	return nil
}

// Heartbeat tells the master the worker is alive
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	if _, err := c.rpc.invoke(ctx, methodHeartbeat, encodeWorkerID(workerID)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// fromStatus maps gRPC status codes back onto the manager's sentinel errors
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", runmanager.ErrUnknownWorker, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", runmanager.ErrUnknownRun, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", runmanager.ErrInvalidRequest, st.Message())
	default:
		return fmt.Errorf("rpc failed (%s): %s", st.Code(), st.Message())
	}
}

// metadataCarrier adapts gRPC metadata to the otel TextMapCarrier interface
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	vals := metadata.MD(c).Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	return out
}

func injectTrace(ctx context.Context) context.Context {
	md := metadata.MD{}
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
	if len(md) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, md)
}
