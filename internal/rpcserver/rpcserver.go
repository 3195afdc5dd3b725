// Package rpcserver exposes uploader status and remote enqueueing over gRPC.
// Messages are protobuf well-known types, so no generated code is needed.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/comptonizing/ekos-lightbucket/internal/capture"
	"github.com/comptonizing/ekos-lightbucket/internal/notify"
	"github.com/comptonizing/ekos-lightbucket/internal/pipeline"
)

const (
	serviceName   = "lightbucket.v1.Uploader"
	statusMethod  = "/" + serviceName + "/Status"
	enqueueMethod = "/" + serviceName + "/Enqueue"

	// SourceRPC tags events enqueued remotely.
	SourceRPC = "rpc"
)

// UploaderServer is the server API of the lightbucket.v1.Uploader service.
type UploaderServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Enqueue(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*UploaderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: statusHandler},
		{MethodName: "Enqueue", Handler: enqueueHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lightbucket/v1/uploader.proto",
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv UploaderServer) {
	s.RegisterService(&serviceDesc, srv)
}

func statusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UploaderServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UploaderServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func enqueueHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(UploaderServer).Enqueue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: enqueueMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(UploaderServer).Enqueue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// Service implements UploaderServer on top of the running pipeline.
type Service struct {
	status *pipeline.Status
	intake *pipeline.Intake
	log    *slog.Logger
}

func NewService(st *pipeline.Status, intake *pipeline.Intake, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{status: st, intake: intake, log: logger}
}

func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	c := s.status.Snapshot()
	return structpb.NewStruct(map[string]any{
		"success":    float64(c.Success),
		"failure":    float64(c.Failure),
		"queued":     float64(c.Queued),
		"processing": c.Processing,
	})
}

// Enqueue accepts the same fields as the captureComplete signal: filename,
// type, median, starCount and hfr.
func (s *Service) Enqueue(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields, err := signalFields(req.AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ev, err := capture.FromFields(fields)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	ev.Source = SourceRPC
	if ok, reason := s.intake.Offer(ev); !ok {
		return nil, status.Errorf(codes.FailedPrecondition, "not queued: %s", reason)
	}
	s.log.Debug("remote enqueue", "file", ev.FileName)
	return &emptypb.Empty{}, nil
}

// signalFields converts JSON numbers back to the integer types the capture
// signal uses.
func signalFields(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch k {
		case "type", "median", "starCount":
			f, ok := v.(float64)
			if !ok || f != math.Trunc(f) {
				return nil, fmt.Errorf("field %s: expected integer, got %v", k, v)
			}
			out[k] = int64(f)
		default:
			out[k] = v
		}
	}
	return out, nil
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, srv UploaderServer, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}
	gs := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             15 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	Register(gs, srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Client calls a remote uploader.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security; the service is meant for
// localhost and trusted networks.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Status fetches the remote counters.
func (c *Client) Status(ctx context.Context) (notify.Counters, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statusMethod, &emptypb.Empty{}, out); err != nil {
		return notify.Counters{}, err
	}
	f := out.GetFields()
	return notify.Counters{
		Success:    uint64(f["success"].GetNumberValue()),
		Failure:    uint64(f["failure"].GetNumberValue()),
		Queued:     int(f["queued"].GetNumberValue()),
		Processing: f["processing"].GetBoolValue(),
	}, nil
}

// Enqueue queues a light frame on the remote uploader.
func (c *Client) Enqueue(ctx context.Context, ev capture.Event) error {
	fields := map[string]any{
		"filename":  ev.FileName,
		"type":      float64(ev.Type),
		"starCount": float64(ev.StarCount),
	}
	if ev.Median != nil {
		fields["median"] = float64(*ev.Median)
	}
	if ev.HFR != nil {
		fields["hfr"] = *ev.HFR
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, enqueueMethod, in, new(emptypb.Empty))
}
