package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-tutor/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service exposing a Port.
const ServiceName = "tutor.generation.v1.Generation"

const (
	generateMethod       = "/" + ServiceName + "/Generate"
	generateStreamMethod = "/" + ServiceName + "/GenerateStream"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCClientConfig holds configuration for the remote generation client.
type GRPCClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCClientConfig returns default configuration.
func DefaultGRPCClientConfig(addr string) GRPCClientConfig {
	return GRPCClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPCClient is a Port backed by a remote generation service.
type GRPCClient struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGRPCClient dials a remote generation service and waits until the
// connection is ready so bad endpoints fail at startup.
func NewGRPCClient(cfg GRPCClientConfig, logger *slog.Logger) (*GRPCClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("grpc generation: address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("generation service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to generation service", "address", cfg.Address)
	return NewGRPCClientFromConn(conn, cfg.Address, logger), nil
}

// NewGRPCClientFromConn wraps an existing connection.
func NewGRPCClientFromConn(conn *grpc.ClientConn, addr string, logger *slog.Logger) *GRPCClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPCClient{conn: conn, health: healthpb.NewHealthClient(conn), addr: addr, logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Port.
func (c *GRPCClient) Name() string { return "grpc:" + c.addr }

// Close closes the connection.
func (c *GRPCClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the remote service.
func (c *GRPCClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("generation service status %s", resp.GetStatus())
	}
	return nil
}

// Generate implements Port.
func (c *GRPCClient) Generate(ctx context.Context, req Request) (*Response, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, generateMethod, in, out); err != nil {
		return nil, c.classify(ctx, err)
	}
	resp := decodeResponse(out)
	if resp.Text == "" {
		return nil, Classify(ctx, c.Name(), errEmptyResponse)
	}
	return resp, nil
}

var generateStreamDesc = grpc.StreamDesc{StreamName: "GenerateStream", ServerStreams: true}

// GenerateStream implements Port.
func (c *GRPCClient) GenerateStream(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		in, err := encodeRequest(req)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(ctx, &generateStreamDesc, generateStreamMethod)
		if err != nil {
			yield(Chunk{}, c.classify(ctx, err))
			return
		}
		if err := stream.SendMsg(in); err != nil {
			yield(Chunk{}, c.classify(ctx, err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Chunk{}, c.classify(ctx, err))
			return
		}

		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, c.classify(ctx, err))
				return
			}
			chunk := decodeChunk(msg)
			if !yield(chunk, nil) || chunk.Done {
				return
			}
		}
	}
}

func (c *GRPCClient) classify(ctx context.Context, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		if ctx.Err() == nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrGenerationTimeout, c.Name(), err)
		}
	case codes.Canceled:
		if ctx.Err() != nil {
			return Classify(ctx, c.Name(), ctx.Err())
		}
	}
	return Classify(ctx, c.Name(), err)
}

// RegisterServer exposes port on s together with the standard health service.
func RegisterServer(s *grpc.Server, port Port, logger *slog.Logger) *health.Server {
	if logger == nil {
		logger = slog.Default()
	}
	s.RegisterService(&generationServiceDesc, &generationServer{port: port, logger: logger})

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

type generationService interface {
	Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GenerateStream(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error
}

type generationServer struct {
	port   Port
	logger *slog.Logger
}

func (s *generationServer) Generate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := decodeRequest(in)
	resp, err := s.port.Generate(ctx, req)
	if err != nil {
		s.logger.Warn("remote generate failed", "backend", s.port.Name(), "error", err)
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"text": resp.Text, "model": resp.Model})
}

func (s *generationServer) GenerateStream(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	req := decodeRequest(in)
	for chunk, err := range s.port.GenerateStream(stream.Context(), req) {
		if err != nil {
			s.logger.Warn("remote generate stream failed", "backend", s.port.Name(), "error", err)
			return toStatus(err)
		}
		msg, err := structpb.NewStruct(map[string]any{"delta": chunk.Delta, "done": chunk.Done})
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, domain.ErrGenerationTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

var generationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*generationService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "GenerateStream", Handler: generateStreamHandler, ServerStreams: true},
	},
	Metadata: "tutor/generation/v1/generation.proto",
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(generationService).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: generateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(generationService).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func generateStreamHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(generationService).GenerateStream(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	fields := map[string]any{
		"system":     req.System,
		"user":       req.User,
		"max_tokens": req.Params.MaxTokens,
		"stream":     req.Params.Stream,
	}
	if t := req.Params.Temperature; t != nil {
		fields["temperature"] = *t
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode generation request: %w", err)
	}
	return in, nil
}

func decodeRequest(in *structpb.Struct) Request {
	f := in.GetFields()
	req := Request{
		System: f["system"].GetStringValue(),
		User:   f["user"].GetStringValue(),
		Params: Params{
			MaxTokens: int(f["max_tokens"].GetNumberValue()),
			Stream:    f["stream"].GetBoolValue(),
		},
	}
	if t, ok := f["temperature"]; ok {
		req.Params.Temperature = Temperature(t.GetNumberValue())
	}
	return req
}

func decodeResponse(out *structpb.Struct) *Response {
	f := out.GetFields()
	return &Response{Text: f["text"].GetStringValue(), Model: f["model"].GetStringValue()}
}

func decodeChunk(msg *structpb.Struct) Chunk {
	f := msg.GetFields()
	return Chunk{Delta: f["delta"].GetStringValue(), Done: f["done"].GetBoolValue()}
}
