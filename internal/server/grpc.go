package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"AgentLedger/internal/observability"
	"AgentLedger/internal/query"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentledger.v1.Ledger"

// JSON messages ride gRPC under the "json" content subtype
// (application/grpc+json). Clients select it with grpc.CallContentSubtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// unary builds a method descriptor the way generated code does, for a
// request type Req.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, r any) (any, error) {
				return call(srv.(LedgerServer), ctx, r.(*Req))
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}

var ledgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServer.Submit),
		unary("GetBalance", LedgerServer.GetBalance),
		unary("GetOrder", LedgerServer.GetOrder),
		unary("ListOrders", LedgerServer.ListOrders),
		unary("GetDispute", LedgerServer.GetDispute),
		unary("GetParticipant", LedgerServer.GetParticipant),
		unary("GetTreasury", LedgerServer.GetTreasury),
		unary("GetJournalHistory", LedgerServer.GetJournalHistory),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
		unary("RebuildProjections", LedgerServer.RebuildProjections),
		unary("GetStatus", LedgerServer.GetStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentledger/v1/ledger",
}

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	service       *ledgerService
	grpcAddr      string
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the ledger, health and reflection
// services registered.
func NewGRPCServer(grpcAddr string, deps Deps, healthChecker *observability.HealthChecker, metrics *observability.Metrics) *GRPCServer {
	s := &GRPCServer{
		service:       newLedgerService(deps),
		grpcAddr:      grpcAddr,
		healthChecker: healthChecker,
		metrics:       metrics,
		logger:        observability.NewLogger("grpc"),
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observeUnary))
	s.grpcServer.RegisterService(&ledgerServiceDesc, s.service)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// SetServing flips the gRPC health status. Called once recovery finishes.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// observeUnary records request metrics and converts ledger errors to gRPC
// statuses.
func (s *GRPCServer) observeUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	method := info.FullMethod
	start := time.Now()
	resp, err := handler(ctx, req)
	err = toStatus(err)
	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(method).Inc()
		s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.QueryErrors.WithLabelValues(method, status.Code(err).String()).Inc()
		}
	}
	return resp, err
}

// Serve runs the gRPC server on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartGRPC listens on the configured address and serves (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Client calls the ledger service over a gRPC connection using the JSON
// codec.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype("json"))
}

func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	resp := new(SubmitResponse)
	return resp, c.invoke(ctx, "Submit", req, resp)
}

func (c *Client) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	resp := new(query.BalanceResponse)
	return resp, c.invoke(ctx, "GetBalance", req, resp)
}

func (c *Client) GetOrder(ctx context.Context, req *OrderRequest) (*query.OrderResponse, error) {
	resp := new(query.OrderResponse)
	return resp, c.invoke(ctx, "GetOrder", req, resp)
}

func (c *Client) GetDispute(ctx context.Context, req *OrderRequest) (*query.DisputeResponse, error) {
	resp := new(query.DisputeResponse)
	return resp, c.invoke(ctx, "GetDispute", req, resp)
}

func (c *Client) GetStatus(ctx context.Context) (*StatusResponse, error) {
	resp := new(StatusResponse)
	return resp, c.invoke(ctx, "GetStatus", &Empty{}, resp)
}
