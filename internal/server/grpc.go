package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/ingestion"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/query"
	"HedgeVault/internal/queue"
	"HedgeVault/internal/vault"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	ServiceName = "hedgevault.v1.VaultService"

	// OperatorTokenHeader carries the operator token on gRPC metadata and
	// HTTP headers.
	OperatorTokenHeader = "x-operator-token"
)

// jsonCodec lets the service run without generated protobuf messages.
// Clients select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// VaultServiceServer is the server API for hedgevault.v1.VaultService.
type VaultServiceServer interface {
	Deposit(context.Context, *DepositRequest) (*CommandResponse, error)
	Mint(context.Context, *MintRequest) (*CommandResponse, error)
	Withdraw(context.Context, *WithdrawRequest) (*CommandResponse, error)
	Redeem(context.Context, *RedeemRequest) (*CommandResponse, error)
	Claim(context.Context, *ClaimRequest) (*CommandResponse, error)

	Settle(context.Context, *KeeperRequest) (*CommandResponse, error)
	Utilize(context.Context, *AmountRequest) (*CommandResponse, error)
	Deutilize(context.Context, *AmountRequest) (*CommandResponse, error)
	DecreaseCollateral(context.Context, *KeeperRequest) (*CommandResponse, error)
	ForceReset(context.Context, *ForceResetRequest) (*CommandResponse, error)
	SetPriorityAccount(context.Context, *PriorityAccountRequest) (*CommandResponse, error)

	GetSummary(context.Context, *GetSummaryRequest) (*query.SummaryResponse, error)
	GetTicket(context.Context, *GetTicketRequest) (*query.TicketResponse, error)
	ListTickets(context.Context, *ListTicketsRequest) (*query.Page[queue.Ticket], error)
	GetAccount(context.Context, *GetAccountRequest) (*query.AccountResponse, error)
	Preview(context.Context, *PreviewRequest) (*query.PreviewResponse, error)
}

// unary builds a MethodDesc the way protoc-gen-go-grpc would.
func unary[Req, Resp any](name string, call func(VaultServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(VaultServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(VaultServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var VaultServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*VaultServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Deposit", VaultServiceServer.Deposit),
		unary("Mint", VaultServiceServer.Mint),
		unary("Withdraw", VaultServiceServer.Withdraw),
		unary("Redeem", VaultServiceServer.Redeem),
		unary("Claim", VaultServiceServer.Claim),
		unary("Settle", VaultServiceServer.Settle),
		unary("Utilize", VaultServiceServer.Utilize),
		unary("Deutilize", VaultServiceServer.Deutilize),
		unary("DecreaseCollateral", VaultServiceServer.DecreaseCollateral),
		unary("ForceReset", VaultServiceServer.ForceReset),
		unary("SetPriorityAccount", VaultServiceServer.SetPriorityAccount),
		unary("GetSummary", VaultServiceServer.GetSummary),
		unary("GetTicket", VaultServiceServer.GetTicket),
		unary("ListTickets", VaultServiceServer.ListTickets),
		unary("GetAccount", VaultServiceServer.GetAccount),
		unary("Preview", VaultServiceServer.Preview),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hedgevault/v1/vault.proto",
}

// ============================================================================
// VaultService implementation
// ============================================================================

// VaultService submits commands through the command loop and answers reads
// from the query service.
type VaultService struct {
	submitter     core.Submitter
	qs            *query.QueryService
	operatorToken string
	now           func() int64
}

func NewVaultService(submitter core.Submitter, qs *query.QueryService, operatorToken string) *VaultService {
	return &VaultService{
		submitter:     submitter,
		qs:            qs,
		operatorToken: operatorToken,
		now:           func() int64 { return time.Now().UnixMicro() },
	}
}

// WithClock replaces the clock used to stamp commands sent without a time.
func (s *VaultService) WithClock(now func() int64) *VaultService {
	s.now = now
	return s
}

func (s *VaultService) stamp(at int64) int64 {
	if at > 0 {
		return at
	}
	return s.now()
}

func (s *VaultService) submit(ctx context.Context, cmd event.Command) (*CommandResponse, error) {
	if cmd.IdempotencyKey() == "" {
		return nil, status.Error(codes.InvalidArgument, "request_id is required")
	}
	rec, err := s.submitter.Submit(ctx, cmd)
	if err != nil {
		return nil, statusFromError(err)
	}
	return newCommandResponse(rec), nil
}

func (s *VaultService) Deposit(ctx context.Context, req *DepositRequest) (*CommandResponse, error) {
	caller, receiver, err := parsePair("caller", req.Caller, req.Receiver)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Deposit{RequestID: req.RequestID, Caller: caller, Receiver: receiver, Assets: req.Assets, At: s.stamp(req.At)})
}

func (s *VaultService) Mint(ctx context.Context, req *MintRequest) (*CommandResponse, error) {
	caller, receiver, err := parsePair("caller", req.Caller, req.Receiver)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Mint{RequestID: req.RequestID, Caller: caller, Receiver: receiver, Shares: req.Shares, At: s.stamp(req.At)})
}

func (s *VaultService) Withdraw(ctx context.Context, req *WithdrawRequest) (*CommandResponse, error) {
	owner, receiver, err := parsePair("owner", req.Owner, req.Receiver)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Withdraw{RequestID: req.RequestID, Owner: owner, Receiver: receiver, Assets: req.Assets, At: s.stamp(req.At)})
}

func (s *VaultService) Redeem(ctx context.Context, req *RedeemRequest) (*CommandResponse, error) {
	owner, receiver, err := parsePair("owner", req.Owner, req.Receiver)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Redeem{RequestID: req.RequestID, Owner: owner, Receiver: receiver, Shares: req.Shares, At: s.stamp(req.At)})
}

func (s *VaultService) Claim(ctx context.Context, req *ClaimRequest) (*CommandResponse, error) {
	ticket, err := parseUUID("ticket_id", req.TicketID)
	if err != nil {
		return nil, err
	}
	caller, err := parseUUID("caller", req.Caller)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Claim{RequestID: req.RequestID, TicketID: ticket, Caller: caller, At: s.stamp(req.At)})
}

func (s *VaultService) Settle(ctx context.Context, req *KeeperRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Settle{RequestID: req.RequestID, At: s.stamp(req.At)})
}

func (s *VaultService) Utilize(ctx context.Context, req *AmountRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Utilize{RequestID: req.RequestID, Amount: req.Amount, At: s.stamp(req.At)})
}

func (s *VaultService) Deutilize(ctx context.Context, req *AmountRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.Deutilize{RequestID: req.RequestID, Amount: req.Amount, At: s.stamp(req.At)})
}

func (s *VaultService) DecreaseCollateral(ctx context.Context, req *KeeperRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.DecreaseCollateral{RequestID: req.RequestID, At: s.stamp(req.At)})
}

func (s *VaultService) ForceReset(ctx context.Context, req *ForceResetRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	if req.Reason == "" {
		return nil, status.Error(codes.InvalidArgument, "reason is required")
	}
	return s.submit(ctx, &event.ForceReset{RequestID: req.RequestID, Reason: req.Reason, At: s.stamp(req.At)})
}

func (s *VaultService) SetPriorityAccount(ctx context.Context, req *PriorityAccountRequest) (*CommandResponse, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	account, err := parseUUID("account", req.Account)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.SetPriorityAccount{
		RequestID: req.RequestID,
		Account:   account,
		Enabled:   req.Enabled,
		At:        s.stamp(req.At),
	})
}

func (s *VaultService) GetSummary(ctx context.Context, _ *GetSummaryRequest) (*query.SummaryResponse, error) {
	resp, err := s.qs.GetSummary(ctx)
	return resp, statusFromError(err)
}

func (s *VaultService) GetTicket(ctx context.Context, req *GetTicketRequest) (*query.TicketResponse, error) {
	id, err := parseUUID("ticket_id", req.TicketID)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetTicket(ctx, id)
	return resp, statusFromError(err)
}

func (s *VaultService) ListTickets(ctx context.Context, req *ListTicketsRequest) (*query.Page[queue.Ticket], error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.ListTickets(ctx, owner, req.IncludeClaimed)
	return resp, statusFromError(err)
}

func (s *VaultService) GetAccount(ctx context.Context, req *GetAccountRequest) (*query.AccountResponse, error) {
	owner, err := parseUUID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetAccount(ctx, owner)
	return resp, statusFromError(err)
}

func (s *VaultService) Preview(ctx context.Context, req *PreviewRequest) (*query.PreviewResponse, error) {
	resp, err := s.qs.Preview(ctx, req.Amount)
	return resp, statusFromError(err)
}

// authorize checks the operator token. An empty configured token leaves
// keeper and operator calls open, which is only meant for local runs.
func (s *VaultService) authorize(ctx context.Context) error {
	if s.operatorToken == "" {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, tok := range md.Get(OperatorTokenHeader) {
		if tok == s.operatorToken {
			return nil
		}
	}
	return status.Error(codes.PermissionDenied, "operator token required")
}

// ============================================================================
// Errors
// ============================================================================

// statusFromError maps vault, engine and query errors to gRPC codes.
// Status errors pass through unchanged.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Code()
	case errors.Is(err, core.ErrDuplicateCommand):
		return codes.AlreadyExists
	case errors.Is(err, core.ErrLoopStopped):
		return codes.Unavailable
	case errors.Is(err, core.ErrMissingKey), errors.Is(err, core.ErrUnknownCommand),
		errors.Is(err, query.ErrInvalidArgument), errors.Is(err, ingestion.ErrMalformed):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	}

	switch vault.Classify(err) {
	case vault.ClassPrecondition:
		return codes.FailedPrecondition
	case vault.ClassExternal:
		return codes.Unavailable
	case vault.ClassDoubleAction:
		return codes.AlreadyExists
	case vault.ClassStale:
		return codes.Aborted
	case vault.ClassNotFound:
		return codes.NotFound
	case vault.ClassPermission:
		return codes.PermissionDenied
	}
	return codes.Internal
}

func parseUUID(field, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}

// parsePair parses the acting account and an optional receiver that
// defaults to it.
func parsePair(field, actor, receiver string) (uuid.UUID, uuid.UUID, error) {
	a, err := parseUUID(field, actor)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if receiver == "" {
		return a, a, nil
	}
	r, err := parseUUID("receiver", receiver)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return a, r, nil
}

// ============================================================================
// Server
// ============================================================================

// metricsInterceptor records per-method request counts and latency.
func metricsInterceptor(metrics *observability.Metrics, log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		if metrics != nil {
			metrics.QueryRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
			metrics.QueryDuration.WithLabelValues(info.FullMethod).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.QueryErrors.WithLabelValues(info.FullMethod, code.String()).Inc()
			}
		}
		if code == codes.Internal || code == codes.Unknown {
			log.Error().Err(err).Str("method", info.FullMethod).Msg("request failed")
		}
		return resp, err
	}
}

// GRPCServer serves VaultService plus health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, svc VaultServiceServer, metrics *observability.Metrics, log zerolog.Logger) *GRPCServer {
	log = log.With().Str("component", "grpc").Logger()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(metrics, log)))
	grpcServer.RegisterService(&VaultServiceDesc, svc)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, log: log}
}

// SetServing flips the health status of the vault service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Start serves until ctx is cancelled.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}
