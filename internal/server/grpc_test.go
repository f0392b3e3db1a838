package server_test

import (
	"context"
	"net"
	"testing"

	"HedgeVault/internal/core"
	"HedgeVault/internal/query"
	"HedgeVault/internal/server"
	"HedgeVault/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const token = "op-secret"

type harness struct {
	rig  *testutil.Rig
	svc  *server.VaultService
	qs   *query.QueryService
	conn *grpc.ClientConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rig := testutil.NewRig(t)
	loop := core.NewCommandLoop(rig.Engine, 16)
	go loop.Run(ctx)

	clock := rig.Now
	qs := query.NewQueryService(nil, rig.Engine).WithClock(func() int64 { return clock })
	svc := server.NewVaultService(loop, qs, token).WithClock(func() int64 { return clock })

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("bufnet", svc, nil, zerolog.Nop())
	go srv.Serve(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &harness{rig: rig, svc: svc, qs: qs, conn: conn}
}

func (h *harness) invoke(ctx context.Context, method string, req, resp any) error {
	return h.conn.Invoke(ctx, "/"+server.ServiceName+"/"+method, req, resp)
}

func TestGRPC_DepositAndRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()

	var resp server.CommandResponse
	err := h.invoke(ctx, "Deposit", &server.DepositRequest{
		RequestID: "dep-1",
		Caller:    alice.String(),
		Assets:    400_000,
	}, &resp)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Sequence)
	assert.NotEmpty(t, resp.Notices)
	assert.Equal(t, int64(400_000), resp.Summary.TotalAssets)

	var summary query.SummaryResponse
	require.NoError(t, h.invoke(ctx, "GetSummary", &server.GetSummaryRequest{}, &summary))
	assert.Equal(t, resp.Summary.TotalSupply, summary.TotalSupply)

	var acct query.AccountResponse
	require.NoError(t, h.invoke(ctx, "GetAccount", &server.GetAccountRequest{Owner: alice.String()}, &acct))
	assert.Equal(t, summary.TotalSupply, acct.Shares)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := uuid.New()

	dep := &server.DepositRequest{RequestID: "dep-1", Caller: alice.String(), Assets: 400_000}
	var resp server.CommandResponse
	require.NoError(t, h.invoke(ctx, "Deposit", dep, &resp))

	err := h.invoke(ctx, "Deposit", dep, &resp)
	assert.Equal(t, codes.AlreadyExists, status.Code(err), "replayed request id")

	err = h.invoke(ctx, "Deposit", &server.DepositRequest{RequestID: "dep-2", Caller: "nope", Assets: 1}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = h.invoke(ctx, "Deposit", &server.DepositRequest{Caller: alice.String(), Assets: 1}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "missing request id")

	err = h.invoke(ctx, "Deposit", &server.DepositRequest{RequestID: "dep-3", Caller: alice.String()}, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err), "zero amount")

	var ticket query.TicketResponse
	err = h.invoke(ctx, "GetTicket", &server.GetTicketRequest{TicketID: uuid.NewString()}, &ticket)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = h.invoke(ctx, "Claim", &server.ClaimRequest{RequestID: "c-1", TicketID: uuid.NewString(), Caller: alice.String()}, &resp)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_OperatorToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var resp server.CommandResponse
	err := h.invoke(ctx, "Settle", &server.KeeperRequest{RequestID: "settle-1"}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	err = h.invoke(ctx, "ForceReset", &server.ForceResetRequest{RequestID: "reset-1", Reason: "stuck"}, &resp)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	authed := metadata.AppendToOutgoingContext(ctx, server.OperatorTokenHeader, token)
	err = h.invoke(authed, "Settle", &server.KeeperRequest{RequestID: "settle-1"}, &resp)
	assert.NotEqual(t, codes.PermissionDenied, status.Code(err))

	err = h.invoke(authed, "ForceReset", &server.ForceResetRequest{RequestID: "reset-2"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err), "reason is required")
}

func TestGRPC_OperatorCommands(t *testing.T) {
	h := newHarness(t)
	authed := metadata.AppendToOutgoingContext(context.Background(), server.OperatorTokenHeader, token)
	bob := uuid.New()

	var resp server.CommandResponse
	require.NoError(t, h.invoke(authed, "SetPriorityAccount", &server.PriorityAccountRequest{
		RequestID: "prio-1",
		Account:   bob.String(),
		Enabled:   true,
	}, &resp))
	var types []string
	for _, n := range resp.Notices {
		types = append(types, n.Type.String())
	}
	assert.Contains(t, types, "priority_account_set")

	err := h.invoke(authed, "SetPriorityAccount", &server.PriorityAccountRequest{RequestID: "prio-2", Account: "bob"}, &resp)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// nothing is deployed, so there is no collateral to release
	err = h.invoke(authed, "DecreaseCollateral", &server.KeeperRequest{RequestID: "dec-1"}, &resp)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
