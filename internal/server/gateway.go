package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"HedgeVault/internal/observability"
	"HedgeVault/internal/query"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Gateway serves the HTTP/JSON mirror of VaultService under /v1, the
// history endpoints, the event stream and the operational endpoints. Calls
// go straight to the in-process service rather than through a gRPC dial.
type Gateway struct {
	mux     *runtime.ServeMux
	svc     VaultServiceServer
	qs      *query.QueryService
	hub     *Hub
	health  *observability.HealthChecker
	origins []string
	addr    string
	log     zerolog.Logger
}

func NewGateway(
	addr string,
	origins []string,
	svc VaultServiceServer,
	qs *query.QueryService,
	hub *Hub,
	health *observability.HealthChecker,
	log zerolog.Logger,
) (*Gateway, error) {
	g := &Gateway{
		mux: runtime.NewServeMux(
			runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
		),
		svc:     svc,
		qs:      qs,
		hub:     hub,
		health:  health,
		origins: origins,
		addr:    addr,
		log:     log.With().Str("component", "gateway").Logger(),
	}
	if err := g.routes(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) routes() error {
	regs := []error{
		post(g, "/v1/deposit", g.svc.Deposit),
		post(g, "/v1/mint", g.svc.Mint),
		post(g, "/v1/withdraw", g.svc.Withdraw),
		post(g, "/v1/redeem", g.svc.Redeem),
		post(g, "/v1/claim", g.svc.Claim),
		post(g, "/v1/keeper/settle", g.svc.Settle),
		post(g, "/v1/keeper/utilize", g.svc.Utilize),
		post(g, "/v1/keeper/deutilize", g.svc.Deutilize),
		post(g, "/v1/keeper/decrease-collateral", g.svc.DecreaseCollateral),
		post(g, "/v1/operator/force-reset", g.svc.ForceReset),
		post(g, "/v1/operator/priority-accounts", g.svc.SetPriorityAccount),

		g.get("/v1/summary", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return g.svc.GetSummary(ctx, &GetSummaryRequest{})
		}),
		g.get("/v1/preview", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			amount, err := int64Param(r, "amount")
			if err != nil {
				return nil, err
			}
			return g.svc.Preview(ctx, &PreviewRequest{Amount: amount})
		}),
		g.get("/v1/tickets/{ticket_id}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return g.svc.GetTicket(ctx, &GetTicketRequest{TicketID: p["ticket_id"]})
		}),
		g.get("/v1/accounts/{owner}", func(ctx context.Context, _ *http.Request, p map[string]string) (any, error) {
			return g.svc.GetAccount(ctx, &GetAccountRequest{Owner: p["owner"]})
		}),
		g.get("/v1/accounts/{owner}/tickets", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return g.svc.ListTickets(ctx, &ListTicketsRequest{
				Owner:          p["owner"],
				IncludeClaimed: r.URL.Query().Get("include_claimed") == "true",
			})
		}),

		// history, served from the projections
		g.get("/v1/accounts/{owner}/history/tickets", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			owner, err := parseUUID("owner", p["owner"])
			if err != nil {
				return nil, err
			}
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return g.qs.GetTicketHistory(ctx, owner, limit, before)
		}),
		g.get("/v1/history/summary", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return g.qs.GetSummaryHistory(ctx, limit, before)
		}),
		g.get("/v1/history/fees", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return g.qs.GetFeeHistory(ctx, limit, before)
		}),
		g.get("/v1/history/hedge-rounds", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return g.qs.GetHedgeRounds(ctx, limit, before)
		}),
		g.get("/v1/history/journal", func(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
			account := r.URL.Query().Get("account")
			if account == "" {
				return nil, status.Error(codes.InvalidArgument, "account is required")
			}
			limit, before, err := pageParams(r)
			if err != nil {
				return nil, err
			}
			return g.qs.GetJournalHistory(ctx, account, limit, before)
		}),
		g.get("/v1/integrity", func(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
			return g.qs.VerifyIntegrity(ctx)
		}),
	}
	return errors.Join(regs...)
}

func post[Req, Resp any](g *Gateway, path string, call func(context.Context, *Req) (*Resp, error)) error {
	return g.mux.HandlePath(http.MethodPost, path, func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		req := new(Req)
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			g.reply(w, r, nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
			return
		}
		resp, err := call(incoming(r), req)
		g.reply(w, r, resp, err)
	})
}

func (g *Gateway) get(path string, call func(context.Context, *http.Request, map[string]string) (any, error)) error {
	return g.mux.HandlePath(http.MethodGet, path, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := call(incoming(r), r, params)
		g.reply(w, r, resp, err)
	})
}

func (g *Gateway) reply(w http.ResponseWriter, r *http.Request, resp any, err error) {
	_, out := runtime.MarshalerForRequest(g.mux, r)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, statusFromError(err))
		return
	}
	data, err := out.Marshal(resp)
	if err != nil {
		runtime.HTTPError(r.Context(), g.mux, out, w, r, status.Errorf(codes.Internal, "marshal: %v", err))
		return
	}
	w.Header().Set("Content-Type", out.ContentType(resp))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		g.log.Debug().Err(err).Str("path", r.URL.Path).Msg("write response")
	}
}

// incoming carries the operator token header into gRPC metadata.
func incoming(r *http.Request) context.Context {
	ctx := r.Context()
	if tok := r.Header.Get(OperatorTokenHeader); tok != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs(OperatorTokenHeader, tok))
	}
	return ctx
}

func int64Param(r *http.Request, name string) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return v, nil
}

func pageParams(r *http.Request) (int, *int64, error) {
	q := r.URL.Query()
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
		limit = n
	}
	if s := q.Get("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, status.Errorf(codes.InvalidArgument, "invalid before: %v", err)
		}
		return limit, &v, nil
	}
	return limit, nil, nil
}

// Handler assembles the full HTTP surface behind CORS.
func (g *Gateway) Handler() http.Handler {
	root := http.NewServeMux()
	if g.health != nil {
		root.HandleFunc("/healthz", g.health.LivenessHandler)
		root.HandleFunc("/readyz", g.health.ReadinessHandler)
	}
	root.Handle("/metrics", promhttp.Handler())
	if g.hub != nil {
		root.Handle("/v1/stream", g.hub)
	}
	root.Handle("/", g.mux)

	origins := g.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", OperatorTokenHeader},
	})
	return c.Handler(root)
}

// Start serves until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		g.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if g.hub != nil {
			g.hub.Close()
		}
		srv.Shutdown(shutdownCtx)
	}()

	g.log.Info().Str("addr", g.addr).Msg("HTTP gateway listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
