package coordinatord

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"crossloan/coordinator"
	"crossloan/lifecycle"
	"crossloan/loan"
	"crossloan/relay"
)

// Service is the coordinator surface the admin API drives.
type Service interface {
	Handle(ctx context.Context, cmd loan.Command) (coordinator.Result, error)
	Await(ctx context.Context, req *lifecycle.Request) (lifecycle.State, error)
	Registry() *lifecycle.Registry
	DispatchStats() relay.Stats
}

// AdminServer exposes the operator API. Loan and repayment commands are
// reconciled in the background until they settle or settleTimeout passes.
type AdminServer struct {
	svc           Service
	auth          *Authenticator
	logger        *slog.Logger
	settleTimeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	router http.Handler
}

// NewAdminServer wires the routes.
func NewAdminServer(svc Service, auth *Authenticator, logger *slog.Logger, settleTimeout time.Duration) *AdminServer {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &AdminServer{
		svc:           svc,
		auth:          auth,
		logger:        logger,
		settleTimeout: settleTimeout,
		base:          base,
		cancel:        cancel,
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "coordinatord")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background reconciliation and waits for it to exit.
func (s *AdminServer) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.With(s.auth.Middleware(ScopeRead)).Get("/status", s.handleStatus)
		api.With(s.auth.Middleware(ScopeRead)).Get("/requests/{id}", s.handleRequest)
		api.With(s.auth.Middleware(ScopeRead)).Get("/accounts/{account}", s.handleAccount)
		api.With(s.auth.Middleware(ScopeWrite)).Post("/commands", s.handleCommand)
	})
	return r
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Requests map[lifecycle.State]int `json:"requests"`
	Dispatch relay.Stats             `json:"dispatch"`
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Requests: s.svc.Registry().Counts(),
		Dispatch: s.svc.DispatchStats(),
	})
}

func (s *AdminServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.svc.Registry().Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "request not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, req.Snapshot())
}

type accountResponse struct {
	Position positionView         `json:"position"`
	Requests []lifecycle.Snapshot `json:"requests"`
}

func (s *AdminServer) handleAccount(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "account")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid account", nil)
		return
	}
	account := common.HexToAddress(raw)
	result, err := s.svc.Handle(r.Context(), loan.Command{Kind: loan.CommandStatus, Account: account})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	resp := accountResponse{Requests: []lifecycle.Snapshot{}}
	if result.Position != nil {
		resp.Position = newPositionView(*result.Position)
	}
	for _, req := range s.svc.Registry().ForAccount(account) {
		resp.Requests = append(resp.Requests, req.Snapshot())
	}
	writeJSON(w, http.StatusOK, resp)
}

type commandRequest struct {
	Kind    string `json:"kind"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
	// Await blocks the response until the request settles.
	Await bool `json:"await"`
}

type commandResponse struct {
	Kind     loan.CommandKind    `json:"kind"`
	Request  *lifecycle.Snapshot `json:"request,omitempty"`
	TxHash   string              `json:"txHash,omitempty"`
	Position *positionView       `json:"position,omitempty"`
}

func (s *AdminServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body commandRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", nil)
		return
	}
	cmd, err := body.command()
	if err != nil {
		s.writeCommandError(w, err)
		return
	}

	logger := s.logger.With(
		slog.String("command", string(cmd.Kind)),
		slog.String("account", cmd.Account.Hex()),
		slog.String("subject", SubjectFromContext(r.Context())),
	)
	result, err := s.svc.Handle(r.Context(), cmd)
	if err != nil {
		logger.Warn("command failed", slog.Any("error", err))
		// an unknown relay outcome leaves the request open until resolved
		if req := result.Request; req != nil && !req.State().Terminal() {
			s.track(req)
		}
		s.writeCommandError(w, err)
		return
	}

	if req := result.Request; req != nil {
		if body.Await {
			ctx, cancel := context.WithTimeout(r.Context(), s.settleTimeout)
			_, awaitErr := s.svc.Await(ctx, req)
			cancel()
			if awaitErr != nil && req.State().Terminal() {
				s.writeCommandError(w, awaitErr)
				return
			}
		}
		if !req.State().Terminal() {
			s.track(req)
		}
	}
	writeJSON(w, http.StatusOK, newCommandResponse(result))
}

func (c commandRequest) command() (loan.Command, error) {
	cmd := loan.Command{Kind: loan.CommandKind(strings.TrimSpace(c.Kind))}
	if raw := strings.TrimSpace(c.Account); raw != "" {
		if !common.IsHexAddress(raw) {
			return cmd, loan.ErrAccountRequired
		}
		cmd.Account = common.HexToAddress(raw)
	}
	if strings.TrimSpace(c.Amount) != "" {
		amount, err := loan.ParseAmount(c.Amount)
		if err != nil {
			return cmd, errors.Join(loan.ErrAmountRequired, err)
		}
		cmd.Amount = amount
	}
	return cmd, cmd.Validate()
}

// track reconciles req in the background.
func (s *AdminServer) track(req *lifecycle.Request) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.base, s.settleTimeout)
		defer cancel()
		state, err := s.svc.Await(ctx, req)
		if err != nil && !state.Terminal() {
			s.logger.Warn("request left unsettled",
				slog.String("request_id", req.ID),
				slog.String("state", string(state)),
				slog.Any("error", err))
		}
	}()
}

func newCommandResponse(result coordinator.Result) commandResponse {
	resp := commandResponse{Kind: result.Kind}
	if result.Request != nil {
		snap := result.Request.Snapshot()
		resp.Request = &snap
	}
	if result.TxHash != (common.Hash{}) {
		resp.TxHash = result.TxHash.Hex()
	}
	if result.Position != nil {
		view := newPositionView(*result.Position)
		resp.Position = &view
	}
	return resp
}

type positionView struct {
	Account          string             `json:"account"`
	Collateral       string             `json:"collateral,omitempty"`
	MaxLoanCapacity  string             `json:"maxLoanCapacity,omitempty"`
	Debt             string             `json:"debt,omitempty"`
	ReplayCounter    uint64             `json:"replayCounter"`
	RatioPercent     uint64             `json:"ratioPercent"`
	Health           coordinator.Health `json:"health"`
	MaxAdmissible    string             `json:"maxAdmissible,omitempty"`
	SourceError      string             `json:"sourceError,omitempty"`
	DestinationError string             `json:"destinationError,omitempty"`
}

func newPositionView(p coordinator.Position) positionView {
	view := positionView{
		Account:       p.Account.Hex(),
		ReplayCounter: p.ReplayCounter,
		RatioPercent:  p.RatioPercent,
		Health:        p.Health,
	}
	if p.Collateral != nil {
		view.Collateral = loan.FormatAmount(p.Collateral)
	}
	if p.MaxLoanCapacity != nil {
		view.MaxLoanCapacity = loan.FormatAmount(p.MaxLoanCapacity)
	}
	if p.Debt != nil {
		view.Debt = loan.FormatAmount(p.Debt)
	}
	if p.MaxAdmissible != nil {
		view.MaxAdmissible = loan.FormatAmount(p.MaxAdmissible)
	}
	if p.SourceErr != nil {
		view.SourceError = p.SourceErr.Error()
	}
	if p.DestinationErr != nil {
		view.DestinationError = p.DestinationErr.Error()
	}
	return view
}

type errorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}

func (s *AdminServer) writeCommandError(w http.ResponseWriter, err error) {
	status, details := classifyError(err)
	writeError(w, status, err.Error(), details)
}

// classifyError maps the coordinator error taxonomy onto HTTP statuses.
func classifyError(err error) (int, map[string]string) {
	var insufficient *loan.InsufficientCollateralError
	switch {
	case errors.As(err, &insufficient):
		return http.StatusUnprocessableEntity, map[string]string{
			"requested":            loan.FormatAmount(insufficient.Requested),
			"shortfall":            loan.FormatAmount(insufficient.Shortfall),
			"maxAdmissible":        loan.FormatAmount(insufficient.MaxAdmissible),
			"additionalCollateral": loan.FormatAmount(insufficient.AdditionalCollateral),
		}
	case errors.Is(err, loan.ErrAmountRequired),
		errors.Is(err, loan.ErrAccountRequired),
		errors.Is(err, loan.ErrUnknownCommand):
		return http.StatusBadRequest, nil
	case errors.Is(err, loan.ErrNoDebt), errors.Is(err, loan.ErrRepayExceedsDebt):
		return http.StatusUnprocessableEntity, nil
	case errors.Is(err, loan.ErrDuplicateDispatch), errors.Is(err, loan.ErrCounterConsumed):
		return http.StatusConflict, nil
	case errors.Is(err, loan.ErrExpired):
		return http.StatusGone, nil
	case errors.Is(err, loan.ErrRelayRejected):
		return http.StatusBadGateway, nil
	case errors.Is(err, loan.ErrLedgerUnavailable), errors.Is(err, loan.ErrRelayUnknown):
		return http.StatusServiceUnavailable, nil
	case errors.Is(err, loan.ErrSigningFailed):
		return http.StatusForbidden, nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, nil
	default:
		return http.StatusInternalServerError, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string, details map[string]string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}
