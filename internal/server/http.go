package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dscledger/internal/engine"
	"dscledger/internal/ledger"
	"dscledger/internal/observability"
	"dscledger/internal/oracle"
	"dscledger/internal/query"
	"dscledger/internal/registry"
	"dscledger/internal/solvency"
)

const requestLimit = 1 << 20 // 1 MiB

// Operations is the mutating surface of the accounting engine the HTTP
// layer exposes.
type Operations interface {
	DepositCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int) error
	MintDebt(ctx context.Context, user uuid.UUID, amount *big.Int) error
	DepositCollateralAndMintDebt(ctx context.Context, user uuid.UUID, asset registry.AssetID, collateralAmount, debtAmount *big.Int) error
	BurnDebt(ctx context.Context, user uuid.UUID, amount *big.Int) error
	RedeemCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, amount *big.Int) error
	BurnDebtAndRedeemCollateral(ctx context.Context, user uuid.UUID, asset registry.AssetID, collateralAmount, debtAmount *big.Int) error
	Liquidate(ctx context.Context, liquidator, user uuid.UUID, asset registry.AssetID, debtToCover *big.Int) error
}

// Server is the HTTP/JSON API over the engine and query service.
type Server struct {
	ops     Operations
	queries *query.Service
	health  *observability.HealthChecker
	log     zerolog.Logger
}

func New(ops Operations, queries *query.Service, health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{ops: ops, queries: queries, health: health, log: log}
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/collaterals", s.listCollaterals)
		r.Get("/history", s.getHistory)
		r.Route("/accounts/{user}", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Get("/health", s.getHealthFactor)
		})

		r.Post("/deposit", s.deposit)
		r.Post("/mint", s.mint)
		r.Post("/deposit-and-mint", s.depositAndMint)
		r.Post("/burn", s.burn)
		r.Post("/redeem", s.redeem)
		r.Post("/burn-and-redeem", s.burnAndRedeem)
		r.Post("/liquidate", s.liquidate)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ----------------------------------------------------------------------------
// request bodies
// ----------------------------------------------------------------------------

type amountRequest struct {
	User   string `json:"user"`
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

type compositeRequest struct {
	User             string `json:"user"`
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	DebtAmount       string `json:"debt_amount"`
}

type liquidateRequest struct {
	Liquidator  string `json:"liquidator"`
	User        string `json:"user"`
	Asset       string `json:"asset"`
	DebtToCover string `json:"debt_to_cover"`
}

// ----------------------------------------------------------------------------
// read handlers
// ----------------------------------------------------------------------------

func (s *Server) listCollaterals(w http.ResponseWriter, r *http.Request) {
	assets, err := s.queries.ListAssets(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assets)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid user id")
		return
	}
	account, err := s.queries.GetAccount(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) getHealthFactor(w http.ResponseWriter, r *http.Request) {
	user, err := uuid.Parse(chi.URLParam(r, "user"))
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid user id")
		return
	}
	account, err := s.queries.GetAccount(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"health_factor": account.HealthFactor})
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeErrorStatus(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	entries, err := s.queries.GetHistory(r.Context(), limit, before)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// ----------------------------------------------------------------------------
// mutating handlers
// ----------------------------------------------------------------------------

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	user, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	s.apply(w, s.ops.DepositCollateral(r.Context(), user, registry.AssetID(req.Asset), amount))
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	user, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	s.apply(w, s.ops.MintDebt(r.Context(), user, amount))
}

func (s *Server) burn(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	user, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	s.apply(w, s.ops.BurnDebt(r.Context(), user, amount))
}

func (s *Server) redeem(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	user, amount, ok := s.decodeAmount(w, r, &req)
	if !ok {
		return
	}
	s.apply(w, s.ops.RedeemCollateral(r.Context(), user, registry.AssetID(req.Asset), amount))
}

func (s *Server) depositAndMint(w http.ResponseWriter, r *http.Request) {
	user, collateral, debt, asset, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}
	s.apply(w, s.ops.DepositCollateralAndMintDebt(r.Context(), user, asset, collateral, debt))
}

func (s *Server) burnAndRedeem(w http.ResponseWriter, r *http.Request) {
	user, collateral, debt, asset, ok := s.decodeComposite(w, r)
	if !ok {
		return
	}
	s.apply(w, s.ops.BurnDebtAndRedeemCollateral(r.Context(), user, asset, collateral, debt))
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	liquidator, err := uuid.Parse(req.Liquidator)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid liquidator id")
		return
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid user id")
		return
	}
	debtToCover, ok := parseAmount(req.DebtToCover)
	if !ok {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid debt_to_cover")
		return
	}
	s.apply(w, s.ops.Liquidate(r.Context(), liquidator, user, registry.AssetID(req.Asset), debtToCover))
}

// ----------------------------------------------------------------------------
// plumbing
// ----------------------------------------------------------------------------

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestLimit))
	if err := dec.Decode(dst); err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func (s *Server) decodeAmount(w http.ResponseWriter, r *http.Request, req *amountRequest) (uuid.UUID, *big.Int, bool) {
	if !s.decodeBody(w, r, req) {
		return uuid.Nil, nil, false
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, nil, false
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid amount")
		return uuid.Nil, nil, false
	}
	return user, amount, true
}

func (s *Server) decodeComposite(w http.ResponseWriter, r *http.Request) (uuid.UUID, *big.Int, *big.Int, registry.AssetID, bool) {
	var req compositeRequest
	if !s.decodeBody(w, r, &req) {
		return uuid.Nil, nil, nil, "", false
	}
	user, err := uuid.Parse(req.User)
	if err != nil {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid user id")
		return uuid.Nil, nil, nil, "", false
	}
	collateral, ok := parseAmount(req.CollateralAmount)
	if !ok {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid collateral_amount")
		return uuid.Nil, nil, nil, "", false
	}
	debt, ok := parseAmount(req.DebtAmount)
	if !ok {
		s.writeErrorStatus(w, http.StatusBadRequest, "invalid debt_amount")
		return uuid.Nil, nil, nil, "", false
	}
	return user, collateral, debt, registry.AssetID(req.Asset), true
}

// parseAmount reads a base-10 integer amount. Sign validation is left to
// the engine so zero and negative amounts map to its error taxonomy.
func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	return new(big.Int).SetString(s, 10)
}

func (s *Server) apply(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("write response")
	}
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var broken *solvency.BrokenHealthFactorError
	var healthy *engine.PositionHealthyError

	switch {
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrAssetNotAllowed):
		s.writeErrorStatus(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &broken),
		errors.Is(err, engine.ErrHealthNotImproved):
		s.writeErrorStatus(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &healthy),
		errors.Is(err, ledger.ErrUnderflow):
		s.writeErrorStatus(w, http.StatusConflict, err.Error())
	case errors.Is(err, oracle.ErrStalePrice),
		errors.Is(err, oracle.ErrNonPositivePrice),
		errors.Is(err, oracle.ErrUnknownSource):
		s.writeErrorStatus(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, engine.ErrTransferFromFailed),
		errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed):
		s.writeErrorStatus(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, query.ErrHistoryUnavailable):
		s.writeErrorStatus(w, http.StatusNotImplemented, err.Error())
	default:
		s.log.Error().Err(err).Msg("internal error")
		s.writeErrorStatus(w, http.StatusInternalServerError, "internal error")
	}
}
