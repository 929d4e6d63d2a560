// Package server exposes the mint gateway HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mintgate/ledger"
	"mintgate/native/governance"
	"mintgate/native/minting"
	"mintgate/services/mint-gateway/auth"
	"mintgate/storage"
)

// MintEngine is the minting surface the server drives.
type MintEngine interface {
	CreateDesign(ctx context.Context, creator, name, metadataURI string, payload []byte) (*storage.Design, error)
	Design(ctx context.Context, id uuid.UUID) (*storage.Design, error)
	ListDesigns(ctx context.Context, status storage.DesignStatus) ([]storage.Design, error)
	Mint(ctx context.Context, caller string, designID uuid.UUID, tier ledger.PriorityTier) (*minting.Result, error)
	ApplyStatus(ctx context.Context, designID uuid.UUID, status storage.DesignStatus) (*storage.Design, error)
}

// GovernanceEngine is the proposal and vote surface the server drives.
type GovernanceEngine interface {
	EnsureProposal(ctx context.Context, designID uuid.UUID, kind storage.ProposalKind, tier ledger.PriorityTier) (*governance.Outcome, error)
	CastVote(ctx context.Context, voter string, proposalID uuid.UUID, support bool, reason string, tier ledger.PriorityTier) (*governance.Outcome, error)
	Refresh(ctx context.Context, proposalID uuid.UUID) (*storage.Proposal, error)
}

// Config wires the server's dependencies.
type Config struct {
	Minting    MintEngine
	Governance GovernanceEngine
	Auth       *auth.Authenticator
	Log        *slog.Logger
	RateRPS    float64
	RateBurst  int
}

// Server is the HTTP front of the gateway.
type Server struct {
	minting    MintEngine
	governance GovernanceEngine
	auth       *auth.Authenticator
	log        *slog.Logger
	limiter    *rateLimiter
}

// New validates the configuration and returns a ready server.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Minting == nil:
		return nil, errors.New("server: minting engine required")
	case cfg.Governance == nil:
		return nil, errors.New("server: governance engine required")
	case cfg.Auth == nil:
		return nil, errors.New("server: authenticator required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		minting:    cfg.Minting,
		governance: cfg.Governance,
		auth:       cfg.Auth,
		log:        log,
		limiter:    newRateLimiter(cfg.RateRPS, cfg.RateBurst),
	}, nil
}

// Handler builds the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Use(s.auth.Middleware)
		api.Post("/designs", s.CreateDesign)
		api.Get("/designs", s.ListDesigns)
		api.Get("/designs/{id}", s.GetDesign)
		api.Post("/designs/{id}/mint", s.MintDesign)
		api.Post("/designs/{id}/status", s.ApplyDesignStatus)
		api.Post("/designs/{id}/proposals", s.CreateProposal)
		api.Get("/proposals/{id}", s.GetProposal)
		api.Post("/proposals/{id}/votes", s.CastVote)
	})
	return r
}

type createDesignRequest struct {
	Name        string          `json:"name"`
	MetadataURI string          `json:"metadata_uri"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) CreateDesign(w http.ResponseWriter, r *http.Request) {
	creator, ok := auth.Address(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req createDesignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	design, err := s.minting.CreateDesign(r.Context(), creator, req.Name, req.MetadataURI, req.Metadata)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, design)
}

func (s *Server) ListDesigns(w http.ResponseWriter, r *http.Request) {
	var status storage.DesignStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = storage.DesignStatus(strings.ToUpper(raw))
	}
	designs, err := s.minting.ListDesigns(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, designs)
}

func (s *Server) GetDesign(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid design id")
		return
	}
	design, err := s.minting.Design(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, design)
}

type mintRequest struct {
	Priority string `json:"priority"`
}

type mintResponse struct {
	Code          minting.Code `json:"code"`
	TokenID       uint64       `json:"token_id,omitempty"`
	TxHash        string       `json:"tx_hash,omitempty"`
	ProvisionalID uint64       `json:"provisional_id,omitempty"`
	Fallback      bool         `json:"fallback,omitempty"`
}

func (s *Server) MintDesign(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.Address(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid design id")
		return
	}
	var req mintRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	result, err := s.minting.Mint(r.Context(), caller, id, parseTier(req.Priority))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, mintStatus(result.Code), mintResponse{
		Code:          result.Code,
		TokenID:       result.TokenID,
		TxHash:        result.TxHash,
		ProvisionalID: result.ProvisionalID,
		Fallback:      result.Fallback,
	})
}

type statusRequest struct {
	Status string `json:"status"`
}

// ApplyDesignStatus records a governance outcome decided outside the vote
// flow, for operators reconciling chain state by hand.
func (s *Server) ApplyDesignStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid design id")
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	design, err := s.minting.ApplyStatus(r.Context(), id, storage.DesignStatus(strings.ToUpper(req.Status)))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, design)
}

type proposalRequest struct {
	Kind     string `json:"kind"`
	Priority string `json:"priority"`
}

type voteRequest struct {
	Support  *bool  `json:"support"`
	Reason   string `json:"reason"`
	Priority string `json:"priority"`
}

type governanceResponse struct {
	Code          governance.Code   `json:"code"`
	Proposal      *storage.Proposal `json:"proposal,omitempty"`
	Weight        uint64            `json:"weight,omitempty"`
	TxHash        string            `json:"tx_hash,omitempty"`
	ProvisionalID uint64            `json:"provisional_id,omitempty"`
	Fallback      bool              `json:"fallback,omitempty"`
}

func (s *Server) CreateProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid design id")
		return
	}
	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var kind storage.ProposalKind
	switch req.Kind {
	case "approval", "":
		kind = storage.ProposalApproval
	case "rejection":
		kind = storage.ProposalRejection
	default:
		s.writeErrorMessage(w, http.StatusBadRequest, "kind must be approval or rejection")
		return
	}
	outcome, err := s.governance.EnsureProposal(r.Context(), id, kind, parseTier(req.Priority))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeGovernance(w, outcome)
}

func (s *Server) GetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	proposal, err := s.governance.Refresh(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proposal)
}

func (s *Server) CastVote(w http.ResponseWriter, r *http.Request) {
	voter, ok := auth.Address(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid proposal id")
		return
	}
	var req voteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Support == nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "support is required")
		return
	}
	outcome, err := s.governance.CastVote(r.Context(), voter, id, *req.Support, req.Reason, parseTier(req.Priority))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeGovernance(w, outcome)
}

func (s *Server) writeGovernance(w http.ResponseWriter, outcome *governance.Outcome) {
	s.writeJSON(w, governanceStatus(outcome.Code), governanceResponse{
		Code:          outcome.Code,
		Proposal:      outcome.Proposal,
		Weight:        outcome.Weight,
		TxHash:        outcome.TxHash,
		ProvisionalID: outcome.ProvisionalID,
		Fallback:      outcome.Fallback,
	})
}

// mintStatus maps outcome codes onto HTTP statuses. Partial success stays a
// 200 because the chain did the work; timed out is a 202 because the answer
// is still open.
func mintStatus(code minting.Code) int {
	switch code {
	case minting.CodeRejected:
		return http.StatusUnprocessableEntity
	case minting.CodeTimedOut:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func governanceStatus(code governance.Code) int {
	switch code {
	case governance.CodeRejected:
		return http.StatusUnprocessableEntity
	case governance.CodeTimedOut:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

func parseTier(raw string) ledger.PriorityTier {
	if raw == "high" {
		return ledger.TierHigh
	}
	return ledger.TierStandard
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, minting.ErrDesignNotFound),
		errors.Is(err, governance.ErrDesignNotFound),
		errors.Is(err, governance.ErrProposalNotFound):
		status = http.StatusNotFound
	case errors.Is(err, minting.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, minting.ErrAlreadyMinted),
		errors.Is(err, minting.ErrMintPending),
		errors.Is(err, governance.ErrAlreadyVoted),
		errors.Is(err, storage.ErrStaleTransition):
		status = http.StatusConflict
	case errors.Is(err, minting.ErrInvalidDesign),
		errors.Is(err, minting.ErrUnknownStatus):
		status = http.StatusBadRequest
	case errors.Is(err, governance.ErrNotCandidate),
		errors.Is(err, governance.ErrProposalNotActive),
		errors.Is(err, governance.ErrNoVotingPower):
		status = http.StatusUnprocessableEntity
	default:
		var submission *ledger.SubmissionError
		var probe *ledger.ProbeError
		if errors.As(err, &submission) || errors.As(err, &probe) {
			status = http.StatusBadGateway
		}
	}

	code := "error"
	if status >= 400 && status < 500 {
		code = "rejected"
	}
	if status >= 500 {
		s.log.Error("request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, errorResponse{Code: code, Error: err.Error()})
}

func (s *Server) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Code: "rejected", Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "err", err)
	}
}
