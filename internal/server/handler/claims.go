package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
)

// ClaimService defines the methods the claim handler requires from the
// claims engine.
type ClaimService interface {
	FileClaim(ctx context.Context, claimant common.Address, policyID common.Hash, category domain.CoverageCategory, coverageAmount int64, evidenceRef common.Hash) (domain.Claim, error)
	AdminApprove(ctx context.Context, caller common.Address, claimID string) (domain.Claim, error)
	AdminReject(ctx context.Context, caller common.Address, claimID string) (domain.Claim, error)
	AddVerifiedEvent(ctx context.Context, caller common.Address, hash common.Hash) error
	GetClaim(ctx context.Context, claimID string) (domain.Claim, error)
	ListByStatus(ctx context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error)
}

// ClaimHandler serves claim lifecycle HTTP endpoints.
type ClaimHandler struct {
	claims ClaimService
	logger *slog.Logger
}

// NewClaimHandler creates a ClaimHandler.
func NewClaimHandler(claims ClaimService, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{claims: claims, logger: logger}
}

type fileClaimRequest struct {
	Claimant       string `json:"claimant"`
	PolicyID       string `json:"policy_id"`
	Category       string `json:"category"`
	CoverageAmount int64  `json:"coverage_amount"`
	EvidenceRef    string `json:"evidence_ref"`
}

type claimResponse struct {
	ID             string `json:"id"`
	PolicyID       string `json:"policy_id"`
	Claimant       string `json:"claimant"`
	Category       string `json:"category"`
	CoverageAmount int64  `json:"coverage_amount"`
	EvidenceRef    string `json:"evidence_ref"`
	Status         string `json:"status"`
	AutoApproved   bool   `json:"auto_approved"`
	FiledAt        string `json:"filed_at"`
	ResolvedAt     string `json:"resolved_at,omitempty"`
}

func toClaimResponse(c domain.Claim) claimResponse {
	resp := claimResponse{
		ID:             c.ID,
		PolicyID:       c.PolicyID.Hex(),
		Claimant:       c.Claimant.Hex(),
		Category:       string(c.Category),
		CoverageAmount: c.CoverageAmount,
		EvidenceRef:    c.EvidenceRef.Hex(),
		Status:         string(c.Status),
		AutoApproved:   c.AutoApproved,
		FiledAt:        c.FiledAt.UTC().Format(time.RFC3339),
	}
	if c.ResolvedAt != nil {
		resp.ResolvedAt = c.ResolvedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// FileClaim records a new claim. Objective categories with attested evidence
// settle immediately; everything else stays pending.
// POST /api/claims
func (h *ClaimHandler) FileClaim(w http.ResponseWriter, r *http.Request) {
	var req fileClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	claimant, ok := parseAddress(req.Claimant)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid claimant address")
		return
	}
	policyID, ok := parseHash(req.PolicyID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	evidenceRef, ok := parseHash(req.EvidenceRef)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid evidence ref")
		return
	}

	claim, err := h.claims.FileClaim(r.Context(), claimant, policyID,
		domain.CoverageCategory(req.Category), req.CoverageAmount, evidenceRef)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: file claim failed",
			slog.String("policy", policyID.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toClaimResponse(claim))
}

// ApproveClaim resolves a pending claim with payout. Admin only.
// POST /api/claims/{id}/approve
func (h *ClaimHandler) ApproveClaim(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.claims.AdminApprove)
}

// RejectClaim resolves a pending claim without payout. Admin only.
// POST /api/claims/{id}/reject
func (h *ClaimHandler) RejectClaim(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r, h.claims.AdminReject)
}

func (h *ClaimHandler) resolve(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, caller common.Address, claimID string) (domain.Claim, error),
) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing claim id")
		return
	}
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	claim, err := fn(r.Context(), caller, id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: resolve claim failed",
			slog.String("claim_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toClaimResponse(claim))
}

// GetClaim returns one claim by id.
// GET /api/claims/{id}
func (h *ClaimHandler) GetClaim(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing claim id")
		return
	}

	claim, err := h.claims.GetClaim(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimResponse(claim))
}

// ListClaims returns claims filtered by status.
// GET /api/claims?status=pending&limit=50&offset=0
func (h *ClaimHandler) ListClaims(w http.ResponseWriter, r *http.Request) {
	status := domain.ClaimStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.ClaimStatusPending
	}

	claims, err := h.claims.ListByStatus(r.Context(), status, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list claims failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	out := make([]claimResponse, 0, len(claims))
	for _, c := range claims {
		out = append(out, toClaimResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": out})
}

type addEventRequest struct {
	Hash string `json:"hash"`
}

// AddVerifiedEvent registers an oracle-attested loss event hash. Admin only.
// POST /api/events
func (h *ClaimHandler) AddVerifiedEvent(w http.ResponseWriter, r *http.Request) {
	var req addEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	hash, ok := parseHash(req.Hash)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid event hash")
		return
	}
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	if err := h.claims.AddVerifiedEvent(r.Context(), caller, hash); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: add verified event failed",
			slog.String("hash", hash.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"status": "added",
		"hash":   hash.Hex(),
	})
}
