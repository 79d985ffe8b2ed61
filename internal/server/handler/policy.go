package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/ledger"
	"github.com/coverpool/coverd/internal/shard"
)

// PolicySeller defines the settlement method that issues a policy and
// distributes its premium.
type PolicySeller interface {
	SellPolicy(ctx context.Context, p domain.PolicyRecord) (ledger.Receipt, error)
}

// PolicyHandler serves policy HTTP endpoints. Reads route through the shard
// router so every lookup lands on the policy's home shard.
type PolicyHandler struct {
	seller PolicySeller
	router *shard.Router
	logger *slog.Logger
}

// NewPolicyHandler creates a PolicyHandler.
func NewPolicyHandler(seller PolicySeller, router *shard.Router, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{
		seller: seller,
		router: router,
		logger: logger,
	}
}

type sellPolicyRequest struct {
	PolicyID        string `json:"policy_id"`
	Owner           string `json:"owner"`
	Category        string `json:"category"`
	CoverageAmount  int64  `json:"coverage_amount"`
	Premium         int64  `json:"premium"`
	DurationSeconds int64  `json:"duration_seconds"`
}

type policyResponse struct {
	PolicyID       string `json:"policy_id"`
	Owner          string `json:"owner"`
	Category       string `json:"category"`
	CoverageAmount int64  `json:"coverage_amount"`
	Premium        int64  `json:"premium"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Active         bool   `json:"active"`
	Claimed        bool   `json:"claimed"`
	ShardID        int    `json:"shard_id"`
}

func toPolicyResponse(p domain.PolicyRecord, shardID int) policyResponse {
	return policyResponse{
		PolicyID:       p.PolicyID.Hex(),
		Owner:          p.Owner.Hex(),
		Category:       string(p.Category),
		CoverageAmount: p.CoverageAmount,
		Premium:        p.Premium,
		StartTime:      p.StartTime.UTC().Format(time.RFC3339),
		EndTime:        p.EndTime.UTC().Format(time.RFC3339),
		Active:         p.Active,
		Claimed:        p.Claimed,
		ShardID:        shardID,
	}
}

// SellPolicy issues a new policy on its home shard and distributes the
// premium across the tranches.
// POST /api/policies
func (h *PolicyHandler) SellPolicy(w http.ResponseWriter, r *http.Request) {
	var req sellPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	policyID, ok := parseHash(req.PolicyID)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	owner, ok := parseAddress(req.Owner)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	if req.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "duration_seconds must be positive")
		return
	}

	now := time.Now().UTC()
	record := domain.PolicyRecord{
		PolicyID:       policyID,
		Owner:          owner,
		Category:       domain.CoverageCategory(req.Category),
		CoverageAmount: req.CoverageAmount,
		Premium:        req.Premium,
		StartTime:      now,
		EndTime:        now.Add(time.Duration(req.DurationSeconds) * time.Second),
		Active:         true,
	}

	receipt, err := h.seller.SellPolicy(r.Context(), record)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sell policy failed",
			slog.String("policy_id", policyID.Hex()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	home, err := h.router.ShardFor(policyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"policy":         toPolicyResponse(record, home.ID()),
		"seq":            receipt.Seq,
		"slice_forwards": receipt.SliceForwards,
	})
}

// GetPolicy returns one policy, routed to its home shard.
// GET /api/policies/{id}
func (h *PolicyHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := parseHash(pathParam(r, "id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}

	home, err := h.router.ShardFor(policyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	record, err := home.GetPolicyData(r.Context(), policyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status, err := home.GetPolicyStatus(r.Context(), policyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := struct {
		policyResponse
		Expired bool `json:"expired"`
	}{
		policyResponse: toPolicyResponse(record, home.ID()),
		Expired:        status.Expired,
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListUserPolicies returns every policy owned by an account across all shards.
// GET /api/accounts/{address}/policies
func (h *PolicyHandler) ListUserPolicies(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	out := []policyResponse{}
	for _, s := range h.router.Shards() {
		records, err := s.GetUserPolicies(r.Context(), owner)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list user policies failed",
				slog.Int("shard", s.ID()),
				slog.String("error", err.Error()),
			)
			writeDomainError(w, err)
			return
		}
		for _, p := range records {
			out = append(out, toPolicyResponse(p, s.ID()))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"policies": out})
}

// ListShards returns per-shard policy counts.
// GET /api/shards
func (h *PolicyHandler) ListShards(w http.ResponseWriter, r *http.Request) {
	type shardInfo struct {
		ID       int   `json:"id"`
		Policies int64 `json:"policies"`
	}

	shards := make([]shardInfo, 0, h.router.Count())
	for _, s := range h.router.Shards() {
		count, err := s.PolicyCount(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		shards = append(shards, shardInfo{ID: s.ID(), Policies: count})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  h.router.Count(),
		"shards": shards,
	})
}
