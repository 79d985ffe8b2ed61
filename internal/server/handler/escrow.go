package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/escrow"
)

// EscrowService defines the methods the escrow handler requires from the
// escrow service.
type EscrowService interface {
	Initialize(ctx context.Context, p escrow.InitParams) (domain.Escrow, error)
	Release(ctx context.Context, caller common.Address, id string, commitment common.Hash) (domain.Escrow, error)
	MultiPartyRelease(ctx context.Context, caller common.Address, id string, commitment common.Hash, parties []domain.Party) (domain.Escrow, error)
	Cancel(ctx context.Context, caller common.Address, id string) (domain.Escrow, error)
	HandleTimeout(ctx context.Context, id string) (domain.Escrow, error)
	Freeze(ctx context.Context, caller common.Address, id string) (domain.Escrow, error)
	EmergencyWithdraw(ctx context.Context, caller common.Address, id string) (domain.Escrow, error)
	UpdateOracleAuthority(ctx context.Context, caller common.Address, id string, authority common.Address) (domain.Escrow, error)
	Get(ctx context.Context, id string) (domain.Escrow, error)
	TimeRemaining(ctx context.Context, id string) (time.Duration, error)
}

// EscrowHandler serves escrow lifecycle HTTP endpoints.
type EscrowHandler struct {
	escrows        EscrowService
	defaultTimeout time.Duration // applied when a create request omits timeout_seconds
	logger         *slog.Logger
}

// NewEscrowHandler creates an EscrowHandler.
func NewEscrowHandler(escrows EscrowService, defaultTimeout time.Duration, logger *slog.Logger) *EscrowHandler {
	return &EscrowHandler{escrows: escrows, defaultTimeout: defaultTimeout, logger: logger}
}

type partyRequest struct {
	Account string `json:"account"`
	Percent int    `json:"percent"`
}

type createEscrowRequest struct {
	Payer               string         `json:"payer"`
	Payee               string         `json:"payee"`
	OracleAuthority     string         `json:"oracle_authority"`
	Amount              int64          `json:"amount"`
	TimeoutSeconds      int64          `json:"timeout_seconds"`
	PolicyKind          string         `json:"policy_kind"`
	PercentToPayee      int            `json:"percent_to_payee"`
	ConditionCommitment string         `json:"condition_commitment"`
	AdditionalParties   []partyRequest `json:"additional_parties,omitempty"`
	LinkedPolicyID      string         `json:"linked_policy_id,omitempty"`
}

type escrowResponse struct {
	ID                  string         `json:"id"`
	Payer               string         `json:"payer"`
	Payee               string         `json:"payee"`
	OracleAuthority     string         `json:"oracle_authority"`
	Amount              int64          `json:"amount"`
	Status              string         `json:"status"`
	CreatedAt           string         `json:"created_at"`
	TimeoutAt           string         `json:"timeout_at"`
	PolicyKind          string         `json:"policy_kind"`
	PercentToPayee      int            `json:"percent_to_payee"`
	ConditionCommitment string         `json:"condition_commitment"`
	AdditionalParties   []partyRequest `json:"additional_parties,omitempty"`
	LinkedPolicyID      string         `json:"linked_policy_id,omitempty"`
	DisputeFrozenAt     string         `json:"dispute_frozen_at,omitempty"`
	ResolvedPolicy      string         `json:"resolved_policy,omitempty"`
}

func toEscrowResponse(e domain.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:                  e.ID,
		Payer:               e.Payer.Hex(),
		Payee:               e.Payee.Hex(),
		OracleAuthority:     e.OracleAuthority.Hex(),
		Amount:              e.Amount,
		Status:              string(e.Status),
		CreatedAt:           e.CreatedAt.UTC().Format(time.RFC3339),
		TimeoutAt:           e.TimeoutAt.UTC().Format(time.RFC3339),
		PolicyKind:          string(e.Policy.Kind),
		PercentToPayee:      e.Policy.PercentToPayee,
		ConditionCommitment: e.ConditionCommitment.Hex(),
	}
	for _, p := range e.AdditionalParties {
		resp.AdditionalParties = append(resp.AdditionalParties, partyRequest{
			Account: p.Account.Hex(),
			Percent: p.Percent,
		})
	}
	if e.LinkedPolicyID != nil {
		resp.LinkedPolicyID = e.LinkedPolicyID.Hex()
	}
	if e.DisputeFrozenAt != nil {
		resp.DisputeFrozenAt = e.DisputeFrozenAt.UTC().Format(time.RFC3339)
	}
	if e.ResolvedPolicy != nil {
		resp.ResolvedPolicy = string(*e.ResolvedPolicy)
	}
	return resp
}

func parseParties(reqs []partyRequest) ([]domain.Party, bool) {
	parties := make([]domain.Party, 0, len(reqs))
	for _, p := range reqs {
		account, ok := parseAddress(p.Account)
		if !ok {
			return nil, false
		}
		parties = append(parties, domain.Party{Account: account, Percent: p.Percent})
	}
	return parties, true
}

// CreateEscrow opens a new conditional escrow.
// POST /api/escrows
func (h *EscrowHandler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	payer, ok := parseAddress(req.Payer)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid payer address")
		return
	}
	payee, ok := parseAddress(req.Payee)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid payee address")
		return
	}
	authority, ok := parseAddress(req.OracleAuthority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid oracle authority address")
		return
	}
	commitment, ok := parseHash(req.ConditionCommitment)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid condition commitment")
		return
	}
	parties, ok := parseParties(req.AdditionalParties)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid additional party address")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = h.defaultTimeout
	}

	params := escrow.InitParams{
		Payer:           payer,
		Payee:           payee,
		OracleAuthority: authority,
		Amount:          req.Amount,
		Timeout:         timeout,
		Policy: domain.TimeoutPolicy{
			Kind:           domain.TimeoutPolicyKind(req.PolicyKind),
			PercentToPayee: req.PercentToPayee,
		},
		ConditionCommitment: commitment,
		AdditionalParties:   parties,
	}
	if req.LinkedPolicyID != "" {
		policyID, ok := parseHash(req.LinkedPolicyID)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid linked policy id")
			return
		}
		params.LinkedPolicyID = &policyID
	}

	e, err := h.escrows.Initialize(r.Context(), params)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: create escrow failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEscrowResponse(e))
}

type releaseRequest struct {
	Commitment string         `json:"commitment"`
	Parties    []partyRequest `json:"parties,omitempty"`
}

// Release settles an escrow to the payee (or the provided parties) when the
// oracle authority presents the matching condition commitment.
// POST /api/escrows/{id}/release
func (h *EscrowHandler) Release(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	commitment, ok := parseHash(req.Commitment)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid commitment")
		return
	}

	var (
		e   domain.Escrow
		err error
	)
	if len(req.Parties) > 0 {
		parties, ok := parseParties(req.Parties)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid party address")
			return
		}
		e, err = h.escrows.MultiPartyRelease(r.Context(), caller, id, commitment, parties)
	} else {
		e, err = h.escrows.Release(r.Context(), caller, id, commitment)
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: release escrow failed",
			slog.String("escrow_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// Cancel refunds an escrow in full to the payer.
// POST /api/escrows/{id}/cancel
func (h *EscrowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.escrows.Cancel)
}

// Freeze moves an escrow into the disputed state, blocking timeout handling.
// POST /api/escrows/{id}/freeze
func (h *EscrowHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.escrows.Freeze)
}

// EmergencyWithdraw lets the payer recover funds from an escrow that has been
// frozen in dispute past the deadlock period.
// POST /api/escrows/{id}/emergency-withdraw
func (h *EscrowHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.escrows.EmergencyWithdraw)
}

func (h *EscrowHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	fn func(ctx context.Context, caller common.Address, id string) (domain.Escrow, error),
) {
	id := pathParam(r, "id")
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	e, err := fn(r.Context(), caller, id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: escrow transition failed",
			slog.String("escrow_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// HandleTimeout applies the timeout policy to an expired escrow. Permissionless.
// POST /api/escrows/{id}/timeout
func (h *EscrowHandler) HandleTimeout(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	e, err := h.escrows.HandleTimeout(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: escrow timeout failed",
			slog.String("escrow_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

type updateAuthorityRequest struct {
	Authority string `json:"authority"`
}

// UpdateAuthority rotates the oracle authority of a live escrow.
// PUT /api/escrows/{id}/authority
func (h *EscrowHandler) UpdateAuthority(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	var req updateAuthorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	authority, ok := parseAddress(req.Authority)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid authority address")
		return
	}

	e, err := h.escrows.UpdateOracleAuthority(r.Context(), caller, id, authority)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(e))
}

// GetEscrow returns one escrow with the time remaining until timeout.
// GET /api/escrows/{id}
func (h *EscrowHandler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	e, err := h.escrows.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := struct {
		escrowResponse
		TimeRemainingSeconds int64 `json:"time_remaining_seconds"`
	}{escrowResponse: toEscrowResponse(e)}

	if remaining, err := h.escrows.TimeRemaining(r.Context(), id); err == nil {
		resp.TimeRemainingSeconds = int64(remaining.Seconds())
	}

	writeJSON(w, http.StatusOK, resp)
}
