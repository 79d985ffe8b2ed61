package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/coverpool/coverd/internal/domain"
	"github.com/coverpool/coverd/internal/ledger"
)

// SettlementService defines the methods the ledger handler requires from the
// settlement layer.
type SettlementService interface {
	Deposit(ctx context.Context, account common.Address, trancheID int, amount int64) (ledger.Receipt, error)
	Withdraw(ctx context.Context, account common.Address, trancheID int, shareAmount int64) (ledger.Receipt, error)
}

// LedgerAdmin applies privileged ledger operations (pause, role rotation,
// weight reconfiguration) on behalf of an authenticated caller.
type LedgerAdmin interface {
	Apply(ctx context.Context, caller common.Address, op ledger.Op) (ledger.Receipt, error)
}

// LedgerQueries is the read-only view of the tranche ledger used by the API.
type LedgerQueries interface {
	Tranches() []domain.TrancheInfo
	GetTrancheInfo(trancheID int) (domain.TrancheInfo, error)
	GetDepositorBalance(account common.Address) []domain.DepositorBalance
	GetCircuitBreakerStatus() domain.CircuitBreakerStatus
	GetTotalCapital() int64
	AccumulatedTotals() (premiums, losses, coverageSold int64)
	Paused() bool
}

// LedgerHandler serves tranche ledger HTTP endpoints.
type LedgerHandler struct {
	settler SettlementService
	admin   LedgerAdmin
	queries LedgerQueries
	logger  *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(settler SettlementService, admin LedgerAdmin, queries LedgerQueries, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		settler: settler,
		admin:   admin,
		queries: queries,
		logger:  logger,
	}
}

type depositRequest struct {
	Account   string `json:"account"`
	TrancheID int    `json:"tranche_id"`
	Amount    int64  `json:"amount"`
}

type withdrawRequest struct {
	Account   string `json:"account"`
	TrancheID int    `json:"tranche_id"`
	Shares    int64  `json:"shares"`
}

type receiptResponse struct {
	Seq          uint64                    `json:"seq"`
	SharesMinted int64                     `json:"shares_minted,omitempty"`
	Proceeds     int64                     `json:"proceeds,omitempty"`
	Deductions   []ledger.TrancheDeduction `json:"deductions,omitempty"`
}

func toReceiptResponse(r ledger.Receipt) receiptResponse {
	return receiptResponse{
		Seq:          r.Seq,
		SharesMinted: r.SharesMinted,
		Proceeds:     r.Proceeds,
		Deductions:   r.Deductions,
	}
}

// Deposit stakes capital into a tranche and mints shares at the current NAV.
// POST /api/ledger/deposits
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	account, ok := parseAddress(req.Account)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	receipt, err := h.settler.Deposit(r.Context(), account, req.TrancheID, req.Amount)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: deposit failed",
			slog.String("account", account.Hex()),
			slog.Int("tranche", req.TrancheID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toReceiptResponse(receipt))
}

// Withdraw burns shares and pays out at the current NAV, subject to the stake
// lock.
// POST /api/ledger/withdrawals
func (h *LedgerHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	account, ok := parseAddress(req.Account)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	receipt, err := h.settler.Withdraw(r.Context(), account, req.TrancheID, req.Shares)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: withdraw failed",
			slog.String("account", account.Hex()),
			slog.Int("tranche", req.TrancheID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

// ListTranches returns every tranche with its capital, shares, and NAV.
// GET /api/tranches
func (h *LedgerHandler) ListTranches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tranches": h.queries.Tranches(),
	})
}

// GetTranche returns one tranche by its rank.
// GET /api/tranches/{id}
func (h *LedgerHandler) GetTranche(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(pathParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tranche id")
		return
	}

	info, err := h.queries.GetTrancheInfo(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type balanceResponse struct {
	Account      string `json:"account"`
	TrancheID    int    `json:"tranche_id"`
	ShareBalance int64  `json:"share_balance"`
	LockUntil    string `json:"lock_until"`
	StakeStart   string `json:"stake_start"`
}

func toBalanceResponses(balances []domain.DepositorBalance) []balanceResponse {
	out := make([]balanceResponse, 0, len(balances))
	for _, b := range balances {
		out = append(out, balanceResponse{
			Account:      b.Account.Hex(),
			TrancheID:    b.TrancheID,
			ShareBalance: b.ShareBalance,
			LockUntil:    b.LockUntil.UTC().Format(time.RFC3339),
			StakeStart:   b.StakeStart.UTC().Format(time.RFC3339),
		})
	}
	return out
}

// GetBalances returns an account's share positions across all tranches.
// GET /api/accounts/{address}/balances
func (h *LedgerHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAddress(pathParam(r, "address"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid account address")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"balances": toBalanceResponses(h.queries.GetDepositorBalance(account)),
	})
}

// applyAdminOp runs one privileged ledger operation for the X-Caller account
// and writes the resulting receipt.
func (h *LedgerHandler) applyAdminOp(w http.ResponseWriter, r *http.Request, op ledger.Op) {
	caller, ok := callerAddress(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing or invalid X-Caller header")
		return
	}

	receipt, err := h.admin.Apply(r.Context(), caller, op)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: admin op failed",
			slog.String("caller", caller.Hex()),
			slog.String("op_id", op.OperationID()),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

// Pause halts all mutating ledger operations.
// POST /api/ledger/pause
func (h *LedgerHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.applyAdminOp(w, r, ledger.PauseOp{OpID: uuid.NewString()})
}

// Unpause resumes a paused ledger.
// POST /api/ledger/unpause
func (h *LedgerHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.applyAdminOp(w, r, ledger.UnpauseOp{OpID: uuid.NewString()})
}

type setAdminRequest struct {
	Admin string `json:"admin"`
}

// SetAdmin rotates the ledger admin account.
// PUT /api/ledger/admin
func (h *LedgerHandler) SetAdmin(w http.ResponseWriter, r *http.Request) {
	var req setAdminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	admin, ok := parseAddress(req.Admin)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid admin address")
		return
	}
	h.applyAdminOp(w, r, ledger.SetAdminOp{OpID: uuid.NewString(), Admin: admin})
}

type setProcessorRequest struct {
	Processor string `json:"processor"`
}

// SetClaimsProcessor rotates the account allowed to trigger loss absorption.
// PUT /api/ledger/processor
func (h *LedgerHandler) SetClaimsProcessor(w http.ResponseWriter, r *http.Request) {
	var req setProcessorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	processor, ok := parseAddress(req.Processor)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid processor address")
		return
	}
	h.applyAdminOp(w, r, ledger.SetClaimsProcessorOp{OpID: uuid.NewString(), Processor: processor})
}

type setWeightsRequest struct {
	Weights []struct {
		TrancheID int `json:"tranche_id"`
		Percent   int `json:"percent"`
	} `json:"weights"`
}

// SetTrancheWeights reconfigures premium allocation weights. Weights must
// cover every tranche and sum to 100.
// PUT /api/ledger/weights
func (h *LedgerHandler) SetTrancheWeights(w http.ResponseWriter, r *http.Request) {
	var req setWeightsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Weights) == 0 {
		writeError(w, http.StatusBadRequest, "weights must not be empty")
		return
	}

	weights := make(map[int]int, len(req.Weights))
	for _, entry := range req.Weights {
		weights[entry.TrancheID] = entry.Percent
	}
	h.applyAdminOp(w, r, ledger.SetTrancheWeightsOp{OpID: uuid.NewString(), Weights: weights})
}

// GetBreakerStatus returns the rolling-window circuit breaker state.
// GET /api/ledger/breaker
func (h *LedgerHandler) GetBreakerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queries.GetCircuitBreakerStatus())
}

// GetSummary returns pool-wide aggregates.
// GET /api/ledger/summary
func (h *LedgerHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	premiums, losses, coverageSold := h.queries.AccumulatedTotals()
	writeJSON(w, http.StatusOK, map[string]any{
		"total_capital":  h.queries.GetTotalCapital(),
		"total_premiums": premiums,
		"total_losses":   losses,
		"coverage_sold":  coverageSold,
		"paused":         h.queries.Paused(),
	})
}
