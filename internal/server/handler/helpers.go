package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/coverpool/coverd/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error onto an HTTP status using the domain
// error taxonomy and sends it as JSON. Internal errors are not echoed to the
// client.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrDuplicateOperation):
		writeError(w, http.StatusConflict, err.Error())
	default:
		switch domain.Kind(err) {
		case domain.KindConfiguration:
			writeError(w, http.StatusBadRequest, err.Error())
		case domain.KindAuthorization:
			writeError(w, http.StatusForbidden, "unauthorized")
		case domain.KindState:
			writeError(w, http.StatusConflict, err.Error())
		case domain.KindResource:
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
	}
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseAddress validates and decodes a 0x-prefixed hex address.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseHash validates and decodes a 32-byte hex hash.
func parseHash(s string) (common.Hash, bool) {
	trimmed := strings.TrimPrefix(s, "0x")
	if len(trimmed) != 64 {
		return common.Hash{}, false
	}
	for _, c := range trimmed {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return common.Hash{}, false
		}
	}
	return common.HexToHash(s), true
}

// callerAddress extracts the acting account from the X-Caller header. The
// server trusts the gateway in front of it to have authenticated the caller;
// the address here only selects whose authority a request runs under.
func callerAddress(r *http.Request) (common.Address, bool) {
	return parseAddress(r.Header.Get("X-Caller"))
}
