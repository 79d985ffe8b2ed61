package handler

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coverpool/coverd/internal/domain"
)

func TestWriteDomainErrorMapsTaxonomyToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("claims: lookup: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrDuplicateOperation, http.StatusConflict},
		{domain.ErrAlreadyExists, http.StatusConflict},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrUnauthorized, http.StatusForbidden},
		{domain.ErrInvalidAmount, http.StatusBadRequest},
		{domain.ErrAlreadyResolved, http.StatusConflict},
		{domain.ErrPaused, http.StatusConflict},
		{domain.ErrInsufficientCapital, http.StatusUnprocessableEntity},
		{domain.ErrSharesLocked, http.StatusUnprocessableEntity},
		{fmt.Errorf("postgres: boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeDomainError(rec, tc.err)
		require.Equal(t, tc.want, rec.Code, "error %v", tc.err)
	}
}

func TestWriteDomainErrorDoesNotEchoInternalErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, fmt.Errorf("postgres: connect to 10.0.0.5 failed"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "10.0.0.5")
}

func TestParseAddress(t *testing.T) {
	_, ok := parseAddress("0x1111111111111111111111111111111111111111")
	require.True(t, ok)

	_, ok = parseAddress("not-an-address")
	require.False(t, ok)

	_, ok = parseAddress("")
	require.False(t, ok)
}

func TestParseHash(t *testing.T) {
	_, ok := parseHash("0xabcd00112233445566778899aabbccddeeff00112233445566778899aabbccdd")
	require.True(t, ok)

	_, ok = parseHash("0x1234") // too short
	require.False(t, ok)

	_, ok = parseHash("zz00112233445566778899aabbccddeeff00112233445566778899aabbccddee")
	require.False(t, ok)
}

func TestParseListOptsDefaultsAndClamp(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/claims", nil)
	opts := parseListOpts(r)
	require.Equal(t, 50, opts.Limit)
	require.Equal(t, 0, opts.Offset)

	r = httptest.NewRequest(http.MethodGet, "/api/claims?limit=9999&offset=20", nil)
	opts = parseListOpts(r)
	require.Equal(t, 500, opts.Limit)
	require.Equal(t, 20, opts.Offset)
}
