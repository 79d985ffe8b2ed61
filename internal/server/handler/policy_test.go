package handler

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/coverpool/coverd/internal/domain"
)

func TestToPolicyResponse(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	record := domain.PolicyRecord{
		PolicyID:       common.HexToHash("0xabcd00112233445566778899aabbccddeeff00112233445566778899aabbccdd"),
		Owner:          common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Category:       domain.CategoryDepeg,
		CoverageAmount: 50_000,
		Premium:        1_200,
		StartTime:      start,
		EndTime:        start.Add(30 * 24 * time.Hour),
		Active:         true,
	}

	resp := toPolicyResponse(record, 7)

	require.Equal(t, record.PolicyID.Hex(), resp.PolicyID)
	require.Equal(t, record.Owner.Hex(), resp.Owner)
	require.Equal(t, "depeg", resp.Category)
	require.Equal(t, int64(50_000), resp.CoverageAmount)
	require.Equal(t, "2026-08-01T12:00:00Z", resp.StartTime)
	require.Equal(t, "2026-08-31T12:00:00Z", resp.EndTime)
	require.True(t, resp.Active)
	require.False(t, resp.Claimed)
	require.Equal(t, 7, resp.ShardID)
}
