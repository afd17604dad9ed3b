package solana

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []uint64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	assert.Equal(t, uint64(600), percentile(values, 50))
	assert.Equal(t, uint64(800), percentile(values, 75))
	assert.Equal(t, uint64(1000), percentile(values, 90))
	assert.Equal(t, uint64(0), percentile(nil, 50))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, uint64(0), median(nil))
	assert.Equal(t, uint64(5), median([]uint64{9, 5, 1}))
	assert.Equal(t, uint64(7), median([]uint64{7, 1, 9, 3}))
}

func TestPriorityFeeEstimator_Refresh(t *testing.T) {
	stub := NewStubRPCClient()
	e := NewPriorityFeeEstimator(stub, FeeConfig{})

	assert.Equal(t, uint64(DefaultPriorityFeeLamports), e.EstimateFee(CongestionNormal), "no samples yet")

	stub.SetFees([]uint64{900, 100, 500, 300, 700, 200, 800, 400, 1000, 600})
	require.NoError(t, e.Refresh(context.Background()))

	stats := e.Stats()
	assert.Equal(t, 10, stats.Samples)
	assert.Equal(t, uint64(800), stats.P75Lamports)
	assert.Equal(t, uint64(800), e.EstimateFee(CongestionNormal))
	assert.Equal(t, uint64(1600), e.EstimateFee(CongestionHigh))

	stub.SetFailNext()
	assert.Error(t, e.Refresh(context.Background()))
	assert.Equal(t, uint64(800), e.EstimateFee(CongestionNormal), "failed fetch keeps the estimate")
	assert.Equal(t, int64(1), e.Stats().Failures)
}

func TestPriorityFeeEstimator_SmoothsSpikes(t *testing.T) {
	stub := NewStubRPCClient()
	e := NewPriorityFeeEstimator(stub, FeeConfig{Window: 3})

	for _, fee := range []uint64{1000, 1200, 9000} {
		stub.SetFees([]uint64{fee})
		require.NoError(t, e.Refresh(context.Background()))
	}
	assert.Equal(t, uint64(1200), e.EstimateFee(CongestionNormal))
	assert.True(t, e.Congested())
	assert.Equal(t, uint64(9000), e.Stats().P75Lamports)

	// Older refreshes fall out of the window.
	for i := 0; i < 2; i++ {
		stub.SetFees([]uint64{9000})
		require.NoError(t, e.Refresh(context.Background()))
	}
	assert.Equal(t, uint64(9000), e.EstimateFee(CongestionNormal))
	assert.False(t, e.Congested())
}

func TestPriorityFeeEstimator_Ceiling(t *testing.T) {
	stub := NewStubRPCClient()
	e := NewPriorityFeeEstimator(stub, FeeConfig{Ceiling: 5_000, ElevatedMultiplier: 3})
	stub.SetFees([]uint64{4_000})
	require.NoError(t, e.Refresh(context.Background()))

	assert.Equal(t, uint64(4_000), e.EstimateFee(CongestionNormal))
	assert.Equal(t, uint64(5_000), e.EstimateFee(CongestionHigh))
}
