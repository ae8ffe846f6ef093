package services

import (
	"portmeter/internal/models"
	"portmeter/internal/traffic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDeltaCreatesUsageLazily(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	ledger := NewLedger(h.log, nil)

	usage, err := ledger.ApplyDelta(h.DB, nil, srv.ID, 100, traffic.Delta{Download: 10, Upload: 20}, false)
	require.NoError(t, err)
	assert.EqualValues(t, 10, usage.Download)
	assert.EqualValues(t, 20, usage.Upload)
	assert.Zero(t, usage.DownloadAccumulate)
	assert.Zero(t, usage.UploadAccumulate)

	stored := h.Reload(port).Usage
	require.NotNil(t, stored)
	assert.Equal(t, usage.ID, stored.ID)
	assert.EqualValues(t, 30, stored.Total())
}

func TestApplyDeltaWithoutAccumulateKeepsBaseline(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	h.Usage(port, models.PortUsage{Download: 700, Upload: 70, DownloadAccumulate: 500, UploadAccumulate: 50})
	ledger := NewLedger(h.log, nil)

	for _, d := range []int64{100, 300} {
		usage, err := ledger.ApplyDelta(h.DB, nil, srv.ID, 100, traffic.Delta{Download: d, Upload: d}, false)
		require.NoError(t, err)
		assert.Equal(t, 500+d, usage.Download)
		assert.Equal(t, 50+d, usage.Upload)
		assert.EqualValues(t, 500, usage.DownloadAccumulate)
		assert.EqualValues(t, 50, usage.UploadAccumulate)
	}
}

func TestApplyDeltaAccumulateIsNonDecreasing(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	h.Port(srv, 100, models.LimitConfig{})
	ledger := NewLedger(h.log, nil)

	var last int64
	var sum int64
	for _, d := range []int64{10, 0, 5, 7, 0, 1 << 30} {
		usage, err := ledger.ApplyDelta(h.DB, nil, srv.ID, 100, traffic.Delta{Download: d}, true)
		require.NoError(t, err)
		sum += d
		assert.GreaterOrEqual(t, usage.DownloadAccumulate, last)
		assert.Equal(t, sum, usage.DownloadAccumulate)
		assert.Equal(t, usage.Download, usage.DownloadAccumulate)
		last = usage.DownloadAccumulate
	}
}

func TestApplyDeltaUnknownPort(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	other := h.Server("edge-2")
	h.Port(other, 100, models.LimitConfig{})

	_, err := NewLedger(h.log, nil).ApplyDelta(h.DB, nil, srv.ID, 100, traffic.Delta{Download: 1}, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyDeltaMovedCheckpointUsesSameFormula(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	h.Usage(port, models.PortUsage{DownloadAccumulate: 40, DownloadCheckpoint: 900})

	prev := map[int]*models.Port{100: {Num: 100, Usage: &models.PortUsage{DownloadCheckpoint: 100}}}
	usage, err := NewLedger(h.log, nil).ApplyDelta(h.DB, prev, srv.ID, 100, traffic.Delta{Download: 5}, true)
	require.NoError(t, err)
	assert.EqualValues(t, 45, usage.Download)
	assert.EqualValues(t, 45, usage.DownloadAccumulate)
	assert.EqualValues(t, 900, usage.DownloadCheckpoint, "checkpoints are never written by the ledger")

	var moved bool
	for _, e := range h.hook.AllEntries() {
		if e.Message == "download checkpoint moved during cycle" {
			moved = true
		}
	}
	assert.True(t, moved)
}
