package services

import (
	"context"
	"encoding/json"
	"portmeter/internal/jobs"
	"portmeter/internal/limits"
	"portmeter/internal/models"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func countUpdates(t *testing.T, db *gorm.DB) *int {
	n := new(int)
	err := db.Callback().Update().After("gorm:update").Register("test:count_updates", func(tx *gorm.DB) {
		*n++
	})
	require.NoError(t, err)
	return n
}

func TestSpeedLimitIsIdempotent(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{EgressLimit: models.Int64(1000), IngressLimit: models.Int64(1000)})
	updates := countUpdates(t, h.DB)

	changed, err := h.exec.Apply(context.Background(), h.DB, port, limits.SpeedLimit(1000))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Zero(t, *updates)
	assert.Empty(t, h.jobs.Jobs())
}

func TestSpeedLimitUpdatesConfigAndDispatches(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{Quota: models.Int64(5000), EgressLimit: models.Int64(1000), IngressLimit: models.Int64(100)})

	changed, err := h.exec.Apply(context.Background(), h.DB, port, limits.SpeedLimit(1000))
	require.NoError(t, err)
	assert.True(t, changed)

	cfg := h.Reload(port).Config.Data()
	assert.EqualValues(t, 1000, *cfg.EgressLimit)
	assert.EqualValues(t, 1000, *cfg.IngressLimit)
	assert.EqualValues(t, 5000, *cfg.Quota, "other policy keys survive")

	got := h.jobs.Jobs()
	require.Len(t, got, 1)
	assert.Equal(t, jobs.NameTrafficShaping, got[0].Name)
	assert.Equal(t, jobs.PriorityImmediate, got[0].Priority)
	var payload jobs.TrafficShaping
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, jobs.TrafficShaping{ServerID: srv.ID, PortNum: 100, EgressLimit: 1000, IngressLimit: 1000}, payload)

	changed, err = h.exec.Apply(context.Background(), h.DB, port, limits.SpeedLimit(1000))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.jobs.Jobs(), 1)
}

func TestDeleteRule(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	bare := h.Port(srv, 200, models.LimitConfig{})
	h.Rule(port)

	changed, err := h.exec.Apply(context.Background(), h.DB, bare, limits.DeleteRule())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, h.jobs.Jobs())

	changed, err = h.exec.Apply(context.Background(), h.DB, port, limits.DeleteRule())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Nil(t, port.ForwardRule)
	assert.Nil(t, h.Reload(port).ForwardRule)

	got := h.jobs.Jobs()
	require.Len(t, got, 1)
	assert.Equal(t, jobs.NameCleanPort, got[0].Name)
	assert.Equal(t, jobs.PriorityNormal, got[0].Priority)
	var payload jobs.CleanPort
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, jobs.CleanPort{ServerID: srv.ID, PortNum: 100}, payload)

	changed, err = h.exec.Apply(context.Background(), h.DB, port, limits.DeleteRule())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.jobs.Jobs(), 1)
}

func TestApplyActsOnFreshState(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	h.Rule(port)
	stale := h.Reload(port)
	require.NotNil(t, stale.ForwardRule)

	// Someone else removed the rule after we read the port.
	require.NoError(t, h.DB.Where("port_id = ?", port.ID).Delete(&models.ForwardRule{}).Error)

	changed, err := h.exec.Apply(context.Background(), h.DB, stale, limits.DeleteRule())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, h.jobs.Jobs())
}

func TestUnrecognizedAndNoAction(t *testing.T) {
	h := newHarness(t)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})
	h.Rule(port)

	changed, err := h.exec.Apply(context.Background(), h.DB, port, limits.NoAction)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = h.exec.Apply(context.Background(), h.DB, port, limits.FromCode(99))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NotNil(t, h.Reload(port).ForwardRule)
	assert.Empty(t, h.jobs.Jobs())

	last := h.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.WarnLevel, last.Level)
	assert.Equal(t, "unrecognized(99)", last.Data["action"])
}

func TestDispatchFailureIsLogged(t *testing.T) {
	h := newHarness(t)
	exec := NewLimitExecutor(failingDispatcher{}, h.log, nil)
	srv := h.Server("edge-1")
	port := h.Port(srv, 100, models.LimitConfig{})

	changed, err := exec.Apply(context.Background(), h.DB, port, limits.SpeedLimit(10))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.EqualValues(t, 10, *h.Reload(port).Config.Data().EgressLimit)

	last := h.hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, jobs.NameTrafficShaping, last.Data["job"])
}

func TestApplyMissingPort(t *testing.T) {
	h := newHarness(t)
	_, err := h.exec.Apply(context.Background(), h.DB, &models.Port{ID: 42}, limits.DeleteRule())
	assert.ErrorIs(t, err, ErrNotFound)
}
