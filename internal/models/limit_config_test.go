package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitConfigPreservesUnknownKeys(t *testing.T) {
	in := `{"quota":1000,"valid_until":1767225600000,"due_action":8,"egress_limit":100,"comment":"vip","nested":{"a":[1,2]}}`

	var cfg LimitConfig
	require.NoError(t, json.Unmarshal([]byte(in), &cfg))
	require.NotNil(t, cfg.Quota)
	assert.EqualValues(t, 1000, *cfg.Quota)
	assert.EqualValues(t, 8, *cfg.DueAction)
	assert.Nil(t, cfg.QuotaAction)
	assert.Nil(t, cfg.IngressLimit)

	raw, ok := cfg.Extra("comment")
	require.True(t, ok)
	assert.JSONEq(t, `"vip"`, string(raw))

	cfg.IngressLimit = Int64(100)
	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"quota":1000,"valid_until":1767225600000,"due_action":8,"egress_limit":100,"ingress_limit":100,"comment":"vip","nested":{"a":[1,2]}}`, string(out))
}

func TestLimitConfigEmpty(t *testing.T) {
	out, err := json.Marshal(LimitConfig{})
	require.NoError(t, err)
	assert.Equal(t, "{}", string(out))

	var cfg LimitConfig
	require.NoError(t, json.Unmarshal([]byte(`{"quota":null}`), &cfg))
	assert.False(t, cfg.HasQuota())
	assert.False(t, cfg.HasExpiry())
}

func TestLimitConfigLenientValues(t *testing.T) {
	in := `{"quota":1000.0,"quota_action":8,"valid_until":"soon","due_action":1.5,"egress_limit":true,"ingress_limit":"250"}`

	var cfg LimitConfig
	require.NoError(t, json.Unmarshal([]byte(in), &cfg))
	require.NotNil(t, cfg.Quota)
	assert.EqualValues(t, 1000, *cfg.Quota)
	assert.EqualValues(t, 8, *cfg.QuotaAction)
	assert.EqualValues(t, 250, *cfg.IngressLimit)
	assert.Nil(t, cfg.ValidUntil)
	assert.Nil(t, cfg.DueAction)
	assert.Nil(t, cfg.EgressLimit)
	assert.False(t, cfg.HasExpiry())
	assert.Equal(t, []string{"due_action", "egress_limit", "valid_until"}, cfg.InvalidKeys())

	raw, ok := cfg.Extra("valid_until")
	require.True(t, ok)
	assert.JSONEq(t, `"soon"`, string(raw))

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"quota":1000,"quota_action":8,"valid_until":"soon","due_action":1.5,"egress_limit":true,"ingress_limit":250}`, string(out))
}

func TestLimitConfigOutOfRangeAction(t *testing.T) {
	var cfg LimitConfig
	require.NoError(t, json.Unmarshal([]byte(`{"quota_action":1e12,"quota":1e30}`), &cfg))
	assert.Nil(t, cfg.QuotaAction)
	assert.Nil(t, cfg.Quota)
	assert.Equal(t, []string{"quota", "quota_action"}, cfg.InvalidKeys())
}

func TestLimitConfigNotAnObject(t *testing.T) {
	var cfg LimitConfig
	require.NoError(t, json.Unmarshal([]byte(`[1,2]`), &cfg))
	assert.False(t, cfg.HasQuota())
	assert.Equal(t, []string{""}, cfg.InvalidKeys())
}
