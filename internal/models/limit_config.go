package models

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
)

// LimitConfig is the policy document stored on ports and server users.
// Only the keys below are interpreted; anything else is carried through untouched.
type LimitConfig struct {
	Quota        *int64 `json:"quota,omitempty"`
	ValidUntil   *int64 `json:"valid_until,omitempty"` // epoch milliseconds
	DueAction    *int   `json:"due_action,omitempty"`
	QuotaAction  *int   `json:"quota_action,omitempty"`
	EgressLimit  *int64 `json:"egress_limit,omitempty"`
	IngressLimit *int64 `json:"ingress_limit,omitempty"`

	extra   map[string]json.RawMessage
	invalid []string
}

var limitConfigKeys = []string{"quota", "valid_until", "due_action", "quota_action", "egress_limit", "ingress_limit"}

// HasQuota reports whether a positive byte quota is configured.
func (c LimitConfig) HasQuota() bool {
	return c.Quota != nil && *c.Quota > 0
}

// HasExpiry reports whether a valid-until instant is configured.
func (c LimitConfig) HasExpiry() bool {
	return c.ValidUntil != nil && *c.ValidUntil > 0
}

// Extra returns the raw value of an uninterpreted key.
func (c LimitConfig) Extra(key string) (json.RawMessage, bool) {
	v, ok := c.extra[key]
	return v, ok
}

func (c LimitConfig) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.extra)+len(limitConfigKeys))
	for k, v := range c.extra {
		out[k] = v
	}
	setIf := func(key string, v any, ok bool) {
		if ok {
			out[key] = v
		}
	}
	setIf("quota", c.Quota, c.Quota != nil)
	setIf("valid_until", c.ValidUntil, c.ValidUntil != nil)
	setIf("due_action", c.DueAction, c.DueAction != nil)
	setIf("quota_action", c.QuotaAction, c.QuotaAction != nil)
	setIf("egress_limit", c.EgressLimit, c.EgressLimit != nil)
	setIf("ingress_limit", c.IngressLimit, c.IngressLimit != nil)
	return json.Marshal(out)
}

// UnmarshalJSON never fails on a single bad field. Integral numbers (1000.0
// included) are accepted; any other value of an interpreted key is kept as an
// extra, the typed field stays nil and the key is reported by InvalidKeys.
// A document that is not an object decodes to an empty config.
func (c *LimitConfig) UnmarshalJSON(data []byte) error {
	*c = LimitConfig{}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		c.invalid = []string{""}
		return nil
	}
	int64s := map[string]**int64{
		"quota":         &c.Quota,
		"valid_until":   &c.ValidUntil,
		"egress_limit":  &c.EgressLimit,
		"ingress_limit": &c.IngressLimit,
	}
	ints := map[string]**int{
		"due_action":   &c.DueAction,
		"quota_action": &c.QuotaAction,
	}
	for k, v := range raw {
		if isNull(v) {
			continue
		}
		if dst, ok := int64s[k]; ok {
			if n, ok := integral(v, math.MinInt64, math.MaxInt64); ok {
				*dst = n
				continue
			}
			c.invalid = append(c.invalid, k)
		}
		if dst, ok := ints[k]; ok {
			if n, ok := integral(v, math.MinInt32, math.MaxInt32); ok {
				i := int(*n)
				*dst = &i
				continue
			}
			c.invalid = append(c.invalid, k)
		}
		if c.extra == nil {
			c.extra = make(map[string]json.RawMessage)
		}
		c.extra[k] = v
	}
	sort.Strings(c.invalid)
	return nil
}

// InvalidKeys lists the interpreted keys whose values could not be used.
// An empty string means the whole document was not a JSON object.
func (c LimitConfig) InvalidKeys() []string {
	return c.invalid
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

// integral decodes v as a whole number within [lo, hi].
func integral(v json.RawMessage, lo, hi float64) (*int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	var num json.Number
	if err := dec.Decode(&num); err != nil {
		return nil, false
	}
	if n, err := num.Int64(); err == nil {
		if float64(n) < lo || float64(n) > hi {
			return nil, false
		}
		return &n, true
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) || f < lo || f > hi || f >= math.MaxInt64 {
		return nil, false
	}
	n := int64(f)
	return &n, true
}

// Int64 and Int are small helpers for building configs in code.
func Int64(v int64) *int64 { return &v }

func Int(v int) *int { return &v }
