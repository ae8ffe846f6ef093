package limits

import (
	"portmeter/internal/models"
	"time"
)

// Evaluate returns the action required by cfg for the given cumulative usage in
// bytes. Expiry wins over quota: an expired policy resolves to its due action
// even when the quota is exhausted too.
func Evaluate(cfg models.LimitConfig, usage int64, now time.Time) Action {
	if cfg.HasExpiry() && !now.Before(time.UnixMilli(*cfg.ValidUntil)) {
		return fromPtr(cfg.DueAction)
	}
	if cfg.HasQuota() && usage >= *cfg.Quota {
		return fromPtr(cfg.QuotaAction)
	}
	return NoAction
}

func fromPtr(code *int) Action {
	if code == nil {
		return NoAction
	}
	return FromCode(Code(*code))
}
