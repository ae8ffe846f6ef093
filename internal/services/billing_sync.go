package services

import (
	"context"
	"errors"
	"fmt"
	"portmeter/internal/billing"
	"portmeter/internal/limits"
	"portmeter/internal/models"
	"portmeter/internal/traffic"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var externalIDPattern = regexp.MustCompile(`EXTERNAL_ID=(\d+);`)

// ExternalID extracts the billing id embedded in user notes.
func ExternalID(notes string) (int64, error) {
	m := externalIDPattern.FindStringSubmatch(notes)
	if m == nil {
		return 0, ErrMissingExternalID
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingExternalID, err)
	}
	return id, nil
}

type SyncReport struct {
	FetchFailed bool   `json:"fetch_failed"`
	Activated   []uint `json:"activated,omitempty"`
	Deactivated []uint `json:"deactivated,omitempty"`
	Skipped     []uint `json:"skipped,omitempty"`
	Pushed      bool   `json:"pushed"`
	PushedUsers int    `json:"pushed_users"`
}

// BillingSync reconciles user activation with the billing panel and reports
// traffic increments to it.
type BillingSync struct {
	exec *LimitExecutor
	log  logrus.FieldLogger
}

func NewBillingSync(exec *LimitExecutor, log logrus.FieldLogger) *BillingSync {
	return &BillingSync{exec: exec, log: log}
}

// Sync runs one reconciliation for server. server must have its ports with
// their allow lists and its server users loaded. increments maps user id to
// the traffic seen this cycle.
//
// When the user list cannot be fetched nobody is deactivated: an outage of the
// billing panel must not cut users off. Increments that fail to push are lost.
func (s *BillingSync) Sync(ctx context.Context, db *gorm.DB, client *billing.Client, server *models.Server, increments map[uint]traffic.Delta) *SyncReport {
	log := s.log.WithField("server_id", server.ID)
	report := &SyncReport{}

	authorized, err := client.FetchUsers(ctx)
	if err != nil {
		log.WithError(err).Error("Error fetching billing users, deactivation suspended for this cycle")
		report.FetchFailed = true
		authorized = map[int64]struct{}{}
	}

	push := billing.Usage{}
	for _, su := range server.AllowedUsers {
		ulog := log.WithField("user_id", su.UserID)

		var user models.User
		err := db.First(&user, su.UserID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			ulog.Warn("user not found, skipping")
			report.Skipped = append(report.Skipped, su.UserID)
			continue
		}
		if err != nil {
			ulog.WithError(err).Error("failed to load user, skipping")
			report.Skipped = append(report.Skipped, su.UserID)
			continue
		}

		externalID, err := ExternalID(user.Notes)
		if err != nil {
			ulog.Info("user has no EXTERNAL_ID, skipping")
			report.Skipped = append(report.Skipped, su.UserID)
			continue
		}
		ulog = ulog.WithField("external_id", externalID)

		_, allowed := authorized[externalID]
		switch {
		case allowed && !user.IsActive:
			if err := db.Model(&user).Update("is_active", true).Error; err != nil {
				ulog.WithError(err).Error("failed to activate user")
			} else {
				ulog.Info("user is allowed by billing, activating")
				report.Activated = append(report.Activated, user.ID)
			}
		case !allowed && !report.FetchFailed:
			s.revoke(ctx, db, server, su.UserID, ulog)
			if user.IsActive {
				if err := db.Model(&user).Update("is_active", false).Error; err != nil {
					ulog.WithError(err).Error("failed to deactivate user")
				} else {
					ulog.Info("user is not allowed by billing, deactivated")
					report.Deactivated = append(report.Deactivated, user.ID)
				}
			}
		}

		inc := increments[su.UserID]
		push[strconv.FormatInt(externalID, 10)] = [2]int64{inc.Upload, inc.Download}
	}

	report.PushedUsers = len(push)
	if err := client.PushUsage(ctx, push); err != nil {
		log.WithError(err).Error("Error pushing usage to billing, increments dropped")
		return report
	}
	report.Pushed = true
	return report
}

// revoke deletes the forward rule of every port userID may use.
func (s *BillingSync) revoke(ctx context.Context, db *gorm.DB, server *models.Server, userID uint, log logrus.FieldLogger) {
	for i := range server.Ports {
		port := &server.Ports[i]
		if !port.AllowsUser(userID) {
			continue
		}
		if _, err := s.exec.Apply(ctx, db, port, limits.DeleteRule()); err != nil {
			log.WithError(err).WithField("port", port.Num).Error("failed to delete forward rule")
		}
	}
}
