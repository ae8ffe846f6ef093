package services

import (
	"context"
	"errors"
	"fmt"
	"portmeter/internal/billing"
	"portmeter/internal/limits"
	"portmeter/internal/metrics"
	"portmeter/internal/models"
	"portmeter/internal/traffic"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CycleReport summarises one metering cycle.
type CycleReport struct {
	ServerID     uint        `json:"server_id"`
	PortsUpdated int         `json:"ports_updated"`
	PortsSkipped []int       `json:"ports_skipped,omitempty"`
	PortActions  int         `json:"port_actions"`
	UserActions  int         `json:"user_actions"`
	Billing      *SyncReport `json:"billing,omitempty"`
}

// CycleService runs metering cycles. Cycles for one server must not overlap;
// the caller serialises them.
type CycleService struct {
	db      *gorm.DB
	ledger  *Ledger
	exec    *LimitExecutor
	sync    *BillingSync
	billing *billing.Registry
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	now func() time.Time
}

func NewCycleService(db *gorm.DB, ledger *Ledger, exec *LimitExecutor, sync *BillingSync, reg *billing.Registry, log logrus.FieldLogger, m *metrics.Metrics) *CycleService {
	return &CycleService{
		db:      db,
		ledger:  ledger,
		exec:    exec,
		sync:    sync,
		billing: reg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// RunCycle meters raw counter text for one server and enforces the limits
// that result. Only failing to load the server or to commit the usage writes
// is returned; everything per port or per user is logged and skipped.
func (s *CycleService) RunCycle(ctx context.Context, serverID uint, raw string, accumulate bool) (report *CycleReport, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.CycleFinished(result, time.Since(start).Seconds())
	}()

	log := s.log.WithField("server_id", serverID)
	report = &CycleReport{ServerID: serverID}
	deltas := traffic.Parse(raw)

	prev, err := loadServer(s.db, serverID)
	if err != nil {
		return nil, err
	}
	prevPorts := make(map[int]*models.Port, len(prev.Ports))
	for i := range prev.Ports {
		prevPorts[prev.Ports[i].Num] = &prev.Ports[i]
	}

	syncEnabled := s.billing.Enabled()
	var snapshot map[int]traffic.Delta
	if syncEnabled {
		snapshot = usageSnapshot(prev)
	}

	nums := make([]int, 0, len(deltas))
	for num := range deltas {
		nums = append(nums, num)
	}
	sort.Ints(nums)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		for _, num := range nums {
			if _, err := s.ledger.ApplyDelta(tx, prevPorts, serverID, num, deltas[num], accumulate); err != nil {
				plog := log.WithField("port", num).WithError(err)
				if errors.Is(err, ErrNotFound) {
					plog.Warn("Port not found, skipping")
				} else {
					plog.Error("failed to update usage, skipping")
				}
				report.PortsSkipped = append(report.PortsSkipped, num)
				s.metrics.PortSkipped()
				continue
			}
			report.PortsUpdated++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit usage of server %d: %w", serverID, err)
	}

	server, err := loadServer(s.db, serverID)
	if err != nil {
		return nil, err
	}
	now := s.now()

	userUsage := make(map[uint]traffic.Delta)
	for i := range server.Ports {
		port := &server.Ports[i]
		if port.Usage == nil {
			continue
		}
		for _, pu := range port.AllowedUsers {
			u := userUsage[pu.UserID]
			u.Download += port.Usage.Download
			u.Upload += port.Usage.Upload
			userUsage[pu.UserID] = u
		}
		cfg := port.Config.Data()
		warnInvalid(log.WithField("port", port.Num), cfg)
		action := limits.Evaluate(cfg, port.Usage.Total(), now)
		if s.apply(ctx, log, port, action) {
			report.PortActions++
		}
	}

	for _, su := range server.AllowedUsers {
		u := userUsage[su.UserID]
		ulog := log.WithField("user_id", su.UserID)
		err := s.db.Model(&models.ServerUser{}).Where("id = ?", su.ID).
			Updates(map[string]any{"download": u.Download, "upload": u.Upload}).Error
		if err != nil {
			ulog.WithError(err).Error("failed to store server user usage")
		}

		cfg := su.Config.Data()
		warnInvalid(ulog, cfg)
		action := limits.Evaluate(cfg, u.Total(), now)
		if action.Kind == limits.KindNone {
			continue
		}
		ulog.WithField("action", action.String()).Info("ServerUser reached limit, applying action")
		for i := range server.Ports {
			port := &server.Ports[i]
			if port.AllowsUser(su.UserID) && s.apply(ctx, log, port, action) {
				report.UserActions++
			}
		}
	}

	if syncEnabled {
		increments := usageIncrements(server, snapshot)
		report.Billing = s.sync.Sync(ctx, s.db, s.billing.For(serverID), server, increments)
	}

	log.WithFields(logrus.Fields{
		"ports_updated": report.PortsUpdated,
		"ports_skipped": len(report.PortsSkipped),
		"port_actions":  report.PortActions,
		"user_actions":  report.UserActions,
	}).Info("cycle finished")
	return report, nil
}

func (s *CycleService) apply(ctx context.Context, log logrus.FieldLogger, port *models.Port, action limits.Action) bool {
	changed, err := s.exec.Apply(ctx, s.db, port, action)
	if err != nil {
		log.WithError(err).WithField("port", port.Num).Error("failed to apply limit action")
		return false
	}
	return changed
}

// warnInvalid reports policy values that were ignored while evaluating limits.
func warnInvalid(log logrus.FieldLogger, cfg models.LimitConfig) {
	if keys := cfg.InvalidKeys(); len(keys) > 0 {
		log.WithField("keys", keys).Warn("invalid limit config values ignored")
	}
}

// Usage returns the ports of a server with their current usage.
func (s *CycleService) Usage(serverID uint) (*models.Server, error) {
	return loadServer(s.db, serverID)
}

func loadServer(db *gorm.DB, serverID uint) (*models.Server, error) {
	var server models.Server
	err := db.
		Preload("Ports", func(db *gorm.DB) *gorm.DB { return db.Order("num ASC") }).
		Preload("Ports.Usage").
		Preload("Ports.ForwardRule").
		Preload("Ports.AllowedUsers").
		Preload("AllowedUsers", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&server, serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("server %d: %w", serverID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load server %d: %w", serverID, err)
	}
	return &server, nil
}

func usageSnapshot(server *models.Server) map[int]traffic.Delta {
	snapshot := make(map[int]traffic.Delta, len(server.Ports))
	for _, port := range server.Ports {
		if port.Usage != nil {
			snapshot[port.Num] = traffic.Delta{Download: port.Usage.Download, Upload: port.Usage.Upload}
		}
	}
	return snapshot
}

// usageIncrements folds the growth of every port since snapshot into per-user
// increments. Ports absent from the snapshot count in full; shrinking
// counters count as zero.
func usageIncrements(server *models.Server, snapshot map[int]traffic.Delta) map[uint]traffic.Delta {
	increments := make(map[uint]traffic.Delta)
	for _, port := range server.Ports {
		if port.Usage == nil {
			continue
		}
		growth := traffic.Delta{Download: port.Usage.Download, Upload: port.Usage.Upload}
		if old, ok := snapshot[port.Num]; ok {
			growth.Download = max(port.Usage.Download-old.Download, 0)
			growth.Upload = max(port.Usage.Upload-old.Upload, 0)
		}
		for _, pu := range port.AllowedUsers {
			inc := increments[pu.UserID]
			inc.Download += growth.Download
			inc.Upload += growth.Upload
			increments[pu.UserID] = inc
		}
	}
	return increments
}
