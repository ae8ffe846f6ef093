package services

import (
	"errors"
	"fmt"
	"portmeter/internal/metrics"
	"portmeter/internal/models"
	"portmeter/internal/traffic"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Ledger writes counter deltas into the per-port usage rows.
type Ledger struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

func NewLedger(log logrus.FieldLogger, m *metrics.Metrics) *Ledger {
	return &Ledger{log: log, metrics: m}
}

// ApplyDelta adds delta to the usage of port portNum on serverID and returns
// the stored row. prev holds the ports as they were when the cycle started;
// a port missing from it (or without usage there) is seen for the first time.
//
// The new total is delta plus the accumulate baseline. With accumulate set the
// total also becomes the baseline, which is right for counters that are
// zeroed after every read.
func (l *Ledger) ApplyDelta(tx *gorm.DB, prev map[int]*models.Port, serverID uint, portNum int, delta traffic.Delta, accumulate bool) (*models.PortUsage, error) {
	log := l.log.WithFields(logrus.Fields{"server_id": serverID, "port": portNum})

	var port models.Port
	err := tx.Preload("Usage").Where("server_id = ? AND num = ?", serverID, portNum).First(&port).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("port %d on server %d: %w", portNum, serverID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load port %d: %w", portNum, err)
	}

	if port.Usage == nil {
		log.WithField("port_id", port.ID).Info("No usage found, creating usage row")
		usage := models.PortUsage{PortID: port.ID}
		if err := tx.Create(&usage).Error; err != nil {
			return nil, fmt.Errorf("create usage for port %d: %w", portNum, err)
		}
		port.Usage = &usage
	}
	cur := port.Usage

	var before *models.PortUsage
	if p, ok := prev[portNum]; ok {
		before = p.Usage
	}
	// A checkpoint that moved during the cycle does not change the baseline;
	// the delta is still added on top of it and the move is only logged.
	if before != nil && before.DownloadCheckpoint != cur.DownloadCheckpoint {
		log.Debug("download checkpoint moved during cycle")
	}
	if before != nil && before.UploadCheckpoint != cur.UploadCheckpoint {
		log.Debug("upload checkpoint moved during cycle")
	}

	download := delta.Download + cur.DownloadAccumulate
	upload := delta.Upload + cur.UploadAccumulate
	updates := map[string]any{"download": download, "upload": upload}
	if accumulate {
		updates["download_accumulate"] = download
		updates["upload_accumulate"] = upload
	}
	if err := tx.Model(cur).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("update usage for port %d: %w", portNum, err)
	}
	if err := tx.First(cur, cur.ID).Error; err != nil {
		return nil, fmt.Errorf("reload usage for port %d: %w", portNum, err)
	}

	l.metrics.PortUpdated()
	return cur, nil
}
