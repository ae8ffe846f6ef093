package services

import (
	"context"
	"errors"
	"fmt"
	"portmeter/internal/jobs"
	"portmeter/internal/limits"
	"portmeter/internal/metrics"
	"portmeter/internal/models"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LimitExecutor carries out limit actions on ports. Applying the same action
// twice changes nothing the second time.
type LimitExecutor struct {
	jobs            jobs.Dispatcher
	log             logrus.FieldLogger
	metrics         *metrics.Metrics
	dispatchTimeout time.Duration
}

func NewLimitExecutor(d jobs.Dispatcher, log logrus.FieldLogger, m *metrics.Metrics) *LimitExecutor {
	return &LimitExecutor{jobs: d, log: log, metrics: m, dispatchTimeout: 5 * time.Second}
}

// Apply executes action on port and reports whether anything changed. port is
// reloaded first and left holding the state after the action.
func (e *LimitExecutor) Apply(ctx context.Context, db *gorm.DB, port *models.Port, action limits.Action) (bool, error) {
	if action.Kind == limits.KindNone {
		return false, nil
	}
	if err := refreshPort(db, port); err != nil {
		return false, err
	}
	log := e.log.WithFields(logrus.Fields{"server_id": port.ServerID, "port": port.Num, "action": action.String()})

	switch action.Kind {
	case limits.KindDeleteRule:
		if port.ForwardRule == nil {
			return false, nil
		}
		if err := db.Delete(port.ForwardRule).Error; err != nil {
			return false, fmt.Errorf("delete forward rule of port %d: %w", port.Num, err)
		}
		port.ForwardRule = nil
		log.Info("forward rule deleted")
		e.metrics.LimitApplied(action.Kind.String())
		e.dispatch(ctx, log, jobs.NameCleanPort, jobs.PriorityNormal, jobs.CleanPort{
			ServerID: port.ServerID,
			PortNum:  port.Num,
		})
		return true, nil

	case limits.KindSpeedLimit:
		cfg := port.Config.Data()
		if equals(cfg.EgressLimit, action.Rate) && equals(cfg.IngressLimit, action.Rate) {
			return false, nil
		}
		rate := action.Rate
		cfg.EgressLimit = &rate
		cfg.IngressLimit = &rate
		config := datatypes.NewJSONType(cfg)
		if err := db.Model(port).Update("config", config).Error; err != nil {
			return false, fmt.Errorf("update limits of port %d: %w", port.Num, err)
		}
		port.Config = config
		log.Info("speed limit applied")
		e.metrics.LimitApplied(action.Kind.String())
		e.dispatch(ctx, log, jobs.NameTrafficShaping, jobs.PriorityImmediate, jobs.TrafficShaping{
			ServerID:     port.ServerID,
			PortNum:      port.Num,
			EgressLimit:  rate,
			IngressLimit: rate,
		})
		return true, nil

	default:
		log.Warn("no handler for limit action, ignoring")
		return false, nil
	}
}

// dispatch enqueues a job and only logs failures; the job itself is not awaited.
func (e *LimitExecutor) dispatch(ctx context.Context, log logrus.FieldLogger, name string, priority jobs.Priority, payload any) {
	job, err := jobs.New(name, priority, payload)
	if err == nil {
		dctx, cancel := context.WithTimeout(ctx, e.dispatchTimeout)
		err = e.jobs.Dispatch(dctx, job)
		cancel()
	}
	e.metrics.JobDispatched(name, err)
	if err != nil {
		log.WithError(err).WithField("job", name).Error("failed to dispatch job")
		return
	}
	log.WithFields(logrus.Fields{"job": name, "job_id": job.ID}).Debug("job dispatched")
}

func refreshPort(db *gorm.DB, port *models.Port) error {
	var fresh models.Port
	err := db.Preload("Usage").Preload("ForwardRule").Preload("AllowedUsers").First(&fresh, port.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("port %d: %w", port.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("refresh port %d: %w", port.ID, err)
	}
	*port = fresh
	return nil
}

func equals(v *int64, want int64) bool {
	return v != nil && *v == want
}
