package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadnexy/engine"
)

// RecoveryWorker periodically resyncs the in-memory timeline from persisted
// enrollment state. A dispatch tick that hit a storage fault leaves its due
// instant on the enrollment row; this worker re-registers it.
type RecoveryWorker struct {
	Engine   *engine.Engine
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewRecoveryWorker(eng *engine.Engine, logger *logrus.Logger) *RecoveryWorker {
	return &RecoveryWorker{
		Engine:   eng,
		Logger:   logger,
		Interval: time.Minute,
	}
}

func (rw *RecoveryWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(10 * time.Second)

	rw.Logger.Info("Recovery worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Info("Recovery worker shutting down...")
			return
		case <-ticker.C:
			n, err := rw.Engine.Resync(ctx)
			if err != nil {
				rw.Logger.WithError(err).Error("Timeline resync failed")
				continue
			}
			if n > 0 {
				rw.Logger.WithField("recovered", n).Warn("Re-registered timeline entries lost to earlier faults")
			}
		}
	}
}
