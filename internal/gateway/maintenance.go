package gateway

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"toolgate/internal/db/repositories"
	"toolgate/internal/hub"
	"toolgate/internal/idempotency"
	"toolgate/internal/logging"
)

const callLogRetention = 7 * 24 * time.Hour

// Maintenance owns the background cadence: hourly idempotency sweeps and
// call-log pruning, plus a minutely provider health check.
type Maintenance struct {
	cron *cron.Cron
}

func StartMaintenance(coordinator *idempotency.Coordinator, calls *repositories.ToolCallRepo, h *hub.Hub) *Maintenance {
	c := cron.New()

	c.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		coordinator.RunMaintenance(ctx)
		if pruned, err := calls.PruneOlderThan(ctx, callLogRetention); err != nil {
			logging.Error("call log prune failed: %v", err)
		} else if pruned > 0 {
			logging.Debug("pruned %d call log rows", pruned)
		}
	})

	c.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		h.HealthCheckAll(ctx)
	})

	c.Start()
	logging.Info("background maintenance started")
	return &Maintenance{cron: c}
}

// Stop halts the schedule and waits for running jobs to finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
