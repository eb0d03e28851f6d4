// Package reconcile implements the Reconciliation Loop (C5): periodically
// polling the control plane, applying the returned intents, and reporting
// running state.
package reconcile

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/cirunlabs/cirun-agent/backend"
	"github.com/cirunlabs/cirun-agent/types"
)

// controlPlane is the subset of controlplane.Client the loop needs.
type controlPlane interface {
	FetchIntents(ctx context.Context, agent types.AgentIdentity) (types.Intents, error)
	ReportState(ctx context.Context, tick types.ReportTick) error
}

// lifecycleManager is the subset of lifecycle.Manager the loop needs.
type lifecycleManager interface {
	Provision(ctx context.Context, spec types.RunnerSpec) error
	Delete(ctx context.Context, name string) error
}

// Housekeeper performs best-effort periodic maintenance (log-file cleanup)
// on the active backend's state directory. Actual rotation policy is out of
// scope; this is the hook contract the loop calls every 24h.
type Housekeeper interface {
	Housekeep(ctx context.Context) error
}

// Loop drives one agent's reconciliation cadence against one backend.
type Loop struct {
	ControlPlane controlPlane
	Lifecycle    lifecycleManager
	Backend      backend.Backend
	Agent        types.AgentIdentity
	Interval     time.Duration
	Housekeeper  Housekeeper // nil disables the 24h hook

	now              func() time.Time
	sleep            func(context.Context, time.Duration)
	lastHousekeeping time.Time
}

const housekeepingPeriod = 24 * time.Hour

// New builds a Loop with the production clock and sleep implementation.
func New(cp controlPlane, lc lifecycleManager, b backend.Backend, agent types.AgentIdentity, interval time.Duration, hk Housekeeper) *Loop {
	return &Loop{
		ControlPlane: cp,
		Lifecycle:    lc,
		Backend:      b,
		Agent:        agent,
		Interval:     interval,
		Housekeeper:  hk,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run blocks forever, ticking until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	logger := log.WithFunc("reconcile.Run")
	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = sleepCtx
	}
	l.lastHousekeeping = l.now()

	for {
		if ctx.Err() != nil {
			return
		}
		l.Tick(ctx)
		if l.Housekeeper != nil && l.now().Sub(l.lastHousekeeping) >= housekeepingPeriod {
			if err := l.Housekeeper.Housekeep(ctx); err != nil {
				logger.Warnf(ctx, "housekeeping failed: %v", err)
			}
			l.lastHousekeeping = l.now()
		}
		l.sleep(ctx, l.Interval)
	}
}

// Tick runs a single reconciliation pass: fetch intents, delete first,
// provision second, reporting after every applied change and at tick end.
// A single runner's failure never aborts the tick (§4.5 error isolation).
func (l *Loop) Tick(ctx context.Context) {
	logger := log.WithFunc("reconcile.Tick")

	intents, err := l.ControlPlane.FetchIntents(ctx, l.Agent)
	if err != nil {
		logger.Warnf(ctx, "fetch intents: %v", err)
		l.report(ctx, logger)
		return
	}

	for _, del := range intents.RunnersToDelete {
		if err := l.Lifecycle.Delete(ctx, del.Name); err != nil {
			logger.Warnf(ctx, "❌ delete %s: %v", del.Name, err)
			continue
		}
		logger.Infof(ctx, "✅ deleted %s", del.Name)
		l.report(ctx, logger)
	}

	for _, spec := range intents.RunnersToProvision {
		if err := l.Lifecycle.Provision(ctx, spec); err != nil {
			logger.Warnf(ctx, "❌ provision %s: %v", spec.Name, err)
			continue
		}
		logger.Infof(ctx, "✅ provisioned %s", spec.Name)
		l.report(ctx, logger)
	}

	l.report(ctx, logger)
}

func (l *Loop) report(ctx context.Context, logger interface {
	Warnf(ctx context.Context, format string, args ...any)
}) {
	vms, err := l.Backend.ListVMs(ctx)
	if err != nil {
		logger.Warnf(ctx, "list vms for report: %v", err)
		return
	}
	running := make([]types.RunningVM, 0, len(vms))
	for _, vm := range vms {
		if vm.State != types.VMStateRunning {
			continue
		}
		running = append(running, types.RunningVM{
			Name:     vm.Name,
			OS:       vm.OS,
			CPU:      vm.CPU,
			MemoryMB: vm.MemoryMB,
			DiskMB:   vm.Disk.TotalMB,
		})
	}
	tick := types.ReportTick{Agent: l.Agent, RunningVMs: running}
	if err := l.ControlPlane.ReportState(ctx, tick); err != nil {
		logger.Warnf(ctx, "report state: %v", err)
	}
}
