package flow

import (
	"context"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/model"
)

// DefaultZombieProgressFloor is the reported progress at or above which a
// flow with no results is considered stuck.
const DefaultZombieProgressFloor = 80.0

// IsZombieFlow reports whether a child flow's state matches the zombie
// signature: high reported progress with nothing to show for it. All three
// conditions must hold.
func IsZombieFlow(progress float64, phaseResults map[string]any, agentInsights []map[string]any, progressFloor float64) bool {
	return progress >= progressFloor && len(phaseResults) == 0 && len(agentInsights) == 0
}

// TaskQueue re-queues recovered flows for execution in the background.
type TaskQueue interface {
	StartTask(ctx context.Context, name, flowID string, fn func(context.Context) error) string
}

// ZombieReport is the outcome of a zombie check on one flow.
type ZombieReport struct {
	FlowID   string  `json:"flow_id"`
	Zombie   bool    `json:"zombie"`
	Progress float64 `json:"progress_percentage"`
	Phase    string  `json:"phase,omitempty"`
	Requeued bool    `json:"requeued"`
	TaskID   string  `json:"task_id,omitempty"`
}

// ZombieDetector finds flows whose child records claim progress that never
// materialized into results, and re-queues their current phase.
type ZombieDetector struct {
	store         FlowStore
	engine        *Engine
	queue         TaskQueue
	progressFloor float64
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewZombieDetector creates a detector. A progressFloor of 0 falls back to
// the default.
func NewZombieDetector(store FlowStore, engine *Engine, queue TaskQueue, progressFloor float64, metrics *observability.Metrics, logger *zap.Logger) *ZombieDetector {
	if progressFloor <= 0 {
		progressFloor = DefaultZombieProgressFloor
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZombieDetector{
		store:         store,
		engine:        engine,
		queue:         queue,
		progressFloor: progressFloor,
		metrics:       metrics,
		logger:        logger,
	}
}

// CheckAndRecover inspects one flow and, if it matches the zombie signature,
// re-queues its current phase as a background task. The phase is validated
// against the catalog first so a corrupted record cannot be re-executed.
func (d *ZombieDetector) CheckAndRecover(ctx context.Context, rctx *model.RequestContext, flowID string) (ZombieReport, error) {
	master, err := d.store.GetMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return ZombieReport{}, err
	}
	child, err := d.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return ZombieReport{}, err
	}

	report := ZombieReport{
		FlowID:   flowID,
		Progress: child.ProgressPercentage,
		Phase:    child.CurrentPhase,
	}
	if model.IsTerminalStatus(master.FlowStatus) {
		return report, nil
	}
	if !IsZombieFlow(child.ProgressPercentage, child.PhaseResults, child.AgentInsights, d.progressFloor) {
		return report, nil
	}
	report.Zombie = true

	if !IsKnownPhase(master.FlowType, child.CurrentPhase) {
		return report, model.NewUnknownPhaseError(master.FlowType, child.CurrentPhase)
	}

	d.logger.Warn("zombie flow detected, re-queueing current phase",
		zap.String("flow_id", flowID),
		zap.String("flow_type", master.FlowType),
		zap.String("phase", child.CurrentPhase),
		zap.Float64("progress", child.ProgressPercentage))

	scoped := *rctx
	phase := child.CurrentPhase
	report.TaskID = d.queue.StartTask(ctx, "zombie_recovery", flowID, func(taskCtx context.Context) error {
		_, err := d.engine.ExecutePhase(taskCtx, &scoped, flowID, phase, nil)
		return err
	})
	report.Requeued = true

	if d.metrics != nil {
		d.metrics.ZombieRecoveriesTotal.Inc()
	}
	return report, nil
}

// Sweep checks every running flow in the tenant and recovers the zombies.
func (d *ZombieDetector) Sweep(ctx context.Context, rctx *model.RequestContext) ([]ZombieReport, error) {
	masters, err := d.store.ListMasters(ctx, rctx.Scope(), MasterFlowFilters{Status: model.FlowStatusRunning, Limit: 500})
	if err != nil {
		return nil, err
	}

	var reports []ZombieReport
	for _, master := range masters {
		report, err := d.CheckAndRecover(ctx, rctx, master.FlowID)
		if err != nil {
			d.logger.Warn("zombie check failed",
				zap.String("flow_id", master.FlowID),
				zap.Error(err))
			continue
		}
		if report.Zombie {
			reports = append(reports, report)
		}
	}
	return reports, nil
}
