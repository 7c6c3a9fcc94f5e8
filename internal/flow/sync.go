package flow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/events"
	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/model"
)

// SyncService keeps the master flow and its child execution record in
// agreement. Critical lifecycle transitions use a dual-write with
// compensation; operational updates go through the child record and the
// event bus, with the master remaining authoritative on divergence.
type SyncService struct {
	store   FlowStore
	repo    *Repository
	bus     *events.Bus
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewSyncService creates a sync service over the repository's store.
func NewSyncService(repo *Repository, bus *events.Bus, metrics *observability.Metrics, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		store:   repo.Store(),
		repo:    repo,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// StartFlowWithAtomicSync moves an initialized flow to running on both
// records.
func (s *SyncService) StartFlowWithAtomicSync(ctx context.Context, rctx *model.RequestContext, flowID string) (model.MasterFlow, error) {
	return s.transition(ctx, rctx, flowID, model.FlowStatusRunning, "flow_started",
		map[string]bool{model.FlowStatusInitialized: true}, "")
}

// PauseFlowWithAtomicSync moves a running flow to paused on both records.
// Paused is only reachable from running; an initialized flow has nothing to
// pause.
func (s *SyncService) PauseFlowWithAtomicSync(ctx context.Context, rctx *model.RequestContext, flowID, reason string) (model.MasterFlow, error) {
	return s.transition(ctx, rctx, flowID, model.FlowStatusPaused, "flow_paused",
		map[string]bool{model.FlowStatusRunning: true}, reason)
}

// ResumeFlowWithAtomicSync moves a paused flow back to running on both
// records.
func (s *SyncService) ResumeFlowWithAtomicSync(ctx context.Context, rctx *model.RequestContext, flowID string) (model.MasterFlow, error) {
	return s.transition(ctx, rctx, flowID, model.FlowStatusRunning, "flow_resumed",
		map[string]bool{model.FlowStatusPaused: true}, "")
}

// CancelFlowWithAtomicSync cancels any non-terminal flow on both records.
func (s *SyncService) CancelFlowWithAtomicSync(ctx context.Context, rctx *model.RequestContext, flowID, reason string) (model.MasterFlow, error) {
	return s.transition(ctx, rctx, flowID, model.FlowStatusCancelled, "flow_cancelled",
		map[string]bool{
			model.FlowStatusInitialized: true,
			model.FlowStatusRunning:     true,
			model.FlowStatusPaused:      true,
		}, reason)
}

// transition performs the critical dual-write: master first, then child. If
// the child write fails the master is compensated back to its previous
// status; a failed compensation surfaces as PARTIAL_SYNC with the master
// left authoritative for later recovery.
func (s *SyncService) transition(ctx context.Context, rctx *model.RequestContext, flowID, target, event string, allowedFrom map[string]bool, reason string) (model.MasterFlow, error) {
	master, err := s.store.GetMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return model.MasterFlow{}, err
	}
	if !allowedFrom[master.FlowStatus] {
		return model.MasterFlow{}, model.NewInvalidFlowStateError(master.FlowStatus, event)
	}
	prevStatus := master.FlowStatus

	entry := model.CollaborationEntry{Event: event, Phase: master.CurrentPhase}
	if reason != "" {
		entry.Data = map[string]any{"reason": reason}
	}
	updated, err := s.repo.UpdateFlowStatus(ctx, rctx, flowID, target, UpdateOptions{
		CollaborationEntry: entry,
	})
	if err != nil {
		return model.MasterFlow{}, err
	}

	if err := s.updateChildStatus(ctx, rctx, flowID, target); err != nil {
		s.logger.Error("child status write failed, compensating master",
			zap.String("flow_id", flowID),
			zap.String("target_status", target),
			zap.Error(err))
		if compErr := s.compensateMaster(ctx, updated, prevStatus); compErr != nil {
			s.logger.Error("master compensation failed",
				zap.String("flow_id", flowID),
				zap.Error(compErr))
			return model.MasterFlow{}, model.NewPartialSyncError(
				fmt.Sprintf("master flow %q is %s but its child flow is stale", flowID, target),
			)
		}
		return model.MasterFlow{}, fmt.Errorf("sync child status: %w", err)
	}

	s.publish(ctx, events.TypeFlowStatusChanged, updated, map[string]any{
		"status":          target,
		"previous_status": prevStatus,
	})
	return updated, nil
}

func (s *SyncService) updateChildStatus(ctx context.Context, rctx *model.RequestContext, flowID, status string) error {
	child, err := s.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return err
	}
	child.Status = status
	return s.store.UpdateChild(ctx, child)
}

// compensateMaster reverts a just-written master status. It writes through
// the store directly: the repository's terminal guard would otherwise block
// rolling back a cancellation.
func (s *SyncService) compensateMaster(ctx context.Context, master model.MasterFlow, prevStatus string) error {
	master.FlowStatus = prevStatus
	master.CollaborationLog = append(master.CollaborationLog, model.CollaborationEntry{
		Timestamp: time.Now().UTC(),
		Event:     "status_compensated",
		Data:      map[string]any{"reverted_to": prevStatus},
	})
	_, err := s.store.UpdateMaster(ctx, master, master.UpdatedAt)
	return err
}

// OperationalUpdate is a non-critical child-side update: progress, phase
// results, agent insights. Zero-value fields are left untouched.
type OperationalUpdate struct {
	Status       string
	CurrentPhase string
	Progress     *float64
	// PhaseResults is deep-merged into the child's accumulated results.
	PhaseResults map[string]any
	// Insight, when non-nil, is appended to the child's agent insights.
	Insight map[string]any
}

// UpdateOperationalStatus applies a non-critical update to the child record
// and publishes a sync-requested event instead of dual-writing. The async
// consumer reconciles against the authoritative master.
func (s *SyncService) UpdateOperationalStatus(ctx context.Context, rctx *model.RequestContext, flowID string, update OperationalUpdate) error {
	child, err := s.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return err
	}
	if update.Status != "" {
		child.Status = update.Status
	}
	if update.CurrentPhase != "" {
		child.CurrentPhase = update.CurrentPhase
	}
	if update.Progress != nil {
		child.ProgressPercentage = *update.Progress
	}
	if update.PhaseResults != nil {
		child.PhaseResults = DeepMerge(child.PhaseResults, update.PhaseResults)
	}
	if update.Insight != nil {
		child.AgentInsights = append(child.AgentInsights, update.Insight)
	}
	if err := s.store.UpdateChild(ctx, child); err != nil {
		return err
	}

	s.publish(ctx, events.TypeFlowSyncRequested, model.MasterFlow{
		FlowID:          flowID,
		FlowType:        child.FlowType,
		ClientAccountID: child.ClientAccountID,
		EngagementID:    child.EngagementID,
	}, map[string]any{"status": child.Status})
	return nil
}

// ValidateFlowConsistency compares master and child status and phase.
func (s *SyncService) ValidateFlowConsistency(ctx context.Context, rctx *model.RequestContext, flowID string) (model.ConsistencyReport, error) {
	master, err := s.store.GetMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	report := model.ConsistencyReport{
		FlowID:       flowID,
		MasterStatus: master.FlowStatus,
		MasterPhase:  master.CurrentPhase,
		CheckedAt:    time.Now().UTC(),
	}

	child, err := s.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		if model.HasCode(err, model.ErrNotFound) {
			report.Discrepancies = append(report.Discrepancies, "child flow record is missing")
			return report, nil
		}
		return model.ConsistencyReport{}, err
	}
	report.ChildStatus = child.Status
	report.ChildPhase = child.CurrentPhase

	if child.Status != master.FlowStatus {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("status mismatch: master is %s, child is %s", master.FlowStatus, child.Status))
	}
	if child.CurrentPhase != master.CurrentPhase {
		report.Discrepancies = append(report.Discrepancies,
			fmt.Sprintf("phase mismatch: master is %s, child is %s", master.CurrentPhase, child.CurrentPhase))
	}
	report.Consistent = len(report.Discrepancies) == 0
	return report, nil
}

// RecoverFromPartialUpdate reconciles a diverged pair by rewriting the child
// from the authoritative master.
func (s *SyncService) RecoverFromPartialUpdate(ctx context.Context, rctx *model.RequestContext, flowID string) (model.ConsistencyReport, error) {
	report, err := s.ValidateFlowConsistency(ctx, rctx, flowID)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	if report.Consistent {
		return report, nil
	}

	master, err := s.store.GetMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return model.ConsistencyReport{}, err
	}
	child, err := s.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return model.ConsistencyReport{}, err
	}

	child.Status = master.FlowStatus
	child.CurrentPhase = master.CurrentPhase
	if err := s.store.UpdateChild(ctx, child); err != nil {
		return model.ConsistencyReport{}, fmt.Errorf("repair child flow: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SyncRepairsTotal.WithLabelValues(master.FlowType).Inc()
	}
	s.logger.Info("repaired child flow from master",
		zap.String("flow_id", flowID),
		zap.String("status", master.FlowStatus),
		zap.Strings("discrepancies", report.Discrepancies))

	report.ChildStatus = child.Status
	report.ChildPhase = child.CurrentPhase
	report.Consistent = true
	return report, nil
}

// FlowHealthReport summarizes one consistency sweep.
type FlowHealthReport struct {
	FlowsChecked      int       `json:"flows_checked"`
	InconsistentFlows []string  `json:"inconsistent_flows,omitempty"`
	RepairedFlows     []string  `json:"repaired_flows,omitempty"`
	CheckedAt         time.Time `json:"checked_at"`
}

// MonitorFlowHealth sweeps the tenant's non-terminal flows for master/child
// divergence, repairing each diverged pair when repair is set.
func (s *SyncService) MonitorFlowHealth(ctx context.Context, rctx *model.RequestContext, repair bool) (FlowHealthReport, error) {
	report := FlowHealthReport{CheckedAt: time.Now().UTC()}

	for _, status := range []string{model.FlowStatusInitialized, model.FlowStatusRunning, model.FlowStatusPaused} {
		masters, err := s.store.ListMasters(ctx, rctx.Scope(), MasterFlowFilters{Status: status, Limit: 500})
		if err != nil {
			return FlowHealthReport{}, err
		}
		for _, master := range masters {
			check, err := s.ValidateFlowConsistency(ctx, rctx, master.FlowID)
			if err != nil {
				return FlowHealthReport{}, err
			}
			report.FlowsChecked++
			if check.Consistent {
				continue
			}
			report.InconsistentFlows = append(report.InconsistentFlows, master.FlowID)
			if !repair {
				continue
			}
			if _, err := s.RecoverFromPartialUpdate(ctx, rctx, master.FlowID); err != nil {
				s.logger.Warn("health sweep repair failed",
					zap.String("flow_id", master.FlowID),
					zap.Error(err))
				continue
			}
			report.RepairedFlows = append(report.RepairedFlows, master.FlowID)
		}
	}
	return report, nil
}

// RunSyncWorker consumes sync-requested events and reconciles the named
// flows until the context is cancelled or the bus closes.
func (s *SyncService) RunSyncWorker(ctx context.Context) {
	ch := s.bus.Subscribe("sync-worker")
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type != events.TypeFlowSyncRequested {
				continue
			}
			rctx := requestContextFromEvent(event)
			if rctx == nil {
				s.logger.Warn("sync event missing tenant scope", zap.String("flow_id", event.FlowID))
				continue
			}
			if _, err := s.RecoverFromPartialUpdate(ctx, rctx, event.FlowID); err != nil {
				s.logger.Warn("async sync reconciliation failed",
					zap.String("flow_id", event.FlowID),
					zap.Error(err))
			}
		}
	}
}

func (s *SyncService) publish(ctx context.Context, t events.Type, master model.MasterFlow, data map[string]any) {
	if s.bus == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["client_account_id"] = master.ClientAccountID
	data["engagement_id"] = master.EngagementID
	if err := s.bus.Publish(ctx, events.NewEvent(t, master.FlowID, master.FlowType, data)); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("flow_id", master.FlowID),
			zap.String("event_type", string(t)),
			zap.Error(err))
	}
}

// requestContextFromEvent rebuilds a system-scoped RequestContext from the
// tenant fields carried on the event.
func requestContextFromEvent(event *events.Event) *model.RequestContext {
	clientAccountID, _ := event.Data["client_account_id"].(string)
	engagementID, _ := event.Data["engagement_id"].(string)
	if clientAccountID == "" || engagementID == "" {
		return nil
	}
	return &model.RequestContext{
		SubjectID:       "system",
		ClientAccountID: clientAccountID,
		EngagementID:    engagementID,
	}
}
