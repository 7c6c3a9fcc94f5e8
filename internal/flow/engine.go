package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/model"
)

// Phase execution outcome statuses.
const (
	PhaseStatusSuccess        = "success"
	PhaseStatusPaused         = "paused"
	PhaseStatusAlreadyRunning = "already_running"
	PhaseStatusFailed         = "failed"
)

// PhaseHandler executes the domain work of one phase. It receives the
// caller-supplied input and the flow's accumulated state, and returns the
// phase output to be merged into the flow.
type PhaseHandler func(ctx context.Context, flowID string, phaseInput, flowState map[string]any) (map[string]any, error)

// HandlerRegistry maps (flow type, phase) pairs to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]PhaseHandler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]PhaseHandler)}
}

// Register binds a handler to a flow type and phase, replacing any existing
// binding.
func (r *HandlerRegistry) Register(flowType, phase string, handler PhaseHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[flowType+"/"+phase] = handler
}

// Lookup returns the handler for a flow type and phase.
func (r *HandlerRegistry) Lookup(flowType, phase string) (PhaseHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[flowType+"/"+phase]
	return h, ok
}

// PhaseResult is the outcome of one ExecutePhase call.
type PhaseResult struct {
	Status        string               `json:"status"`
	FlowID        string               `json:"flow_id"`
	Phase         string               `json:"phase"`
	NextPhase     string               `json:"next_phase,omitempty"`
	FlowStatus    string               `json:"flow_status,omitempty"`
	AgentDecision *model.AgentDecision `json:"agent_decision,omitempty"`
	Output        map[string]any       `json:"output,omitempty"`
	DurationSecs  float64              `json:"duration_seconds,omitempty"`
}

// Engine drives phase execution: it serializes executions per flow and
// phase, consults the transition agent around the handler, and persists the
// outcome through the repository and sync service.
type Engine struct {
	repo     *Repository
	locks    LockManager
	agent    TransitionAgent
	handlers *HandlerRegistry
	sync     *SyncService
	metrics  *observability.Metrics
	logger   *zap.Logger

	now func() time.Time // test hook
}

// NewEngine creates a phase execution engine.
func NewEngine(repo *Repository, locks LockManager, agent TransitionAgent, handlers *HandlerRegistry, syncSvc *SyncService, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:     repo,
		locks:    locks,
		agent:    agent,
		handlers: handlers,
		sync:     syncSvc,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// ExecutePhase runs one phase of a flow end to end: acquire the execution
// lock, guard the flow's lifecycle state, ask the agent, run the handler,
// persist the merged outcome, and propagate status to the child record. The
// lock is released on every path, handler panics included.
func (e *Engine) ExecutePhase(ctx context.Context, rctx *model.RequestContext, flowID, phase string, phaseInput map[string]any) (*PhaseResult, error) {
	result, err := ExecuteWithLock(ctx, e.locks, e.logger, flowID, phase, func(ctx context.Context) (*PhaseResult, error) {
		return e.executePhase(ctx, rctx, flowID, phase, phaseInput)
	})
	if err != nil {
		return nil, err
	}
	if result.Status == PhaseStatusAlreadyRunning {
		master, getErr := e.repo.GetMasterFlow(ctx, rctx, flowID)
		if getErr == nil && e.metrics != nil {
			e.metrics.LockContentionTotal.WithLabelValues(master.FlowType, phase).Inc()
		}
		e.logger.Info("phase already executing",
			zap.String("flow_id", flowID),
			zap.String("phase", phase))
	}
	return result, nil
}

// executePhase is the body of ExecutePhase, called with the execution lock
// held.
func (e *Engine) executePhase(ctx context.Context, rctx *model.RequestContext, flowID, phase string, phaseInput map[string]any) (*PhaseResult, error) {
	master, err := e.repo.GetMasterFlow(ctx, rctx, flowID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalStatus(master.FlowStatus) {
		return nil, model.NewInvalidFlowStateError(master.FlowStatus, "execute phase "+phase)
	}
	if !IsKnownPhase(master.FlowType, phase) {
		return nil, model.NewUnknownPhaseError(master.FlowType, phase)
	}

	ctx, span := observability.StartSpan(ctx, "flow.execute_phase",
		observability.AttrFlowID.String(flowID),
		observability.AttrFlowType.String(master.FlowType),
		observability.AttrPhase.String(phase),
		observability.AttrSubjectID.String(rctx.SubjectID),
	)
	defer span.End()

	actx := AgentContext{
		FlowID:       flowID,
		FlowType:     master.FlowType,
		CurrentPhase: phase,
		PhaseInput:   phaseInput,
		FlowState:    master.PersistenceData,
		FlowHistory:  master.CollaborationLog,
	}

	pre := SafeDecide(ctx, e.agent, actx, false, e.logger)
	span.SetAttributes(observability.AttrDecision.String(pre.Action))
	e.logDecision(ctx, rctx, flowID, phase, "pre_execution_decision", pre)

	switch pre.Action {
	case model.DecisionPause:
		return e.pauseBeforeExecution(ctx, rctx, flowID, phase, pre)
	case model.DecisionFail:
		return e.failFlow(ctx, rctx, master, phase, pre, nil)
	}

	handler, ok := e.handlers.Lookup(master.FlowType, phase)
	if !ok {
		return nil, model.NewValidationError(
			fmt.Sprintf("no handler registered for %s phase %q", master.FlowType, phase),
		)
	}

	started := e.now()
	output, err := handler(ctx, flowID, phaseInput, master.PersistenceData)
	duration := e.now().Sub(started)
	if err != nil {
		e.recordMetrics(master.FlowType, phase, PhaseStatusFailed, duration)
		e.persistHandlerFailure(ctx, rctx, master, phase, duration, err)
		return nil, fmt.Errorf("phase %s failed: %w", phase, err)
	}

	actx.PhaseOutput = output
	post := SafeDecide(ctx, e.agent, actx, true, e.logger)
	span.SetAttributes(observability.AttrDecision.String(post.Action))

	nextPhase := post.NextPhase
	if post.Action == model.DecisionRetry {
		nextPhase = phase
	}

	newStatus := model.FlowStatusRunning
	switch {
	case post.Action == model.DecisionFail:
		newStatus = model.FlowStatusFailed
	case post.Action == model.DecisionPause:
		newStatus = model.FlowStatusPaused
	case nextPhase == "":
		newStatus = model.FlowStatusCompleted
	}

	persistedPhase := nextPhase
	if persistedPhase == "" {
		persistedPhase = phase
	}
	entry := model.CollaborationEntry{
		Event: "phase_completed",
		Phase: phase,
		Data: map[string]any{
			"decision":   post.Action,
			"confidence": post.Confidence,
			"reasoning":  post.Reasoning,
			"next_phase": nextPhase,
		},
	}
	if _, err := e.repo.UpdateFlowStatus(ctx, rctx, flowID, newStatus, UpdateOptions{
		CurrentPhase:       persistedPhase,
		PhaseData:          map[string]any{"phase_results": map[string]any{phase: output}},
		CollaborationEntry: entry,
		PhaseTimes:         map[string]float64{phase: duration.Seconds()},
	}); err != nil {
		e.recordMetrics(master.FlowType, phase, PhaseStatusFailed, duration)
		return nil, fmt.Errorf("persist phase outcome: %w", err)
	}

	e.propagateToChild(ctx, rctx, master, phase, persistedPhase, newStatus, output, post)
	e.recordMetrics(master.FlowType, phase, PhaseStatusSuccess, duration)
	e.logger.Info("phase completed",
		zap.String("flow_id", flowID),
		zap.String("flow_type", master.FlowType),
		zap.String("phase", phase),
		zap.String("next_phase", nextPhase),
		zap.String("flow_status", newStatus),
		zap.Duration("duration", duration))

	return &PhaseResult{
		Status:        PhaseStatusSuccess,
		FlowID:        flowID,
		Phase:         phase,
		NextPhase:     nextPhase,
		FlowStatus:    newStatus,
		AgentDecision: &post,
		Output:        output,
		DurationSecs:  duration.Seconds(),
	}, nil
}

func (e *Engine) pauseBeforeExecution(ctx context.Context, rctx *model.RequestContext, flowID, phase string, decision model.AgentDecision) (*PhaseResult, error) {
	entry := model.CollaborationEntry{
		Event: "phase_paused",
		Phase: phase,
		Data:  map[string]any{"reasoning": decision.Reasoning, "confidence": decision.Confidence},
	}
	if _, err := e.repo.UpdateFlowStatus(ctx, rctx, flowID, model.FlowStatusPaused, UpdateOptions{
		CollaborationEntry: entry,
		Metadata:           map[string]any{"pause_reason": decision.Reasoning},
	}); err != nil {
		return nil, fmt.Errorf("persist pause: %w", err)
	}
	if e.sync != nil {
		if err := e.sync.UpdateOperationalStatus(ctx, rctx, flowID, OperationalUpdate{Status: model.FlowStatusPaused}); err != nil {
			e.logger.Warn("child pause sync failed", zap.String("flow_id", flowID), zap.Error(err))
		}
	}
	return &PhaseResult{
		Status:        PhaseStatusPaused,
		FlowID:        flowID,
		Phase:         phase,
		FlowStatus:    model.FlowStatusPaused,
		AgentDecision: &decision,
	}, nil
}

func (e *Engine) failFlow(ctx context.Context, rctx *model.RequestContext, master model.MasterFlow, phase string, decision model.AgentDecision, output map[string]any) (*PhaseResult, error) {
	entry := model.CollaborationEntry{
		Event: "phase_failed",
		Phase: phase,
		Data:  map[string]any{"reasoning": decision.Reasoning, "confidence": decision.Confidence},
	}
	opts := UpdateOptions{CollaborationEntry: entry}
	if output != nil {
		opts.PhaseData = map[string]any{"phase_results": map[string]any{phase: output}}
	}
	if _, err := e.repo.UpdateFlowStatus(ctx, rctx, master.FlowID, model.FlowStatusFailed, opts); err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}
	if e.sync != nil {
		if err := e.sync.UpdateOperationalStatus(ctx, rctx, master.FlowID, OperationalUpdate{Status: model.FlowStatusFailed}); err != nil {
			e.logger.Warn("child failure sync failed", zap.String("flow_id", master.FlowID), zap.Error(err))
		}
	}
	e.recordMetrics(master.FlowType, phase, PhaseStatusFailed, 0)
	return &PhaseResult{
		Status:        PhaseStatusFailed,
		FlowID:        master.FlowID,
		Phase:         phase,
		FlowStatus:    model.FlowStatusFailed,
		AgentDecision: &decision,
	}, nil
}

// persistHandlerFailure records a handler error on the flow before the error
// propagates. The record is best effort; the handler error is what the
// caller sees.
func (e *Engine) persistHandlerFailure(ctx context.Context, rctx *model.RequestContext, master model.MasterFlow, phase string, duration time.Duration, cause error) {
	entry := model.CollaborationEntry{
		Event: "phase_failed",
		Phase: phase,
		Data:  map[string]any{"error": cause.Error()},
	}
	if _, err := e.repo.UpdateFlowStatus(ctx, rctx, master.FlowID, model.FlowStatusFailed, UpdateOptions{
		CollaborationEntry: entry,
		Metadata:           map[string]any{"last_error": cause.Error()},
		PhaseTimes:         map[string]float64{phase: duration.Seconds()},
	}); err != nil {
		e.logger.Error("failed to record phase failure",
			zap.String("flow_id", master.FlowID),
			zap.String("phase", phase),
			zap.Error(err))
	}
	if e.sync != nil {
		if err := e.sync.UpdateOperationalStatus(ctx, rctx, master.FlowID, OperationalUpdate{Status: model.FlowStatusFailed}); err != nil {
			e.logger.Warn("child failure sync failed", zap.String("flow_id", master.FlowID), zap.Error(err))
		}
	}
}

// propagateToChild pushes the phase outcome to the child record through the
// sync service's operational path. A failure here is logged, not surfaced:
// the master is already authoritative and the async reconciler will repair.
func (e *Engine) propagateToChild(ctx context.Context, rctx *model.RequestContext, master model.MasterFlow, phase, nextPhase, status string, output map[string]any, decision model.AgentDecision) {
	if e.sync == nil {
		return
	}
	progress := PhaseProgress(master.FlowType, phase)
	insight := map[string]any{
		"phase":      phase,
		"action":     decision.Action,
		"confidence": decision.Confidence,
		"reasoning":  decision.Reasoning,
		"timestamp":  e.now().UTC().Format(time.RFC3339),
	}
	err := e.sync.UpdateOperationalStatus(ctx, rctx, master.FlowID, OperationalUpdate{
		Status:       status,
		CurrentPhase: nextPhase,
		Progress:     &progress,
		PhaseResults: map[string]any{phase: output},
		Insight:      insight,
	})
	if err != nil {
		e.logger.Warn("child progress sync failed",
			zap.String("flow_id", master.FlowID),
			zap.String("phase", phase),
			zap.Error(err))
	}
}

// logDecision appends the agent decision to the collaboration log. Best
// effort: a write failure never blocks the execution.
func (e *Engine) logDecision(ctx context.Context, rctx *model.RequestContext, flowID, phase, event string, decision model.AgentDecision) {
	entry := model.CollaborationEntry{
		Event: event,
		Phase: phase,
		Data: map[string]any{
			"action":     decision.Action,
			"confidence": decision.Confidence,
			"reasoning":  decision.Reasoning,
		},
	}
	if err := e.repo.AppendCollaboration(ctx, rctx, flowID, entry); err != nil {
		e.logger.Warn("agent decision logging failed",
			zap.String("flow_id", flowID),
			zap.String("phase", phase),
			zap.Error(err))
	}
}

func (e *Engine) recordMetrics(flowType, phase, status string, duration time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordPhaseExecution(flowType, phase, status, duration)
}
