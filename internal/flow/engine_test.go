package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratusmap/conductor/model"
)

type engineRig struct {
	store    *MemoryFlowStore
	repo     *Repository
	registry *HandlerRegistry
	locks    *MemoryLockManager
	engine   *Engine
}

func newEngineRig(t *testing.T, agent TransitionAgent) *engineRig {
	t.Helper()
	store := NewMemoryFlowStore()
	repo := NewRepository(store, nil, nil)
	syncSvc := NewSyncService(repo, nil, nil, nil)
	registry := NewHandlerRegistry()
	locks := NewMemoryLockManager(time.Minute, nil)
	return &engineRig{
		store:    store,
		repo:     repo,
		registry: registry,
		locks:    locks,
		engine:   NewEngine(repo, locks, agent, registry, syncSvc, nil, nil),
	}
}

func echoHandler(output map[string]any) PhaseHandler {
	return func(context.Context, string, map[string]any, map[string]any) (map[string]any, error) {
		return output, nil
	}
}

func TestExecutePhaseSuccess(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	rig.registry.Register(model.FlowTypeDiscovery, "data_import", echoHandler(map[string]any{"rows": 250}))

	result, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", map[string]any{"source": "s3"})
	if err != nil {
		t.Fatalf("ExecutePhase: %v", err)
	}
	if result.Status != PhaseStatusSuccess {
		t.Errorf("result status = %s, want success", result.Status)
	}
	if result.NextPhase != "field_mapping" {
		t.Errorf("next phase = %s, want field_mapping", result.NextPhase)
	}
	if result.FlowStatus != model.FlowStatusRunning {
		t.Errorf("flow status = %s, want running", result.FlowStatus)
	}

	updated, _ := rig.store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	results, _ := updated.PersistenceData["phase_results"].(map[string]any)
	if _, ok := results["data_import"]; !ok {
		t.Error("phase output was not merged into persistence data")
	}
	if _, ok := updated.PhaseExecutionTimes["data_import"]; !ok {
		t.Error("phase execution time was not recorded")
	}
	if updated.CurrentPhase != "field_mapping" {
		t.Errorf("master current phase = %s, want field_mapping", updated.CurrentPhase)
	}

	// The child record tracks progress and insights through the sync path.
	child, _ := rig.store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if child.Status != model.FlowStatusRunning {
		t.Errorf("child status = %s, want running", child.Status)
	}
	if child.ProgressPercentage == 0 {
		t.Error("child progress was not updated")
	}
	if len(child.AgentInsights) == 0 {
		t.Error("agent insight was not appended to child")
	}
}

func TestExecutePhaseFullLifecycle(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeAssessment)

	for _, phase := range Phases(model.FlowTypeAssessment) {
		rig.registry.Register(model.FlowTypeAssessment, phase, echoHandler(map[string]any{"phase": phase}))
	}

	var last *PhaseResult
	for _, phase := range Phases(model.FlowTypeAssessment) {
		result, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, phase, nil)
		if err != nil {
			t.Fatalf("ExecutePhase(%s): %v", phase, err)
		}
		last = result
	}

	if last.FlowStatus != model.FlowStatusCompleted {
		t.Errorf("final status = %s, want completed", last.FlowStatus)
	}
	if last.NextPhase != "" {
		t.Errorf("final next phase = %q, want empty", last.NextPhase)
	}

	child, _ := rig.store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if child.ProgressPercentage != 100 {
		t.Errorf("final progress = %v, want 100", child.ProgressPercentage)
	}

	// No execution out of a terminal state.
	_, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "readiness_check", nil)
	if !model.HasCode(err, model.ErrInvalidFlowState) {
		t.Errorf("post-completion execute error = %v, want INVALID_FLOW_STATE", err)
	}
}

func TestExecutePhaseSerializesConcurrentRuns(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	entered := make(chan struct{})
	release := make(chan struct{})
	rig.registry.Register(model.FlowTypeDiscovery, "data_import",
		func(context.Context, string, map[string]any, map[string]any) (map[string]any, error) {
			close(entered)
			<-release
			return map[string]any{}, nil
		})

	done := make(chan *PhaseResult, 1)
	go func() {
		result, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", nil)
		if err != nil {
			t.Errorf("first execution: %v", err)
		}
		done <- result
	}()

	<-entered
	second, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", nil)
	if err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if second.Status != PhaseStatusAlreadyRunning {
		t.Errorf("second status = %s, want already_running", second.Status)
	}

	close(release)
	first := <-done
	if first.Status != PhaseStatusSuccess {
		t.Errorf("first status = %s, want success", first.Status)
	}

	// The lock is free again.
	ok, _ := rig.locks.TryAcquire(ctx, master.FlowID, "data_import")
	if !ok {
		t.Error("lock still held after execution")
	}
}

func TestExecutePhaseUnknownPhase(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	_, err := rig.engine.ExecutePhase(context.Background(), testRequestContext(), master.FlowID, "wave_planning", nil)
	if !model.HasCode(err, model.ErrUnknownPhase) {
		t.Errorf("error = %v, want UNKNOWN_PHASE", err)
	}
}

func TestExecutePhaseHandlerError(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	handlerErr := errors.New("import source unreachable")
	rig.registry.Register(model.FlowTypeDiscovery, "data_import",
		func(context.Context, string, map[string]any, map[string]any) (map[string]any, error) {
			return nil, handlerErr
		})

	_, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", nil)
	if !errors.Is(err, handlerErr) {
		t.Fatalf("error = %v, want wrapped handler error", err)
	}

	// The failure was recorded before the error propagated.
	updated, _ := rig.store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if updated.FlowStatus != model.FlowStatusFailed {
		t.Errorf("status = %s, want failed", updated.FlowStatus)
	}
	var sawFailure bool
	for _, entry := range updated.CollaborationLog {
		if entry.Event == "phase_failed" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("phase_failed entry missing from collaboration log")
	}

	// The lock is released on the error path.
	ok, _ := rig.locks.TryAcquire(ctx, master.FlowID, "data_import")
	if !ok {
		t.Error("lock still held after handler error")
	}
}

func TestExecutePhaseAgentPausesBeforeExecution(t *testing.T) {
	agent := &stubAgent{decision: model.AgentDecision{
		Action:     model.DecisionPause,
		Confidence: 0.9,
		Reasoning:  "awaiting client approval",
	}}
	rig := newEngineRig(t, agent)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	result, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", nil)
	if err != nil {
		t.Fatalf("ExecutePhase: %v", err)
	}
	if result.Status != PhaseStatusPaused {
		t.Errorf("result status = %s, want paused", result.Status)
	}

	updated, _ := rig.store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if updated.FlowStatus != model.FlowStatusPaused {
		t.Errorf("flow status = %s, want paused", updated.FlowStatus)
	}
	if updated.PersistenceData["pause_reason"] != "awaiting client approval" {
		t.Errorf("pause_reason = %v", updated.PersistenceData["pause_reason"])
	}
}

// failAfterAgent proceeds before execution and fails the flow afterwards.
type failAfterAgent struct{}

func (failAfterAgent) Decide(_ context.Context, actx AgentContext) (model.AgentDecision, error) {
	return model.AgentDecision{Action: model.DecisionProceed, NextPhase: DefaultNextPhase(actx.FlowType, actx.CurrentPhase), Confidence: 1}, nil
}

func (failAfterAgent) DecideAfter(context.Context, AgentContext) (model.AgentDecision, error) {
	return model.AgentDecision{Action: model.DecisionFail, Confidence: 0.99, Reasoning: "results fail validation"}, nil
}

func TestExecutePhaseAgentFailsAfterExecution(t *testing.T) {
	rig := newEngineRig(t, failAfterAgent{})
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	rig.registry.Register(model.FlowTypeDiscovery, "data_import", echoHandler(map[string]any{"rows": 0}))

	result, err := rig.engine.ExecutePhase(ctx, rctx, master.FlowID, "data_import", nil)
	if err != nil {
		t.Fatalf("ExecutePhase: %v", err)
	}
	if result.FlowStatus != model.FlowStatusFailed {
		t.Errorf("flow status = %s, want failed", result.FlowStatus)
	}

	updated, _ := rig.store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if updated.FlowStatus != model.FlowStatusFailed {
		t.Errorf("persisted status = %s, want failed", updated.FlowStatus)
	}
}

func TestExecutePhaseNoHandlerRegistered(t *testing.T) {
	rig := newEngineRig(t, CatalogAgent{})
	master := mustCreateFlow(t, rig.repo, model.FlowTypeDiscovery)

	_, err := rig.engine.ExecutePhase(context.Background(), testRequestContext(), master.FlowID, "data_import", nil)
	if !model.HasCode(err, model.ErrValidationError) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}
