package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratusmap/conductor/internal/events"
	"github.com/stratusmap/conductor/model"
)

func newSyncRig(t *testing.T) (*SyncService, *Repository, *MemoryFlowStore) {
	t.Helper()
	store := NewMemoryFlowStore()
	repo := NewRepository(store, nil, nil)
	return NewSyncService(repo, nil, nil, nil), repo, store
}

func TestAtomicTransitions(t *testing.T) {
	svc, repo, store := newSyncRig(t)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	started, err := svc.StartFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.FlowStatus != model.FlowStatusRunning {
		t.Errorf("master status = %s, want running", started.FlowStatus)
	}
	child, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if child.Status != model.FlowStatusRunning {
		t.Errorf("child status = %s, want running", child.Status)
	}

	// Starting twice is an invalid transition.
	_, err = svc.StartFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if !model.HasCode(err, model.ErrInvalidFlowState) {
		t.Errorf("double start error = %v, want INVALID_FLOW_STATE", err)
	}

	paused, err := svc.PauseFlowWithAtomicSync(ctx, rctx, master.FlowID, "maintenance window")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.FlowStatus != model.FlowStatusPaused {
		t.Errorf("master status = %s, want paused", paused.FlowStatus)
	}
	child, _ = store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if child.Status != model.FlowStatusPaused {
		t.Errorf("child status = %s, want paused", child.Status)
	}

	resumed, err := svc.ResumeFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.FlowStatus != model.FlowStatusRunning {
		t.Errorf("master status = %s, want running", resumed.FlowStatus)
	}

	cancelled, err := svc.CancelFlowWithAtomicSync(ctx, rctx, master.FlowID, "client request")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.FlowStatus != model.FlowStatusCancelled {
		t.Errorf("master status = %s, want cancelled", cancelled.FlowStatus)
	}

	// Cancelled is terminal.
	_, err = svc.ResumeFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if !model.HasCode(err, model.ErrInvalidFlowState) {
		t.Errorf("resume after cancel error = %v, want INVALID_FLOW_STATE", err)
	}
}

func TestPauseRequiresRunning(t *testing.T) {
	svc, repo, store := newSyncRig(t)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	// Paused is only reachable from running.
	_, err := svc.PauseFlowWithAtomicSync(ctx, rctx, master.FlowID, "too eager")
	if !model.HasCode(err, model.ErrInvalidFlowState) {
		t.Errorf("pause of initialized flow error = %v, want INVALID_FLOW_STATE", err)
	}
	current, _ := store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if current.FlowStatus != model.FlowStatusInitialized {
		t.Errorf("status = %s, want initialized", current.FlowStatus)
	}
}

// childFailStore fails child updates on demand to exercise compensation.
type childFailStore struct {
	FlowStore
	failChild bool
}

func (s *childFailStore) UpdateChild(ctx context.Context, child model.ChildFlow) error {
	if s.failChild {
		return errors.New("child table unavailable")
	}
	return s.FlowStore.UpdateChild(ctx, child)
}

func TestTransitionCompensatesMasterOnChildFailure(t *testing.T) {
	store := &childFailStore{FlowStore: NewMemoryFlowStore()}
	repo := NewRepository(store, nil, nil)
	svc := NewSyncService(repo, nil, nil, nil)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	store.failChild = true
	_, err := svc.StartFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if err == nil {
		t.Fatal("start succeeded despite child failure")
	}
	if model.HasCode(err, model.ErrPartialSync) {
		t.Fatalf("got PARTIAL_SYNC, compensation should have succeeded: %v", err)
	}

	// The master was rolled back to its previous status.
	current, _ := store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if current.FlowStatus != model.FlowStatusInitialized {
		t.Errorf("master status = %s, want initialized after compensation", current.FlowStatus)
	}
	var compensated bool
	for _, entry := range current.CollaborationLog {
		if entry.Event == "status_compensated" {
			compensated = true
		}
	}
	if !compensated {
		t.Error("status_compensated entry missing from collaboration log")
	}
}

// brokenStore fails child updates and, after a set number of writes, master
// updates too.
type brokenStore struct {
	FlowStore
	masterWritesLeft int
}

func (s *brokenStore) UpdateChild(context.Context, model.ChildFlow) error {
	return errors.New("child table unavailable")
}

func (s *brokenStore) UpdateMaster(ctx context.Context, flow model.MasterFlow, occToken time.Time) (model.MasterFlow, error) {
	if s.masterWritesLeft <= 0 {
		return model.MasterFlow{}, errors.New("master table unavailable")
	}
	s.masterWritesLeft--
	return s.FlowStore.UpdateMaster(ctx, flow, occToken)
}

func TestTransitionPartialSyncWhenCompensationFails(t *testing.T) {
	store := &brokenStore{FlowStore: NewMemoryFlowStore(), masterWritesLeft: 1}
	repo := NewRepository(store, nil, nil)
	svc := NewSyncService(repo, nil, nil, nil)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	_, err := svc.StartFlowWithAtomicSync(ctx, rctx, master.FlowID)
	if !model.HasCode(err, model.ErrPartialSync) {
		t.Fatalf("error = %v, want PARTIAL_SYNC", err)
	}

	// The master keeps the new status: it stays authoritative for recovery.
	current, _ := store.GetMaster(ctx, rctx.Scope(), master.FlowID)
	if current.FlowStatus != model.FlowStatusRunning {
		t.Errorf("master status = %s, want running", current.FlowStatus)
	}
}

func TestValidateFlowConsistency(t *testing.T) {
	svc, repo, store := newSyncRig(t)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	report, err := svc.ValidateFlowConsistency(ctx, rctx, master.FlowID)
	if err != nil {
		t.Fatalf("ValidateFlowConsistency: %v", err)
	}
	if !report.Consistent {
		t.Errorf("fresh flow inconsistent: %v", report.Discrepancies)
	}

	child, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	child.Status = model.FlowStatusRunning
	child.CurrentPhase = "field_mapping"
	if err := store.UpdateChild(ctx, child); err != nil {
		t.Fatalf("UpdateChild: %v", err)
	}

	report, err = svc.ValidateFlowConsistency(ctx, rctx, master.FlowID)
	if err != nil {
		t.Fatalf("ValidateFlowConsistency: %v", err)
	}
	if report.Consistent {
		t.Error("diverged flow reported consistent")
	}
	if len(report.Discrepancies) != 2 {
		t.Errorf("discrepancies = %v, want status and phase mismatches", report.Discrepancies)
	}
}

func TestRecoverFromPartialUpdateMasterWins(t *testing.T) {
	svc, repo, store := newSyncRig(t)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	child, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	child.Status = model.FlowStatusFailed
	child.CurrentPhase = "gap_analysis"
	if err := store.UpdateChild(ctx, child); err != nil {
		t.Fatalf("UpdateChild: %v", err)
	}

	report, err := svc.RecoverFromPartialUpdate(ctx, rctx, master.FlowID)
	if err != nil {
		t.Fatalf("RecoverFromPartialUpdate: %v", err)
	}
	if !report.Consistent {
		t.Error("report not consistent after recovery")
	}

	repaired, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if repaired.Status != master.FlowStatus {
		t.Errorf("child status = %s, want master's %s", repaired.Status, master.FlowStatus)
	}
	if repaired.CurrentPhase != master.CurrentPhase {
		t.Errorf("child phase = %s, want master's %s", repaired.CurrentPhase, master.CurrentPhase)
	}
}

func TestUpdateOperationalStatusPublishesSyncEvent(t *testing.T) {
	store := NewMemoryFlowStore()
	repo := NewRepository(store, nil, nil)
	bus := events.NewBus()
	defer bus.Close()
	svc := NewSyncService(repo, bus, nil, nil)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	ch := bus.Subscribe("test")
	defer bus.Unsubscribe(ch)

	progress := 35.0
	err := svc.UpdateOperationalStatus(ctx, rctx, master.FlowID, OperationalUpdate{
		Status:       model.FlowStatusRunning,
		CurrentPhase: "data_validation",
		Progress:     &progress,
		PhaseResults: map[string]any{"field_mapping": map[string]any{"fields": 9}},
		Insight:      map[string]any{"note": "mapping confidence high"},
	})
	if err != nil {
		t.Fatalf("UpdateOperationalStatus: %v", err)
	}

	child, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	if child.ProgressPercentage != 35.0 {
		t.Errorf("progress = %v, want 35", child.ProgressPercentage)
	}
	if len(child.AgentInsights) != 1 {
		t.Errorf("insights = %d, want 1", len(child.AgentInsights))
	}

	select {
	case event := <-ch:
		if event.Type != events.TypeFlowSyncRequested {
			t.Errorf("event type = %s, want %s", event.Type, events.TypeFlowSyncRequested)
		}
		if event.Data["client_account_id"] != testClientAccountID {
			t.Error("event missing tenant scope")
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestMonitorFlowHealthRepairs(t *testing.T) {
	svc, repo, store := newSyncRig(t)
	ctx := context.Background()
	rctx := testRequestContext()
	master := mustCreateFlow(t, repo, model.FlowTypeDiscovery)

	child, _ := store.GetChildByMaster(ctx, rctx.Scope(), master.FlowID)
	child.Status = model.FlowStatusRunning
	if err := store.UpdateChild(ctx, child); err != nil {
		t.Fatalf("UpdateChild: %v", err)
	}

	report, err := svc.MonitorFlowHealth(ctx, rctx, true)
	if err != nil {
		t.Fatalf("MonitorFlowHealth: %v", err)
	}
	if report.FlowsChecked != 1 {
		t.Errorf("flows checked = %d, want 1", report.FlowsChecked)
	}
	if len(report.RepairedFlows) != 1 {
		t.Errorf("repaired = %v, want one flow", report.RepairedFlows)
	}

	check, _ := svc.ValidateFlowConsistency(ctx, rctx, master.FlowID)
	if !check.Consistent {
		t.Error("flow still inconsistent after repair sweep")
	}
}
