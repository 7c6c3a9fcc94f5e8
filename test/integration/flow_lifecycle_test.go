package integration

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratusmap/conductor/internal/flow"
	"github.com/stratusmap/conductor/model"
)

func createFlow(t *testing.T, h *TestHarness, token, flowType string) string {
	t.Helper()

	resp := h.POST("/api/flows", map[string]any{"flow_type": flowType}, token)

	var master map[string]any
	h.AssertJSON(t, resp, http.StatusCreated, &master)

	id, _ := master["flow_id"].(string)
	require.NotEmpty(t, id, "expected flow_id in create response")
	return id
}

func TestFlowLifecycle_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	// 1. Create a discovery flow.
	flowID := createFlow(t, h, token, "discovery")

	resp := h.GET("/api/flows/"+flowID+"/status", token)
	var summary map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &summary)
	assert.Equal(t, model.FlowStatusInitialized, summary["flow_status"])
	assert.Equal(t, "data_import", summary["current_phase"])

	// 2. Start it.
	resp = h.POST("/api/flows/"+flowID+"/start", nil, token)
	var started map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &started)
	require.Equal(t, model.FlowStatusRunning, started["flow_status"])

	// 3. Execute every phase in catalog order.
	phases := flow.Phases("discovery")
	require.NotEmpty(t, phases)

	for i, phase := range phases {
		resp = h.POST("/api/flows/"+flowID+"/phases/"+phase+"/execute", map[string]any{
			"input": map[string]any{"step": i},
		}, token)

		var result map[string]any
		h.AssertJSON(t, resp, http.StatusOK, &result)
		require.Equal(t, flow.PhaseStatusSuccess, result["status"], "phase %s", phase)

		if i < len(phases)-1 {
			assert.Equal(t, phases[i+1], result["next_phase"], "phase %s", phase)
		} else {
			assert.Empty(t, result["next_phase"], "last phase should have no successor")
		}
	}

	// 4. The flow completes with full progress.
	resp = h.GET("/api/flows/"+flowID+"/status", token)
	h.AssertJSON(t, resp, http.StatusOK, &summary)
	assert.Equal(t, model.FlowStatusCompleted, summary["flow_status"])
	assert.InDelta(t, 100.0, summary["progress_percentage"], 0.01)

	// 5. Executing after completion is rejected.
	resp = h.POST("/api/flows/"+flowID+"/phases/data_import/execute", nil, token)
	var errResp map[string]map[string]any
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	assert.Equal(t, model.ErrInvalidFlowState, errResp["error"]["code"])
}

func TestFlowLifecycle_PauseResume(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	flowID := createFlow(t, h, token, "assessment")

	resp := h.POST("/api/flows/"+flowID+"/start", nil, token)
	var master map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &master)

	resp = h.POST("/api/flows/"+flowID+"/phases/readiness_check/execute", nil, token)
	var result map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &result)
	require.Equal(t, flow.PhaseStatusSuccess, result["status"])

	// Pause, then verify both records agree.
	resp = h.POST("/api/flows/"+flowID+"/pause", map[string]any{"reason": "maintenance window"}, token)
	h.AssertJSON(t, resp, http.StatusOK, &master)
	require.Equal(t, model.FlowStatusPaused, master["flow_status"])

	resp = h.GET("/api/flows/"+flowID+"/consistency", token)
	var report map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &report)
	assert.True(t, report["consistent"].(bool), "master and child should agree after pause")

	// Resuming a paused flow puts it back into running.
	resp = h.POST("/api/flows/"+flowID+"/resume", nil, token)
	h.AssertJSON(t, resp, http.StatusOK, &master)
	require.Equal(t, model.FlowStatusRunning, master["flow_status"])

	resp = h.POST("/api/flows/"+flowID+"/phases/tech_debt_review/execute", nil, token)
	h.AssertJSON(t, resp, http.StatusOK, &result)
	assert.Equal(t, flow.PhaseStatusSuccess, result["status"])
}

func TestFlowLifecycle_CancelIsTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())

	flowID := createFlow(t, h, token, "planning")

	resp := h.POST("/api/flows/"+flowID+"/cancel", map[string]any{"reason": "scope change"}, token)
	var master map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &master)
	require.Equal(t, model.FlowStatusCancelled, master["flow_status"])

	// Neither execution nor resume may revive a cancelled flow.
	resp = h.POST("/api/flows/"+flowID+"/phases/wave_planning/execute", nil, token)
	var errResp map[string]map[string]any
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	assert.Equal(t, model.ErrInvalidFlowState, errResp["error"]["code"])

	resp = h.POST("/api/flows/"+flowID+"/resume", nil, token)
	h.AssertJSON(t, resp, http.StatusConflict, &errResp)
	assert.Equal(t, model.ErrInvalidFlowState, errResp["error"]["code"])
}

func TestZombieRecovery_RequeuesPhase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	token := h.GenerateToken(AnalystClaims())
	claims := AnalystClaims()
	scope := model.TenantScope{
		ClientAccountID: claims.ClientAccountID,
		EngagementID:    claims.EngagementID,
	}

	flowID := createFlow(t, h, token, "discovery")
	resp := h.POST("/api/flows/"+flowID+"/start", nil, token)
	var master map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &master)

	// Corrupt the child record into the zombie signature: high progress
	// with no results or insights.
	ctx := context.Background()
	child, err := h.Store.GetChildByMaster(ctx, scope, flowID)
	require.NoError(t, err)
	child.ProgressPercentage = 90
	child.PhaseResults = nil
	child.AgentInsights = nil
	child.CurrentPhase = "data_import"
	require.NoError(t, h.Store.UpdateChild(ctx, child))

	resp = h.POST("/api/flows/"+flowID+"/recover", nil, token)
	var recovery map[string]map[string]any
	h.AssertJSON(t, resp, http.StatusOK, &recovery)

	require.True(t, recovery["zombie"]["zombie"].(bool), "flow should match the zombie signature")
	require.True(t, recovery["zombie"]["requeued"].(bool), "zombie should be re-queued")

	// The background task re-executes the stuck phase and repopulates
	// the child's results.
	require.True(t, h.Tracker.Wait(5*time.Second), "recovery task should finish")

	assert.Eventually(t, func() bool {
		child, err := h.Store.GetChildByMaster(ctx, scope, flowID)
		return err == nil && len(child.PhaseResults) > 0
	}, 5*time.Second, 50*time.Millisecond, "phase results should reappear after recovery")
}
