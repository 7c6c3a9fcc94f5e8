package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stratusmap/conductor/model"
)

// stubAgent returns a fixed decision or error.
type stubAgent struct {
	decision model.AgentDecision
	err      error
}

func (a *stubAgent) Decide(context.Context, AgentContext) (model.AgentDecision, error) {
	return a.decision, a.err
}

func (a *stubAgent) DecideAfter(context.Context, AgentContext) (model.AgentDecision, error) {
	return a.decision, a.err
}

func discoveryAgentContext(phase string) AgentContext {
	return AgentContext{
		FlowID:       "flow-1",
		FlowType:     model.FlowTypeDiscovery,
		CurrentPhase: phase,
	}
}

func TestSafeDecideDegradesOnError(t *testing.T) {
	agent := &stubAgent{err: errors.New("model timeout")}

	decision := SafeDecide(context.Background(), agent, discoveryAgentContext("data_import"), false, nil)

	if decision.Action != model.DecisionProceed {
		t.Errorf("action = %s, want proceed", decision.Action)
	}
	if decision.NextPhase != "field_mapping" {
		t.Errorf("next phase = %s, want field_mapping", decision.NextPhase)
	}
	if decision.Confidence != 0.0 {
		t.Errorf("confidence = %v, want 0.0", decision.Confidence)
	}
	if !strings.Contains(decision.Reasoning, "failed") {
		t.Errorf("reasoning %q does not mention the failure", decision.Reasoning)
	}
}

func TestSafeDecideDegradesOnUnknownAction(t *testing.T) {
	agent := &stubAgent{decision: model.AgentDecision{Action: "launch", Confidence: 0.9}}

	decision := SafeDecide(context.Background(), agent, discoveryAgentContext("data_import"), true, nil)

	if decision.Action != model.DecisionProceed {
		t.Errorf("action = %s, want proceed", decision.Action)
	}
	if decision.Confidence != 0.0 {
		t.Errorf("confidence = %v, want 0.0", decision.Confidence)
	}
}

func TestSafeDecideFillsDefaultNextPhase(t *testing.T) {
	agent := &stubAgent{decision: model.AgentDecision{Action: model.DecisionProceed, Confidence: 0.8}}

	decision := SafeDecide(context.Background(), agent, discoveryAgentContext("gap_analysis"), false, nil)
	if decision.NextPhase != "recommendations" {
		t.Errorf("next phase = %s, want recommendations", decision.NextPhase)
	}
}

func TestSafeDecidePassesThroughValidDecision(t *testing.T) {
	agent := &stubAgent{decision: model.AgentDecision{
		Action:     model.DecisionPause,
		Confidence: 0.95,
		Reasoning:  "validation errors exceed threshold",
	}}

	decision := SafeDecide(context.Background(), agent, discoveryAgentContext("data_validation"), true, nil)
	if decision.Action != model.DecisionPause {
		t.Errorf("action = %s, want pause", decision.Action)
	}
	if decision.Confidence != 0.95 {
		t.Errorf("confidence = %v, want 0.95", decision.Confidence)
	}
}

func TestCatalogAgentWalksDefaultOrder(t *testing.T) {
	agent := CatalogAgent{}
	decision, err := agent.Decide(context.Background(), discoveryAgentContext("data_import"))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.Action != model.DecisionProceed || decision.NextPhase != "field_mapping" {
		t.Errorf("decision = %+v", decision)
	}

	decision, err = agent.DecideAfter(context.Background(), discoveryAgentContext("recommendations"))
	if err != nil {
		t.Fatalf("DecideAfter: %v", err)
	}
	if decision.NextPhase != "" {
		t.Errorf("final phase next = %q, want empty", decision.NextPhase)
	}
}
