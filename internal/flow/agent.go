package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/model"
)

// AgentContext is the snapshot handed to the transition agent when asking
// for a decision.
type AgentContext struct {
	FlowID       string
	FlowType     string
	CurrentPhase string
	// PhaseInput is the caller-supplied input for the phase being decided.
	PhaseInput map[string]any
	// PhaseOutput is the handler's output, present only for post-execution
	// decisions.
	PhaseOutput map[string]any
	// FlowState is the master flow's accumulated persistence data.
	FlowState map[string]any
	// FlowHistory is the collaboration log at decision time.
	FlowHistory []model.CollaborationEntry
}

// TransitionAgent decides what a flow should do around a phase execution.
// Decide runs before the phase handler; DecideAfter runs on its output.
// Implementations may consult models or rule sets; errors degrade to the
// deterministic default rather than blocking the flow.
type TransitionAgent interface {
	Decide(ctx context.Context, actx AgentContext) (model.AgentDecision, error)
	DecideAfter(ctx context.Context, actx AgentContext) (model.AgentDecision, error)
}

// DefaultDecision is the degraded fallback used when the agent errors:
// proceed to the next phase in catalog order with zero confidence.
func DefaultDecision(flowType, phase string, cause error) model.AgentDecision {
	return model.AgentDecision{
		Action:     model.DecisionProceed,
		NextPhase:  DefaultNextPhase(flowType, phase),
		Confidence: 0.0,
		Reasoning:  fmt.Sprintf("agent decision failed, proceeding with default order: %v", cause),
	}
}

// SafeDecide asks the agent for a decision and degrades to DefaultDecision
// on error or on an unrecognized action. Flows never stall on agent
// failures.
func SafeDecide(ctx context.Context, agent TransitionAgent, actx AgentContext, after bool, logger *zap.Logger) model.AgentDecision {
	if logger == nil {
		logger = zap.NewNop()
	}
	if agent == nil {
		return DefaultDecision(actx.FlowType, actx.CurrentPhase, fmt.Errorf("no agent configured"))
	}

	var decision model.AgentDecision
	var err error
	if after {
		decision, err = agent.DecideAfter(ctx, actx)
	} else {
		decision, err = agent.Decide(ctx, actx)
	}
	if err != nil {
		logger.Warn("transition agent failed, using default decision",
			zap.String("flow_id", actx.FlowID),
			zap.String("phase", actx.CurrentPhase),
			zap.Error(err))
		return DefaultDecision(actx.FlowType, actx.CurrentPhase, err)
	}

	switch decision.Action {
	case model.DecisionProceed, model.DecisionPause, model.DecisionRetry, model.DecisionFail:
	default:
		logger.Warn("transition agent returned unknown action, using default decision",
			zap.String("flow_id", actx.FlowID),
			zap.String("action", decision.Action))
		return DefaultDecision(actx.FlowType, actx.CurrentPhase, fmt.Errorf("unknown action %q", decision.Action))
	}

	if decision.Action == model.DecisionProceed && decision.NextPhase == "" {
		decision.NextPhase = DefaultNextPhase(actx.FlowType, actx.CurrentPhase)
	}
	if decision.NextPhase != "" && decision.NextPhase != DefaultNextPhase(actx.FlowType, actx.CurrentPhase) {
		logger.Info("agent decision diverges from default phase order",
			zap.String("flow_id", actx.FlowID),
			zap.String("phase", actx.CurrentPhase),
			zap.String("next_phase", decision.NextPhase))
	}
	return decision
}

// CatalogAgent is the built-in TransitionAgent: it always proceeds through
// the phase catalog in order with full confidence. Deployments wire a
// model-backed agent in its place.
type CatalogAgent struct{}

func (CatalogAgent) Decide(_ context.Context, actx AgentContext) (model.AgentDecision, error) {
	return model.AgentDecision{
		Action:     model.DecisionProceed,
		NextPhase:  DefaultNextPhase(actx.FlowType, actx.CurrentPhase),
		Confidence: 1.0,
		Reasoning:  "default catalog order",
	}, nil
}

func (CatalogAgent) DecideAfter(_ context.Context, actx AgentContext) (model.AgentDecision, error) {
	return model.AgentDecision{
		Action:     model.DecisionProceed,
		NextPhase:  DefaultNextPhase(actx.FlowType, actx.CurrentPhase),
		Confidence: 1.0,
		Reasoning:  "default catalog order",
	}, nil
}
