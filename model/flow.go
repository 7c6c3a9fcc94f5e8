package model

import (
	"maps"
	"time"
)

// Flow types recognized by the orchestrator.
const (
	FlowTypeDiscovery     = "discovery"
	FlowTypeAssessment    = "assessment"
	FlowTypeCollection    = "collection"
	FlowTypePlanning      = "planning"
	FlowTypeExecution     = "execution"
	FlowTypeModernize     = "modernize"
	FlowTypeFinOps        = "finops"
	FlowTypeObservability = "observability"
	FlowTypeDecommission  = "decommission"
)

// ValidFlowTypes is the set of accepted flow_type values.
var ValidFlowTypes = map[string]bool{
	FlowTypeDiscovery:     true,
	FlowTypeAssessment:    true,
	FlowTypeCollection:    true,
	FlowTypePlanning:      true,
	FlowTypeExecution:     true,
	FlowTypeModernize:     true,
	FlowTypeFinOps:        true,
	FlowTypeObservability: true,
	FlowTypeDecommission:  true,
}

// Master flow lifecycle statuses.
const (
	FlowStatusInitialized = "initialized"
	FlowStatusRunning     = "running"
	FlowStatusPaused      = "paused"
	FlowStatusCompleted   = "completed"
	FlowStatusFailed      = "failed"
	FlowStatusCancelled   = "cancelled"
	FlowStatusDeleted     = "deleted"
)

// TerminalFlowStatuses are statuses from which no further phase execution or
// status transition is permitted.
var TerminalFlowStatuses = map[string]bool{
	FlowStatusCompleted: true,
	FlowStatusFailed:    true,
	FlowStatusCancelled: true,
	FlowStatusDeleted:   true,
}

// IsTerminalStatus reports whether a flow status permits no further
// transitions.
func IsTerminalStatus(status string) bool {
	return TerminalFlowStatuses[status]
}

// MasterFlow is the authoritative record of a flow: its identity, lifecycle
// status, accumulated state, and audit trail. One master flow owns exactly
// one child flow carrying the operational detail.
type MasterFlow struct {
	FlowID          string `json:"flow_id"`
	ClientAccountID string `json:"client_account_id"`
	EngagementID    string `json:"engagement_id"`
	FlowType        string `json:"flow_type"`
	FlowName        string `json:"flow_name"`
	FlowStatus      string `json:"flow_status"`
	CurrentPhase    string `json:"current_phase"`

	// FlowConfiguration is the immutable per-flow configuration supplied at
	// creation.
	FlowConfiguration map[string]any `json:"flow_configuration,omitempty"`

	// PersistenceData accumulates phase outputs and metadata across the
	// flow's lifetime. Writes deep-merge into it rather than replace it.
	PersistenceData map[string]any `json:"persistence_data,omitempty"`

	// CollaborationLog is the append-only audit trail of decisions and
	// status transitions.
	CollaborationLog []CollaborationEntry `json:"collaboration_log,omitempty"`

	// PhaseExecutionTimes records wall-clock seconds per executed phase.
	PhaseExecutionTimes map[string]float64 `json:"phase_execution_times,omitempty"`

	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt doubles as the optimistic concurrency token: updates are
	// conditional on the value read, and every successful write advances it.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the flow. The JSON-typed fields are copied
// all the way down so callers can merge into the clone, or hand it to a
// phase handler, without the changes reaching the original.
func (f MasterFlow) Clone() MasterFlow {
	cp := f
	cp.FlowConfiguration = cloneJSONMap(f.FlowConfiguration)
	cp.PersistenceData = cloneJSONMap(f.PersistenceData)
	cp.PhaseExecutionTimes = maps.Clone(f.PhaseExecutionTimes)
	if f.CollaborationLog != nil {
		cp.CollaborationLog = make([]CollaborationEntry, len(f.CollaborationLog))
		for i, entry := range f.CollaborationLog {
			entry.Data = cloneJSONMap(entry.Data)
			cp.CollaborationLog[i] = entry
		}
	}
	return cp
}

// Clone returns a deep copy of the child flow.
func (c ChildFlow) Clone() ChildFlow {
	cp := c
	cp.PhaseResults = cloneJSONMap(c.PhaseResults)
	if c.AgentInsights != nil {
		cp.AgentInsights = make([]map[string]any, len(c.AgentInsights))
		for i, insight := range c.AgentInsights {
			cp.AgentInsights[i] = cloneJSONMap(insight)
		}
	}
	return cp
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = cloneJSONValue(v)
	}
	return cp
}

func cloneJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneJSONMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = cloneJSONValue(item)
		}
		return cp
	default:
		return v
	}
}

// CollaborationEntry is one record in a master flow's append-only audit
// trail.
type CollaborationEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Phase     string         `json:"phase,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// ChildFlow is the operational execution record owned by a master flow. It
// tracks progress and per-phase results; the master remains authoritative
// for lifecycle status.
type ChildFlow struct {
	ID                 string           `json:"id"`
	MasterFlowID       string           `json:"master_flow_id"`
	ClientAccountID    string           `json:"client_account_id"`
	EngagementID       string           `json:"engagement_id"`
	FlowType           string           `json:"flow_type"`
	Status             string           `json:"status"`
	CurrentPhase       string           `json:"current_phase"`
	ProgressPercentage float64          `json:"progress_percentage"`
	PhaseResults       map[string]any   `json:"phase_results,omitempty"`
	AgentInsights      []map[string]any `json:"agent_insights,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Agent decision actions.
const (
	DecisionProceed = "proceed"
	DecisionPause   = "pause"
	DecisionRetry   = "retry"
	DecisionFail    = "fail"
)

// AgentDecision is the transition agent's verdict on what a flow should do
// next. Confidence is 0.0 when the decision is a degraded fallback.
type AgentDecision struct {
	Action     string         `json:"action"`
	NextPhase  string         `json:"next_phase,omitempty"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// FlowStatusSummary is the combined master/child view returned by status
// reads.
type FlowStatusSummary struct {
	FlowID              string             `json:"flow_id"`
	FlowType            string             `json:"flow_type"`
	FlowName            string             `json:"flow_name"`
	FlowStatus          string             `json:"flow_status"`
	CurrentPhase        string             `json:"current_phase"`
	ProgressPercentage  float64            `json:"progress_percentage"`
	ChildStatus         string             `json:"child_status,omitempty"`
	ChildCurrentPhase   string             `json:"child_current_phase,omitempty"`
	PhaseExecutionTimes map[string]float64 `json:"phase_execution_times,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// ConsistencyReport describes the agreement between a master flow and its
// child after a consistency check.
type ConsistencyReport struct {
	FlowID        string    `json:"flow_id"`
	Consistent    bool      `json:"consistent"`
	MasterStatus  string    `json:"master_status"`
	ChildStatus   string    `json:"child_status,omitempty"`
	MasterPhase   string    `json:"master_phase,omitempty"`
	ChildPhase    string    `json:"child_phase,omitempty"`
	Discrepancies []string  `json:"discrepancies,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}
