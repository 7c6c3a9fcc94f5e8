// Package flow implements the master flow orchestration core: the repository
// over master and child flow records, the phase execution lock manager, the
// agent decision layer, the phase execution engine, master/child status
// synchronization, and zombie flow recovery.
package flow

import "github.com/stratusmap/conductor/model"

// phaseCatalog holds the ordered default phase sequence per flow type. The
// transition agent may reorder within a flow; this catalog is the
// deterministic fallback traversal.
var phaseCatalog = map[string][]string{
	model.FlowTypeDiscovery: {
		"data_import",
		"field_mapping",
		"data_validation",
		"asset_classification",
		"dependency_analysis",
		"gap_analysis",
		"recommendations",
	},
	model.FlowTypeCollection: {
		"scope_definition",
		"questionnaire_generation",
		"data_collection",
		"response_validation",
		"consolidation",
	},
	model.FlowTypeAssessment: {
		"readiness_check",
		"tech_debt_review",
		"strategy_recommendation",
		"report_generation",
	},
	model.FlowTypePlanning: {
		"wave_planning",
		"resource_mapping",
		"schedule_generation",
	},
	model.FlowTypeExecution:     {"initialize", "execute", "finalize"},
	model.FlowTypeModernize:     {"initialize", "execute", "finalize"},
	model.FlowTypeFinOps:        {"initialize", "execute", "finalize"},
	model.FlowTypeObservability: {"initialize", "execute", "finalize"},
	model.FlowTypeDecommission:  {"initialize", "execute", "finalize"},
}

// Phases returns the ordered phase catalog for a flow type, or nil for an
// unknown flow type.
func Phases(flowType string) []string {
	return phaseCatalog[flowType]
}

// FirstPhase returns the initial phase for a flow type, or "".
func FirstPhase(flowType string) string {
	phases := phaseCatalog[flowType]
	if len(phases) == 0 {
		return ""
	}
	return phases[0]
}

// IsKnownPhase reports whether phase belongs to the flow type's catalog.
func IsKnownPhase(flowType, phase string) bool {
	for _, p := range phaseCatalog[flowType] {
		if p == phase {
			return true
		}
	}
	return false
}

// DefaultNextPhase returns the phase following the given one in the default
// order, or "" when the given phase is the last (or unknown).
func DefaultNextPhase(flowType, phase string) string {
	phases := phaseCatalog[flowType]
	for i, p := range phases {
		if p == phase && i+1 < len(phases) {
			return phases[i+1]
		}
	}
	return ""
}

// PhaseProgress returns the completion percentage after the given phase
// finishes, based on its position in the catalog. Unknown phases yield 0.
func PhaseProgress(flowType, phase string) float64 {
	phases := phaseCatalog[flowType]
	for i, p := range phases {
		if p == phase {
			return float64(i+1) / float64(len(phases)) * 100
		}
	}
	return 0
}
