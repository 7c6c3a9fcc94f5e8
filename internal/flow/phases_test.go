package flow

import (
	"testing"

	"github.com/stratusmap/conductor/model"
)

func TestPhaseCatalogCoversAllFlowTypes(t *testing.T) {
	for flowType := range model.ValidFlowTypes {
		if len(Phases(flowType)) == 0 {
			t.Errorf("flow type %q has no phase catalog", flowType)
		}
	}
}

func TestDefaultNextPhase(t *testing.T) {
	tests := []struct {
		flowType string
		phase    string
		want     string
	}{
		{model.FlowTypeDiscovery, "data_import", "field_mapping"},
		{model.FlowTypeDiscovery, "gap_analysis", "recommendations"},
		{model.FlowTypeDiscovery, "recommendations", ""},
		{model.FlowTypeAssessment, "readiness_check", "tech_debt_review"},
		{model.FlowTypeExecution, "finalize", ""},
		{model.FlowTypeDiscovery, "no_such_phase", ""},
		{"no_such_type", "data_import", ""},
	}
	for _, tt := range tests {
		if got := DefaultNextPhase(tt.flowType, tt.phase); got != tt.want {
			t.Errorf("DefaultNextPhase(%q, %q) = %q, want %q", tt.flowType, tt.phase, got, tt.want)
		}
	}
}

func TestIsKnownPhase(t *testing.T) {
	if !IsKnownPhase(model.FlowTypeDiscovery, "dependency_analysis") {
		t.Error("dependency_analysis should be a discovery phase")
	}
	if IsKnownPhase(model.FlowTypeDiscovery, "wave_planning") {
		t.Error("wave_planning is a planning phase, not discovery")
	}
	if IsKnownPhase("no_such_type", "data_import") {
		t.Error("unknown flow type should have no phases")
	}
}

func TestPhaseProgress(t *testing.T) {
	if got := PhaseProgress(model.FlowTypeDiscovery, "recommendations"); got != 100 {
		t.Errorf("final phase progress = %v, want 100", got)
	}
	got := PhaseProgress(model.FlowTypeAssessment, "readiness_check")
	if got != 25 {
		t.Errorf("first of four phases = %v, want 25", got)
	}
	if got := PhaseProgress(model.FlowTypeDiscovery, "bogus"); got != 0 {
		t.Errorf("unknown phase progress = %v, want 0", got)
	}
}
