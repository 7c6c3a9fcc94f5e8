package flow

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/stratusmap/conductor/model"
)

const (
	testClientAccountID = "6a1f8a3e-30cf-4f2a-9d0c-3c8f6fbb0a01"
	testEngagementID    = "b2d43e1c-7f4d-4b3f-8f2e-1a9c5d7e0b02"
	testSubjectID       = "user-123"
)

func testRequestContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID:       testSubjectID,
		Email:           "analyst@example.com",
		ClientAccountID: testClientAccountID,
		EngagementID:    testEngagementID,
	}
}

// otherTenantContext is a different tenant for isolation checks.
func otherTenantContext() *model.RequestContext {
	return &model.RequestContext{
		SubjectID:       "user-999",
		ClientAccountID: "0f6b2d9a-5e8c-4c1b-b7a3-9d2e4f6a8c03",
		EngagementID:    "1c7d3e9b-6f0a-4d2c-a8b4-0e3f5a7b9d04",
	}
}

func newTestRepository(t *testing.T) (*Repository, *MemoryFlowStore) {
	t.Helper()
	store := NewMemoryFlowStore()
	return NewRepository(store, nil, zap.NewNop()), store
}

func mustCreateFlow(t *testing.T, repo *Repository, flowType string) model.MasterFlow {
	t.Helper()
	master, err := repo.CreateMasterFlow(context.Background(), testRequestContext(), CreateMasterFlowParams{
		FlowType: flowType,
	})
	if err != nil {
		t.Fatalf("CreateMasterFlow: %v", err)
	}
	return master
}
