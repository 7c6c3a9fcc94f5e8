package flow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stratusmap/conductor/model"
)

// MemoryFlowStore is an in-memory FlowStore for single-instance deployments
// and testing. Records are cloned on every read and write so callers can
// merge into what they got back without touching the stored copy, matching
// the isolation a row fetch from the database store gives.
type MemoryFlowStore struct {
	mu       sync.RWMutex
	masters  map[string]model.MasterFlow // key: flow ID
	children map[string]model.ChildFlow  // key: master flow ID
}

// NewMemoryFlowStore creates a new in-memory flow store.
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		masters:  make(map[string]model.MasterFlow),
		children: make(map[string]model.ChildFlow),
	}
}

func scopeMatches(scope model.TenantScope, clientAccountID, engagementID string) bool {
	return scope.ClientAccountID == clientAccountID && scope.EngagementID == engagementID
}

// CreateMaster persists a new master flow record.
func (s *MemoryFlowStore) CreateMaster(_ context.Context, flow model.MasterFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.masters[flow.FlowID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("master flow %q already exists", flow.FlowID),
		)
	}

	s.masters[flow.FlowID] = flow.Clone()
	return nil
}

// GetMaster retrieves a master flow by ID, scoped to tenant.
func (s *MemoryFlowStore) GetMaster(_ context.Context, scope model.TenantScope, flowID string) (model.MasterFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, exists := s.masters[flowID]
	if !exists || !scopeMatches(scope, flow.ClientAccountID, flow.EngagementID) {
		return model.MasterFlow{}, model.NewNotFoundError(
			fmt.Sprintf("master flow %q not found", flowID),
		)
	}
	return flow.Clone(), nil
}

// UpdateMaster persists an updated master flow with optimistic locking on
// updated_at.
func (s *MemoryFlowStore) UpdateMaster(_ context.Context, flow model.MasterFlow, occToken time.Time) (model.MasterFlow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.masters[flow.FlowID]
	if !exists || !scopeMatches(model.TenantScope{ClientAccountID: flow.ClientAccountID, EngagementID: flow.EngagementID}, existing.ClientAccountID, existing.EngagementID) {
		return model.MasterFlow{}, model.NewNotFoundError(
			fmt.Sprintf("master flow %q not found", flow.FlowID),
		)
	}

	// Optimistic lock check.
	if !existing.UpdatedAt.Equal(occToken) {
		return model.MasterFlow{}, model.NewConcurrencyConflictError(
			fmt.Sprintf("master flow %q was modified concurrently", flow.FlowID),
		)
	}

	now := time.Now().UTC()
	// Clock resolution can make now equal to the token; the new token must
	// differ or a lost update would go undetected.
	if !now.After(existing.UpdatedAt) {
		now = existing.UpdatedAt.Add(time.Nanosecond)
	}
	flow.CreatedAt = existing.CreatedAt
	flow.UpdatedAt = now
	s.masters[flow.FlowID] = flow.Clone()
	return flow, nil
}

// ListMasters returns master flows for a tenant matching the filters, newest
// first.
func (s *MemoryFlowStore) ListMasters(_ context.Context, scope model.TenantScope, filters MasterFlowFilters) ([]model.MasterFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.MasterFlow
	for _, flow := range s.masters {
		if !scopeMatches(scope, flow.ClientAccountID, flow.EngagementID) {
			continue
		}
		if filters.FlowType != "" && flow.FlowType != filters.FlowType {
			continue
		}
		if filters.Status != "" && flow.FlowStatus != filters.Status {
			continue
		}
		result = append(result, flow.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []model.MasterFlow{}, nil
		}
		result = result[filters.Offset:]
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit < len(result) {
		result = result[:limit]
	}

	return result, nil
}

// ListActiveScopes returns the distinct tenant scopes with at least one
// non-terminal master flow.
func (s *MemoryFlowStore) ListActiveScopes(_ context.Context) ([]model.TenantScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[model.TenantScope]bool)
	var scopes []model.TenantScope
	for _, flow := range s.masters {
		if model.IsTerminalStatus(flow.FlowStatus) {
			continue
		}
		scope := model.TenantScope{
			ClientAccountID: flow.ClientAccountID,
			EngagementID:    flow.EngagementID,
		}
		if !seen[scope] {
			seen[scope] = true
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}

// CreateChild persists a child flow record, enforcing one child per master.
func (s *MemoryFlowStore) CreateChild(_ context.Context, child model.ChildFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.children[child.MasterFlowID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("master flow %q already has a child flow", child.MasterFlowID),
		)
	}

	s.children[child.MasterFlowID] = child.Clone()
	return nil
}

// GetChildByMaster retrieves the child flow for a master, scoped to tenant.
func (s *MemoryFlowStore) GetChildByMaster(_ context.Context, scope model.TenantScope, masterFlowID string) (model.ChildFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	child, exists := s.children[masterFlowID]
	if !exists || !scopeMatches(scope, child.ClientAccountID, child.EngagementID) {
		return model.ChildFlow{}, model.NewNotFoundError(
			fmt.Sprintf("child flow for master %q not found", masterFlowID),
		)
	}
	return child.Clone(), nil
}

// UpdateChild persists an updated child flow record.
func (s *MemoryFlowStore) UpdateChild(_ context.Context, child model.ChildFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.children[child.MasterFlowID]
	if !exists || existing.ID != child.ID {
		return model.NewNotFoundError(
			fmt.Sprintf("child flow for master %q not found", child.MasterFlowID),
		)
	}

	child.CreatedAt = existing.CreatedAt
	child.UpdatedAt = time.Now().UTC()
	s.children[child.MasterFlowID] = child.Clone()
	return nil
}

func (s *MemoryFlowStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of master flows. For testing.
func (s *MemoryFlowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.masters)
}
