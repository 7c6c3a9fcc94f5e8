package flow

import (
	"context"
	"time"

	"github.com/stratusmap/conductor/model"
)

// MasterFlowFilters narrows ListMasters. Zero values mean no filter; a zero
// Limit defaults to 50.
type MasterFlowFilters struct {
	FlowType string
	Status   string
	Limit    int
	Offset   int
}

// FlowStore persists master and child flow records. All reads and writes are
// tenant-scoped; a record belonging to another tenant behaves as not found.
//
// UpdateMaster is conditional on occToken matching the stored updated_at. A
// stale token yields a CONCURRENCY_CONFLICT envelope and the caller is
// expected to re-read and retry. The returned record carries the fresh
// updated_at.
type FlowStore interface {
	CreateMaster(ctx context.Context, flow model.MasterFlow) error
	GetMaster(ctx context.Context, scope model.TenantScope, flowID string) (model.MasterFlow, error)
	UpdateMaster(ctx context.Context, flow model.MasterFlow, occToken time.Time) (model.MasterFlow, error)
	ListMasters(ctx context.Context, scope model.TenantScope, filters MasterFlowFilters) ([]model.MasterFlow, error)

	// ListActiveScopes returns the tenant scopes that own at least one
	// non-terminal master flow. Background sweepers iterate these scopes
	// since every other read is tenant-scoped.
	ListActiveScopes(ctx context.Context) ([]model.TenantScope, error)

	// CreateChild enforces the one-child-per-master invariant: a second
	// child for the same master yields a CONFLICT envelope.
	CreateChild(ctx context.Context, child model.ChildFlow) error
	GetChildByMaster(ctx context.Context, scope model.TenantScope, masterFlowID string) (model.ChildFlow, error)
	UpdateChild(ctx context.Context, child model.ChildFlow) error

	HealthCheck(ctx context.Context) error
}
