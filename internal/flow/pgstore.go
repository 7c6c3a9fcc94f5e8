package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratusmap/conductor/model"
)

// PgFlowStore is a PostgreSQL-backed FlowStore using pgx/v5.
type PgFlowStore struct {
	pool *pgxpool.Pool
}

// NewPgFlowStore creates a new PostgreSQL flow store.
func NewPgFlowStore(pool *pgxpool.Pool) *PgFlowStore {
	return &PgFlowStore{pool: pool}
}

// CreateMaster inserts a new master flow record.
func (s *PgFlowStore) CreateMaster(ctx context.Context, flow model.MasterFlow) error {
	configJSON, err := json.Marshal(flow.FlowConfiguration)
	if err != nil {
		return fmt.Errorf("marshal flow configuration: %w", err)
	}
	persistenceJSON, err := json.Marshal(flow.PersistenceData)
	if err != nil {
		return fmt.Errorf("marshal persistence data: %w", err)
	}
	collabJSON, err := json.Marshal(flow.CollaborationLog)
	if err != nil {
		return fmt.Errorf("marshal collaboration log: %w", err)
	}
	timesJSON, err := json.Marshal(flow.PhaseExecutionTimes)
	if err != nil {
		return fmt.Errorf("marshal phase execution times: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO master_flows (
			flow_id, client_account_id, engagement_id, flow_type, flow_name,
			flow_status, current_phase, flow_configuration, persistence_data,
			collaboration_log, phase_execution_times, created_by,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14
		)`,
		flow.FlowID, flow.ClientAccountID, flow.EngagementID, flow.FlowType, flow.FlowName,
		flow.FlowStatus, flow.CurrentPhase, configJSON, persistenceJSON,
		collabJSON, timesJSON, flow.CreatedBy,
		flow.CreatedAt, flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert master flow: %w", err)
	}
	return nil
}

// GetMaster retrieves a master flow by ID, scoped to tenant.
func (s *PgFlowStore) GetMaster(ctx context.Context, scope model.TenantScope, flowID string) (model.MasterFlow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT flow_id, client_account_id, engagement_id, flow_type, flow_name,
		       flow_status, current_phase, flow_configuration, persistence_data,
		       collaboration_log, phase_execution_times, created_by,
		       created_at, updated_at
		FROM master_flows
		WHERE flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		flowID, scope.ClientAccountID, scope.EngagementID,
	)
	flow, err := scanMasterFlow(row)
	if err == pgx.ErrNoRows {
		return model.MasterFlow{}, model.NewNotFoundError(
			fmt.Sprintf("master flow %q not found", flowID),
		)
	}
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("query master flow: %w", err)
	}
	return flow, nil
}

// UpdateMaster persists an updated master flow with optimistic locking on
// updated_at. The stale-token case is distinguished from a missing row with
// a follow-up existence check.
func (s *PgFlowStore) UpdateMaster(ctx context.Context, flow model.MasterFlow, occToken time.Time) (model.MasterFlow, error) {
	configJSON, err := json.Marshal(flow.FlowConfiguration)
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("marshal flow configuration: %w", err)
	}
	persistenceJSON, err := json.Marshal(flow.PersistenceData)
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("marshal persistence data: %w", err)
	}
	collabJSON, err := json.Marshal(flow.CollaborationLog)
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("marshal collaboration log: %w", err)
	}
	timesJSON, err := json.Marshal(flow.PhaseExecutionTimes)
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("marshal phase execution times: %w", err)
	}

	var updatedAt time.Time
	err = s.pool.QueryRow(ctx, `
		UPDATE master_flows SET
			flow_name = $1,
			flow_status = $2,
			current_phase = $3,
			flow_configuration = $4,
			persistence_data = $5,
			collaboration_log = $6,
			phase_execution_times = $7,
			updated_at = GREATEST(now() AT TIME ZONE 'utc', updated_at + interval '1 microsecond')
		WHERE flow_id = $8 AND client_account_id = $9 AND engagement_id = $10 AND updated_at = $11
		RETURNING updated_at`,
		flow.FlowName, flow.FlowStatus, flow.CurrentPhase,
		configJSON, persistenceJSON, collabJSON, timesJSON,
		flow.FlowID, flow.ClientAccountID, flow.EngagementID, occToken,
	).Scan(&updatedAt)
	if err == pgx.ErrNoRows {
		scope := model.TenantScope{ClientAccountID: flow.ClientAccountID, EngagementID: flow.EngagementID}
		if _, getErr := s.GetMaster(ctx, scope, flow.FlowID); getErr != nil {
			return model.MasterFlow{}, getErr
		}
		return model.MasterFlow{}, model.NewConcurrencyConflictError(
			fmt.Sprintf("master flow %q was modified concurrently", flow.FlowID),
		)
	}
	if err != nil {
		return model.MasterFlow{}, fmt.Errorf("update master flow: %w", err)
	}

	flow.UpdatedAt = updatedAt
	return flow, nil
}

// ListMasters returns master flows for a tenant matching the filters.
func (s *PgFlowStore) ListMasters(ctx context.Context, scope model.TenantScope, filters MasterFlowFilters) ([]model.MasterFlow, error) {
	query := `SELECT flow_id, client_account_id, engagement_id, flow_type, flow_name,
	                 flow_status, current_phase, flow_configuration, persistence_data,
	                 collaboration_log, phase_execution_times, created_by,
	                 created_at, updated_at
	          FROM master_flows
	          WHERE client_account_id = $1 AND engagement_id = $2`
	args := []any{scope.ClientAccountID, scope.EngagementID}
	argIdx := 3

	if filters.FlowType != "" {
		query += fmt.Sprintf(" AND flow_type = $%d", argIdx)
		args = append(args, filters.FlowType)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND flow_status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)
	argIdx++
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query master flows: %w", err)
	}
	defer rows.Close()

	var flows []model.MasterFlow
	for rows.Next() {
		flow, err := scanMasterFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan master flow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// ListActiveScopes returns the distinct tenant scopes with at least one
// non-terminal master flow.
func (s *PgFlowStore) ListActiveScopes(ctx context.Context) ([]model.TenantScope, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT client_account_id, engagement_id
		FROM master_flows
		WHERE flow_status NOT IN ('completed', 'failed', 'cancelled', 'deleted')`)
	if err != nil {
		return nil, fmt.Errorf("query active scopes: %w", err)
	}
	defer rows.Close()

	var scopes []model.TenantScope
	for rows.Next() {
		var scope model.TenantScope
		if err := rows.Scan(&scope.ClientAccountID, &scope.EngagementID); err != nil {
			return nil, fmt.Errorf("scan tenant scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// CreateChild inserts a child flow record. A unique index on master_flow_id
// backs the one-child-per-master invariant; the pre-check gives a clean
// conflict envelope for the common case.
func (s *PgFlowStore) CreateChild(ctx context.Context, child model.ChildFlow) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM child_flows WHERE master_flow_id = $1)`,
		child.MasterFlowID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check child flow: %w", err)
	}
	if exists {
		return model.NewConflictError(
			fmt.Sprintf("master flow %q already has a child flow", child.MasterFlowID),
		)
	}

	resultsJSON, err := json.Marshal(child.PhaseResults)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}
	insightsJSON, err := json.Marshal(child.AgentInsights)
	if err != nil {
		return fmt.Errorf("marshal agent insights: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO child_flows (
			id, master_flow_id, client_account_id, engagement_id, flow_type,
			status, current_phase, progress_percentage, phase_results,
			agent_insights, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		child.ID, child.MasterFlowID, child.ClientAccountID, child.EngagementID, child.FlowType,
		child.Status, child.CurrentPhase, child.ProgressPercentage, resultsJSON,
		insightsJSON, child.CreatedAt, child.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert child flow: %w", err)
	}
	return nil
}

// GetChildByMaster retrieves the child flow for a master, scoped to tenant.
func (s *PgFlowStore) GetChildByMaster(ctx context.Context, scope model.TenantScope, masterFlowID string) (model.ChildFlow, error) {
	var child model.ChildFlow
	var resultsJSON, insightsJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, master_flow_id, client_account_id, engagement_id, flow_type,
		       status, current_phase, progress_percentage, phase_results,
		       agent_insights, created_at, updated_at
		FROM child_flows
		WHERE master_flow_id = $1 AND client_account_id = $2 AND engagement_id = $3`,
		masterFlowID, scope.ClientAccountID, scope.EngagementID,
	).Scan(
		&child.ID, &child.MasterFlowID, &child.ClientAccountID, &child.EngagementID, &child.FlowType,
		&child.Status, &child.CurrentPhase, &child.ProgressPercentage, &resultsJSON,
		&insightsJSON, &child.CreatedAt, &child.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return model.ChildFlow{}, model.NewNotFoundError(
			fmt.Sprintf("child flow for master %q not found", masterFlowID),
		)
	}
	if err != nil {
		return model.ChildFlow{}, fmt.Errorf("query child flow: %w", err)
	}

	if resultsJSON != nil {
		if err := json.Unmarshal(resultsJSON, &child.PhaseResults); err != nil {
			return model.ChildFlow{}, fmt.Errorf("unmarshal phase results: %w", err)
		}
	}
	if insightsJSON != nil {
		if err := json.Unmarshal(insightsJSON, &child.AgentInsights); err != nil {
			return model.ChildFlow{}, fmt.Errorf("unmarshal agent insights: %w", err)
		}
	}
	return child, nil
}

// UpdateChild persists an updated child flow record.
func (s *PgFlowStore) UpdateChild(ctx context.Context, child model.ChildFlow) error {
	resultsJSON, err := json.Marshal(child.PhaseResults)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}
	insightsJSON, err := json.Marshal(child.AgentInsights)
	if err != nil {
		return fmt.Errorf("marshal agent insights: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE child_flows SET
			status = $1,
			current_phase = $2,
			progress_percentage = $3,
			phase_results = $4,
			agent_insights = $5,
			updated_at = $6
		WHERE id = $7 AND master_flow_id = $8`,
		child.Status, child.CurrentPhase, child.ProgressPercentage,
		resultsJSON, insightsJSON, time.Now().UTC(),
		child.ID, child.MasterFlowID,
	)
	if err != nil {
		return fmt.Errorf("update child flow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(
			fmt.Sprintf("child flow for master %q not found", child.MasterFlowID),
		)
	}
	return nil
}

// HealthCheck pings the connection pool.
func (s *PgFlowStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMasterFlow(row rowScanner) (model.MasterFlow, error) {
	var flow model.MasterFlow
	var configJSON, persistenceJSON, collabJSON, timesJSON []byte

	err := row.Scan(
		&flow.FlowID, &flow.ClientAccountID, &flow.EngagementID, &flow.FlowType, &flow.FlowName,
		&flow.FlowStatus, &flow.CurrentPhase, &configJSON, &persistenceJSON,
		&collabJSON, &timesJSON, &flow.CreatedBy,
		&flow.CreatedAt, &flow.UpdatedAt,
	)
	if err != nil {
		return model.MasterFlow{}, err
	}

	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &flow.FlowConfiguration); err != nil {
			return model.MasterFlow{}, fmt.Errorf("unmarshal flow configuration: %w", err)
		}
	}
	if persistenceJSON != nil {
		if err := json.Unmarshal(persistenceJSON, &flow.PersistenceData); err != nil {
			return model.MasterFlow{}, fmt.Errorf("unmarshal persistence data: %w", err)
		}
	}
	if collabJSON != nil {
		if err := json.Unmarshal(collabJSON, &flow.CollaborationLog); err != nil {
			return model.MasterFlow{}, fmt.Errorf("unmarshal collaboration log: %w", err)
		}
	}
	if timesJSON != nil {
		if err := json.Unmarshal(timesJSON, &flow.PhaseExecutionTimes); err != nil {
			return model.MasterFlow{}, fmt.Errorf("unmarshal phase execution times: %w", err)
		}
	}
	return flow, nil
}
