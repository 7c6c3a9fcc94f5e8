package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratusmap/conductor/internal/observability"
	"github.com/stratusmap/conductor/model"
)

// occRetries bounds how many times a read-modify-write is replayed after
// losing an optimistic concurrency race.
const occRetries = 3

var validFlowStatuses = map[string]bool{
	model.FlowStatusInitialized: true,
	model.FlowStatusRunning:     true,
	model.FlowStatusPaused:      true,
	model.FlowStatusCompleted:   true,
	model.FlowStatusFailed:      true,
	model.FlowStatusCancelled:   true,
	model.FlowStatusDeleted:     true,
}

// Repository implements the master flow commands: creation with its child
// record, status updates with deep-merged state and the append-only
// collaboration log, and combined status reads.
type Repository struct {
	store   FlowStore
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRepository creates a flow repository.
func NewRepository(store FlowStore, metrics *observability.Metrics, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{store: store, metrics: metrics, logger: logger}
}

// Store exposes the underlying flow store.
func (r *Repository) Store() FlowStore { return r.store }

// CreateMasterFlowParams are the caller-supplied fields for a new flow.
// FlowID, FlowName, and InitialState are optional.
type CreateMasterFlowParams struct {
	FlowID            string         `json:"flow_id"`
	FlowType          string         `json:"flow_type"`
	FlowName          string         `json:"flow_name"`
	FlowConfiguration map[string]any `json:"flow_configuration"`
	// InitialState seeds persistence_data; later updates deep-merge on top.
	InitialState map[string]any `json:"initial_state"`
}

// CreateMasterFlow creates a master flow in status initialized together with
// its child execution record.
func (r *Repository) CreateMasterFlow(ctx context.Context, rctx *model.RequestContext, params CreateMasterFlowParams) (model.MasterFlow, error) {
	var details []model.FieldError
	if !model.ValidFlowTypes[params.FlowType] {
		details = append(details, model.FieldError{
			Field:   "flow_type",
			Code:    "invalid",
			Message: fmt.Sprintf("%q is not a recognized flow type", params.FlowType),
		})
	}
	flowID := params.FlowID
	if flowID == "" {
		flowID = uuid.New().String()
	} else if _, err := uuid.Parse(flowID); err != nil {
		details = append(details, model.FieldError{
			Field:   "flow_id",
			Code:    "invalid",
			Message: "flow_id must be a UUID",
		})
	}
	if len(details) > 0 {
		return model.MasterFlow{}, model.NewFieldValidationError(details)
	}

	name := params.FlowName
	if name == "" {
		name = fmt.Sprintf("%s Flow %s", titleCase(params.FlowType), flowID[:8])
	}

	now := time.Now().UTC()
	master := model.MasterFlow{
		FlowID:            flowID,
		ClientAccountID:   rctx.ClientAccountID,
		EngagementID:      rctx.EngagementID,
		FlowType:          params.FlowType,
		FlowName:          name,
		FlowStatus:        model.FlowStatusInitialized,
		CurrentPhase:      FirstPhase(params.FlowType),
		FlowConfiguration: params.FlowConfiguration,
		PersistenceData:   DeepMerge(map[string]any{}, params.InitialState),
		CollaborationLog: []model.CollaborationEntry{{
			Timestamp: now,
			Event:     "flow_created",
			ActorID:   rctx.SubjectID,
		}},
		PhaseExecutionTimes: map[string]float64{},
		CreatedBy:           rctx.SubjectID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := r.store.CreateMaster(ctx, master); err != nil {
		return model.MasterFlow{}, err
	}

	child := model.ChildFlow{
		ID:              uuid.New().String(),
		MasterFlowID:    flowID,
		ClientAccountID: rctx.ClientAccountID,
		EngagementID:    rctx.EngagementID,
		FlowType:        params.FlowType,
		Status:          model.FlowStatusInitialized,
		CurrentPhase:    master.CurrentPhase,
		PhaseResults:    map[string]any{},
		AgentInsights:   []map[string]any{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateChild(ctx, child); err != nil {
		return model.MasterFlow{}, fmt.Errorf("create child flow: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ActiveFlows.WithLabelValues(params.FlowType).Inc()
	}
	r.logger.Info("master flow created",
		zap.String("flow_id", flowID),
		zap.String("flow_type", params.FlowType),
		zap.String("client_account_id", rctx.ClientAccountID))
	return master, nil
}

// UpdateOptions carries the optional payloads of a status update. All merges
// go into persistence_data; the collaboration entry is appended to the audit
// trail.
type UpdateOptions struct {
	// CurrentPhase, when non-empty, replaces the flow's current phase.
	CurrentPhase string
	// PhaseData is deep-merged into persistence_data.
	PhaseData map[string]any
	// Metadata is deep-merged into persistence_data.
	Metadata map[string]any
	// CollaborationEntry is appended to the collaboration log when it is a
	// CollaborationEntry or a map; anything else is skipped with a warning
	// rather than failing the update.
	CollaborationEntry any
	// PhaseTimes records wall-clock seconds for executed phases.
	PhaseTimes map[string]float64
}

// UpdateFlowStatus applies a status transition and the optional merges in a
// single conditional write. An empty status keeps the current one. On an
// optimistic concurrency conflict the whole read-modify-write is replayed,
// up to occRetries times.
func (r *Repository) UpdateFlowStatus(ctx context.Context, rctx *model.RequestContext, flowID, status string, opts UpdateOptions) (model.MasterFlow, error) {
	if status != "" && !validFlowStatuses[status] {
		return model.MasterFlow{}, model.NewValidationError(
			fmt.Sprintf("%q is not a recognized flow status", status),
		)
	}

	var lastErr error
	for attempt := 0; attempt < occRetries; attempt++ {
		master, err := r.store.GetMaster(ctx, rctx.Scope(), flowID)
		if err != nil {
			return model.MasterFlow{}, err
		}
		token := master.UpdatedAt

		prevStatus := master.FlowStatus
		if err := r.applyUpdate(&master, rctx, status, opts); err != nil {
			return model.MasterFlow{}, err
		}

		updated, err := r.store.UpdateMaster(ctx, master, token)
		if model.HasCode(err, model.ErrConcurrencyConflict) {
			if r.metrics != nil {
				r.metrics.OCCConflictsTotal.WithLabelValues(master.FlowType).Inc()
			}
			r.logger.Debug("optimistic concurrency conflict, retrying",
				zap.String("flow_id", flowID),
				zap.Int("attempt", attempt+1))
			lastErr = err
			continue
		}
		if err != nil {
			return model.MasterFlow{}, err
		}

		r.recordTransition(master.FlowType, prevStatus, updated.FlowStatus)
		return updated, nil
	}
	return model.MasterFlow{}, lastErr
}

// applyUpdate mutates the in-memory master record with the requested status
// and merges. Transitions out of a terminal status are rejected.
func (r *Repository) applyUpdate(master *model.MasterFlow, rctx *model.RequestContext, status string, opts UpdateOptions) error {
	if status != "" && status != master.FlowStatus {
		if model.IsTerminalStatus(master.FlowStatus) {
			return model.NewInvalidFlowStateError(master.FlowStatus, "transition to "+status)
		}
		master.FlowStatus = status
	}

	if opts.Metadata != nil {
		master.PersistenceData = DeepMerge(master.PersistenceData, opts.Metadata)
	}
	if entry, ok := normalizeEntry(opts.CollaborationEntry, rctx); ok {
		master.CollaborationLog = append(master.CollaborationLog, entry)
	} else if opts.CollaborationEntry != nil {
		r.logger.Warn("skipping malformed collaboration entry",
			zap.String("flow_id", master.FlowID),
			zap.String("entry_type", fmt.Sprintf("%T", opts.CollaborationEntry)))
	}
	if opts.PhaseData != nil {
		master.PersistenceData = DeepMerge(master.PersistenceData, opts.PhaseData)
	}
	for phase, secs := range opts.PhaseTimes {
		if master.PhaseExecutionTimes == nil {
			master.PhaseExecutionTimes = map[string]float64{}
		}
		master.PhaseExecutionTimes[phase] = secs
	}
	if opts.CurrentPhase != "" {
		master.CurrentPhase = opts.CurrentPhase
	}
	return nil
}

func normalizeEntry(raw any, rctx *model.RequestContext) (model.CollaborationEntry, bool) {
	var entry model.CollaborationEntry
	switch v := raw.(type) {
	case model.CollaborationEntry:
		entry = v
	case *model.CollaborationEntry:
		if v == nil {
			return entry, false
		}
		entry = *v
	case map[string]any:
		event, _ := v["event"].(string)
		phase, _ := v["phase"].(string)
		entry = model.CollaborationEntry{Event: event, Phase: phase, Data: v}
	default:
		return entry, false
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ActorID == "" && rctx != nil {
		entry.ActorID = rctx.SubjectID
	}
	return entry, true
}

func (r *Repository) recordTransition(flowType, prev, next string) {
	if r.metrics == nil || prev == next {
		return
	}
	if !model.IsTerminalStatus(prev) && model.IsTerminalStatus(next) {
		r.metrics.ActiveFlows.WithLabelValues(flowType).Dec()
		r.metrics.FlowCompletionsTotal.WithLabelValues(flowType, next).Inc()
	}
}

// AppendCollaboration appends an audit trail entry without changing the flow
// status.
func (r *Repository) AppendCollaboration(ctx context.Context, rctx *model.RequestContext, flowID string, entry model.CollaborationEntry) error {
	_, err := r.UpdateFlowStatus(ctx, rctx, flowID, "", UpdateOptions{CollaborationEntry: entry})
	return err
}

// GetMasterFlow retrieves a master flow scoped to the caller's tenant.
func (r *Repository) GetMasterFlow(ctx context.Context, rctx *model.RequestContext, flowID string) (model.MasterFlow, error) {
	return r.store.GetMaster(ctx, rctx.Scope(), flowID)
}

// ListFlows lists master flows for the caller's tenant.
func (r *Repository) ListFlows(ctx context.Context, rctx *model.RequestContext, filters MasterFlowFilters) ([]model.MasterFlow, error) {
	return r.store.ListMasters(ctx, rctx.Scope(), filters)
}

// GetFlowStatus returns the combined master/child status view. A missing
// child record degrades to the master-only view rather than failing.
func (r *Repository) GetFlowStatus(ctx context.Context, rctx *model.RequestContext, flowID string) (model.FlowStatusSummary, error) {
	master, err := r.store.GetMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		return model.FlowStatusSummary{}, err
	}

	summary := model.FlowStatusSummary{
		FlowID:              master.FlowID,
		FlowType:            master.FlowType,
		FlowName:            master.FlowName,
		FlowStatus:          master.FlowStatus,
		CurrentPhase:        master.CurrentPhase,
		PhaseExecutionTimes: master.PhaseExecutionTimes,
		CreatedAt:           master.CreatedAt,
		UpdatedAt:           master.UpdatedAt,
	}

	child, err := r.store.GetChildByMaster(ctx, rctx.Scope(), flowID)
	if err != nil {
		if model.HasCode(err, model.ErrNotFound) {
			return summary, nil
		}
		return model.FlowStatusSummary{}, err
	}
	summary.ProgressPercentage = child.ProgressPercentage
	summary.ChildStatus = child.Status
	summary.ChildCurrentPhase = child.CurrentPhase
	return summary, nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
