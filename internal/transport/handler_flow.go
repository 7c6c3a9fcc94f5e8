package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stratusmap/conductor/internal/flow"
	"github.com/stratusmap/conductor/model"
)

func handleFlowCreate(repo *flow.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var params flow.CreateMasterFlowParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			WriteError(w, r, model.NewBadRequestError("invalid JSON body"))
			return
		}

		master, err := repo.CreateMasterFlow(r.Context(), rctx, params)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusCreated, master)
	}
}

func handleFlowList(repo *flow.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		filters := flow.MasterFlowFilters{
			FlowType: r.URL.Query().Get("flow_type"),
			Status:   r.URL.Query().Get("status"),
			Limit:    queryInt(r, "limit", 50),
			Offset:   queryInt(r, "offset", 0),
		}
		flows, err := repo.ListFlows(r.Context(), rctx, filters)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if flows == nil {
			flows = []model.MasterFlow{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   flows,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleFlowStatus(repo *flow.Repository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		summary, err := repo.GetFlowStatus(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, summary)
	}
}

func handleFlowExecutePhase(engine *flow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")
		phase := chi.URLParam(r, "phase")

		var body struct {
			Input map[string]any `json:"input"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		result, err := engine.ExecutePhase(r.Context(), rctx, flowID, phase, body.Input)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		status := http.StatusOK
		if result.Status == flow.PhaseStatusAlreadyRunning {
			status = http.StatusConflict
		}
		WriteJSON(w, status, result)
	}
}

func handleFlowStart(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		master, err := sync.StartFlowWithAtomicSync(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, master)
	}
}

func handleFlowPause(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		master, err := sync.PauseFlowWithAtomicSync(r.Context(), rctx, flowID, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, master)
	}
}

func handleFlowResume(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		master, err := sync.ResumeFlowWithAtomicSync(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, master)
	}
}

func handleFlowCancel(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeOptionalBody(r, &body); err != nil {
			WriteError(w, r, err)
			return
		}

		master, err := sync.CancelFlowWithAtomicSync(r.Context(), rctx, flowID, body.Reason)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, master)
	}
}

func handleFlowConsistency(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		report, err := sync.ValidateFlowConsistency(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// handleFlowRecover reconciles master/child divergence and re-queues the
// flow if it matches the zombie signature.
func handleFlowRecover(sync *flow.SyncService, detector *flow.ZombieDetector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		flowID := chi.URLParam(r, "flowId")

		consistency, err := sync.RecoverFromPartialUpdate(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		zombie, err := detector.CheckAndRecover(r.Context(), rctx, flowID)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"consistency": consistency,
			"zombie":      zombie,
		})
	}
}

func handleFlowHealth(sync *flow.SyncService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		repair := r.URL.Query().Get("repair") == "true"

		report, err := sync.MonitorFlowHealth(r.Context(), rctx, repair)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

// decodeOptionalBody decodes a JSON body, treating an empty body as the zero
// value.
func decodeOptionalBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.NewBadRequestError("invalid JSON body")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
