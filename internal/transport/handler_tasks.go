package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratusmap/conductor/internal/tasks"
	"github.com/stratusmap/conductor/model"
)

func handleTaskList(tracker *tasks.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := tracker.List()
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":    records,
			"running": tracker.RunningCount(),
		})
	}
}

func handleTaskGet(tracker *tasks.Tracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		record, ok := tracker.Get(taskID)
		if !ok {
			WriteError(w, r, model.NewNotFoundError(
				fmt.Sprintf("task %q not found", taskID)))
			return
		}
		WriteJSON(w, http.StatusOK, record)
	}
}
