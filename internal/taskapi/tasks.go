package taskapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/opensafely-core/job-runner/internal/controller"
	"github.com/opensafely-core/job-runner/internal/model"
)

// listTasksHandler backs `GET /{backend}/tasks/`: the active tasks for a
// backend, full definitions included, so the Agent never has to call back
// for anything else it needs to run them (spec.md §4.E).
func listTasksHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := r.PathValue("backend")

		tasks, err := store.ListActiveTasksByBackend(r.Context(), backend)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if tasks == nil {
			tasks = []*model.Task{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tasks)
	}
}

// taskUpdateRequest is the body of `POST /{backend}/task/update/`.
type taskUpdateRequest struct {
	TaskID       string             `json:"task_id"`
	Stage        model.TaskStage    `json:"stage"`
	Results      *model.TaskResults `json:"results,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

type taskUpdateResponse struct {
	AgentComplete bool `json:"agent_complete"`
}

// updateTaskHandler backs `POST /{backend}/task/update/`: the bearer-token
// middleware only confirms the caller's token is scoped to the {backend}
// path segment, not that the task named in the body actually belongs to
// that backend, so the {backend} segment is passed through to ApplyUpdate
// for it to check against the task's own record before recording the
// update and advancing the Job state machine.
func updateTaskHandler(ctrl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.TaskID == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}

		backend := r.PathValue("backend")
		complete, err := ctrl.ApplyUpdate(r.Context(), backend, req.TaskID, req.Stage, req.Results, req.ErrorMessage)
		if err != nil {
			if errors.Is(err, controller.ErrBackendMismatch) {
				http.Error(w, err.Error(), http.StatusForbidden)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(taskUpdateResponse{AgentComplete: complete})
	}
}
