package taskapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/opensafely-core/job-runner/internal/model"
	"github.com/opensafely-core/job-runner/internal/redact"
)

// rapCreateRequest is the body of `POST /rap/create/`: the RAP (Remote
// Analysis Platform request) shape job-server submits (spec.md §3's
// JobRequest attributes, as received rather than as stored — CreatedAt
// and ID are assigned here).
type rapCreateRequest struct {
	Backend              string   `json:"backend"`
	Workspace            string   `json:"workspace"`
	RepoURL              string   `json:"repo_url"`
	Branch               string   `json:"branch"`
	Commit               string   `json:"commit,omitempty"`
	RequestedActions     []string `json:"requested_actions"`
	ForceRunDependencies bool     `json:"force_run_dependencies"`
	CreatedBy            string   `json:"created_by"`
}

type rapCreateResponse struct {
	ID string `json:"id"`
}

// rapCreateHandler backs `POST /rap/create/`. It only inserts the
// JobRequest row; expansion into Jobs happens on the Controller's next
// tick via intake (spec.md §4.C), keeping the HTTP handler's transaction
// short per spec.md §5.
func rapCreateHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rapCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Backend == "" || req.Workspace == "" || req.RepoURL == "" || len(req.RequestedActions) == 0 {
			http.Error(w, "backend, workspace, repo_url and requested_actions are required", http.StatusBadRequest)
			return
		}

		jr := &model.JobRequest{
			ID:                   model.NewID(),
			Backend:              req.Backend,
			Workspace:            req.Workspace,
			RepoURL:              req.RepoURL,
			Branch:               req.Branch,
			Commit:               req.Commit,
			RequestedActions:     req.RequestedActions,
			ForceRunDependencies: req.ForceRunDependencies,
			CreatedBy:            req.CreatedBy,
			CreatedAt:            time.Now(),
		}
		if err := store.CreateJobRequest(r.Context(), jr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rapCreateResponse{ID: jr.ID})
	}
}

// rapCancelRequest is the body of `POST /rap/cancel/`.
type rapCancelRequest struct {
	JobRequestID string `json:"job_request_id"`
	Action       string `json:"action"`
}

// rapCancelHandler backs `POST /rap/cancel/`: it only appends to the
// JobRequest's cancellation list (spec.md §3: "Never mutated after
// creation apart from the cancellation list"). The actual Job cancellation
// — deactivating a RUNJOB, issuing a CANCELJOB — is the Controller tick's
// job (internal/controller/cancel.go), not this handler's.
func rapCancelHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rapCancelRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.JobRequestID == "" || req.Action == "" {
			http.Error(w, "job_request_id and action are required", http.StatusBadRequest)
			return
		}

		if err := store.AddCancelledAction(r.Context(), req.JobRequestID, req.Action); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// rapJobStatus is one Job's entry in the aggregate status response.
type rapJobStatus struct {
	ID            string            `json:"id"`
	Action        string            `json:"action"`
	State         model.JobState    `json:"state"`
	StatusCode    model.StatusCode  `json:"status_code"`
	StatusMessage string            `json:"status_message,omitempty"`
	Outputs       map[string]string `json:"outputs,omitempty"`
}

// rapStatusHandler backs `GET /rap/status/?job_request_id=...`: aggregated
// state for every Job belonging to one JobRequest. status_message is
// scrubbed through internal/redact before it is returned, the same as on
// the sync loop's outbound push.
func rapStatusHandler(store Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("job_request_id")
		if id == "" {
			http.Error(w, "job_request_id is required", http.StatusBadRequest)
			return
		}

		jobs, err := store.ListJobsByRequest(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := make([]rapJobStatus, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, rapJobStatus{
				ID:            j.ID,
				Action:        j.Action,
				State:         j.State,
				StatusCode:    j.StatusCode,
				StatusMessage: redact.Message(j.StatusMessage),
				Outputs:       j.ComputedOutputs,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// backendStatusResponse is the body of `GET /backend/status/`.
type backendStatusResponse struct {
	Backend string              `json:"backend"`
	Flags   []model.BackendFlag `json:"flags"`
}

// backendStatusHandler backs `GET /backend/status/?backend=...`: a summary
// of the operator-controlled flags currently set for a backend.
func backendStatusHandler(flags FlagReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend := r.URL.Query().Get("backend")
		if backend == "" {
			http.Error(w, "backend is required", http.StatusBadRequest)
			return
		}

		all, err := flags.All(r.Context(), backend)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if all == nil {
			all = []model.BackendFlag{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(backendStatusResponse{Backend: backend, Flags: all})
	}
}

// backendFlagRequest is the body of `POST /backend/flag/`: an operator
// toggling one of the three boolean backend flags (spec.md §4.H).
type backendFlagRequest struct {
	Backend string `json:"backend"`
	Flag    string `json:"flag"` // "paused", "db_maintenance", or "reboot_prep"
	On      bool   `json:"on"`
}

// backendFlagHandler backs `POST /backend/flag/`: opctl's pause/resume,
// db-maintenance, and reboot-prep commands all funnel through here.
func backendFlagHandler(flags FlagWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req backendFlagRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if req.Backend == "" {
			http.Error(w, "backend is required", http.StatusBadRequest)
			return
		}

		var err error
		switch req.Flag {
		case "paused":
			err = flags.SetPaused(r.Context(), req.Backend, req.On)
		case "db_maintenance":
			err = flags.SetDBMaintenance(r.Context(), req.Backend, req.On)
		case "reboot_prep":
			err = flags.SetRebootPrep(r.Context(), req.Backend, req.On)
		default:
			http.Error(w, "flag must be one of paused, db_maintenance, reboot_prep", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
