package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/airlock/internal/fault"
	"github.com/mattjoyce/airlock/internal/plugin"
	"github.com/mattjoyce/airlock/internal/resource"
	"github.com/mattjoyce/airlock/internal/scheduler"
	"github.com/mattjoyce/airlock/internal/task"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Tasks != nil {
		resp.Queue = s.deps.Tasks.Stats()
	}
	if s.deps.Resources != nil {
		resp.Resources = s.deps.Resources.Stats()
	}
	if resp.Resources.Pools == nil {
		resp.Resources.Pools = []resource.PoolStats{}
	}
	if s.deps.Plugins != nil {
		resp.PluginsLoaded = len(s.deps.Plugins.Instances())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleSubmit handles POST /tasks.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h, err := s.deps.Tasks.Submit(r.Context(), task.Task{
		SampleRef:  req.SampleRef,
		Capability: req.Capability,
		Platform:   req.Platform,
		Arch:       req.Arch,
		Priority:   req.Priority,
		Parameters: req.Parameters,
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	w.Header().Set("Location", "/tasks/"+h.TaskID.String())
	respondJSON(w, http.StatusAccepted, SubmitResponse{TaskID: h.TaskID.String(), Status: task.StatusQueued})
}

// handleGetTask handles GET /tasks/{taskID}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	rec, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleCancelTask handles DELETE /tasks/{taskID}. Queued tasks are
// cancelled at once; running ones are interrupted and finish shortly.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled via API"
	}

	if err := s.deps.Tasks.Cancel(r.Context(), id, req.Reason); err != nil {
		s.writeTaskError(w, err)
		return
	}
	rec, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, rec)
}

// handleWorkers handles GET /workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Workers == nil {
		respondJSON(w, http.StatusOK, WorkersResponse{Workers: nil})
		return
	}
	statuses, err := s.deps.Workers.Statuses(r.Context())
	if err != nil {
		s.logger.Error("failed to collect worker status", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "worker pool unavailable")
		return
	}
	respondJSON(w, http.StatusOK, WorkersResponse{Workers: statuses})
}

// handlePlugins handles GET /plugins.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	resp := PluginsResponse{Instances: []plugin.InstanceInfo{}}
	if s.deps.Plugins != nil {
		for _, in := range s.deps.Plugins.Instances() {
			resp.Instances = append(resp.Instances, in.Info())
		}
	}
	sort.Slice(resp.Instances, func(i, j int) bool { return resp.Instances[i].ID < resp.Instances[j].ID })
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

// writeTaskError maps scheduler and store errors onto status codes.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTerminal):
		status = http.StatusConflict
	case errors.Is(err, fault.ErrUnroutable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrStoreUnavailable), errors.Is(err, fault.ErrCancelled):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("task request failed", "error", err)
	}

	resp := ErrorResponse{Error: err.Error()}
	var fe *fault.Error
	if errors.As(err, &fe) {
		resp.Code = string(fe.Code)
	}
	respondJSON(w, status, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
