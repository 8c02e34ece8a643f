package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mattjoyce/procpool/internal/pool"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/unit"
)

const maxTasksLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	statuses := s.pools.Status()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	walkPools(statuses, func(st pool.Status) {
		resp.Pools++
		for _, u := range st.Units {
			resp.Units++
			if u.State == unit.StateDispatching || u.State == unit.StateAwaitingResult || u.State == unit.StateResolving {
				resp.UnitsBusy++
			}
		}
	})

	code := http.StatusOK
	if !s.pools.Running() {
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

// handleListPools handles GET /pools.
func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PoolsResponse{Pools: s.pools.Status()})
}

// handleGetPool handles GET /pools/{group}. Sub-pools are found by name too.
func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "group")

	var found *pool.Status
	walkPools(s.pools.Status(), func(st pool.Status) {
		if found == nil && st.Group == name {
			found = &st
		}
	})
	if found == nil {
		s.writeError(w, http.StatusNotFound, "pool not found")
		return
	}
	respondJSON(w, http.StatusOK, found)
}

// handlePublish handles POST /queues/{queue}.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.publisher == nil {
		s.writeError(w, http.StatusNotImplemented, "publishing is not enabled")
		return
	}

	queue := chi.URLParam(r, "queue")
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	if err := s.publisher.Publish(r.Context(), queue, req.Message, req.CorrelationID, req.Headers); err != nil {
		s.logger.Error("publish failed", "queue", queue, "error", err)
		s.writeError(w, http.StatusBadGateway, "publish failed")
		return
	}

	respondJSON(w, http.StatusAccepted, PublishResponse{
		Queue:         queue,
		CorrelationID: req.CorrelationID,
		Status:        "published",
	})
}

// handleTasks handles GET /tasks?group=&outcome=&limit=.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		s.writeError(w, http.StatusNotFound, "journal is not enabled")
		return
	}

	q := r.URL.Query()
	f := storage.TailFilter{
		Group:   q.Get("group"),
		Outcome: telemetry.Outcome(q.Get("outcome")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxTasksLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		f.Limit = n
	}

	tasks, err := s.tasks.Tail(r.Context(), f)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if tasks == nil {
		tasks = []telemetry.Task{}
	}
	respondJSON(w, http.StatusOK, TasksResponse{Tasks: tasks})
}

func walkPools(statuses []pool.Status, fn func(pool.Status)) {
	for _, st := range statuses {
		fn(st)
		walkPools(st.SubPools, fn)
	}
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
