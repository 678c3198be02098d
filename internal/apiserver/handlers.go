package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/anchapin/ironclaw/internal/store"
	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// writeJSON serialises data as JSON and writes it to the response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes a JSON error envelope to the response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	if s.runtime != nil {
		health["liveSessions"] = s.runtime.LiveSessions()
	}
	s.writeJSON(w, http.StatusOK, health)
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var p v1alpha1.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p.APIVersion = v1alpha1.APIVersion
	p.Kind = v1alpha1.KindProject
	p.Metadata.UID = uuid.New().String()
	now := time.Now()
	p.Metadata.CreatedAt = now
	p.Metadata.UpdatedAt = now
	p.Status = "Active"

	key := store.ResourceKey(v1alpha1.KindProject, "", p.Metadata.Name)
	if err := s.store.Create(key, &p); err != nil {
		if err == store.ErrAlreadyExists {
			s.writeError(w, http.StatusConflict, "project already exists")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, &p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	key := store.ResourceKey(v1alpha1.KindProject, "", name)

	var p v1alpha1.Project
	if err := s.store.Get(key, &p); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	prefix := "/" + v1alpha1.KindProject + "/"
	items, err := s.store.List(prefix, func() interface{} { return &v1alpha1.Project{} })
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	projects := make([]*v1alpha1.Project, 0, len(items))
	for _, item := range items {
		projects = append(projects, item.(*v1alpha1.Project))
	}

	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	key := store.ResourceKey(v1alpha1.KindProject, "", name)

	var existing v1alpha1.Project
	if err := s.store.Get(key, &existing); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var p v1alpha1.Project
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Preserve immutable fields
	p.APIVersion = v1alpha1.APIVersion
	p.Kind = v1alpha1.KindProject
	p.Metadata.Name = name
	p.Metadata.UID = existing.Metadata.UID
	p.Metadata.CreatedAt = existing.Metadata.CreatedAt
	p.Metadata.UpdatedAt = time.Now()

	if err := s.store.Update(key, &p); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	key := store.ResourceKey(v1alpha1.KindProject, "", name)

	if err := s.store.Delete(key); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// ToolBackends
// ---------------------------------------------------------------------------

func (s *Server) handleCreateBackend(w http.ResponseWriter, r *http.Request) {
	var backend v1alpha1.ToolBackend
	if err := json.NewDecoder(r.Body).Decode(&backend); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	project := r.URL.Query().Get("project")
	if project == "" {
		project = backend.Metadata.Project
	}
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project is required (query param or metadata.project)")
		return
	}
	if backend.Spec.Command == "" {
		s.writeError(w, http.StatusBadRequest, "spec.command is required")
		return
	}

	backend.APIVersion = v1alpha1.APIVersion
	backend.Kind = v1alpha1.KindToolBackend
	backend.Metadata.Project = project
	backend.Metadata.UID = uuid.New().String()
	now := time.Now()
	backend.Metadata.CreatedAt = now
	backend.Metadata.UpdatedAt = now
	backend.Status.Phase = v1alpha1.BackendAvailable

	key := store.ResourceKey(v1alpha1.KindToolBackend, project, backend.Metadata.Name)
	if err := s.store.Create(key, &backend); err != nil {
		if err == store.ErrAlreadyExists {
			s.writeError(w, http.StatusConflict, "backend already exists")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, &backend)
}

func (s *Server) handleGetBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindToolBackend, project, name)

	var backend v1alpha1.ToolBackend
	if err := s.store.Get(key, &backend); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "backend not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &backend)
}

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	var prefix string
	if project != "" {
		prefix = "/" + v1alpha1.KindToolBackend + "/" + project + "/"
	} else {
		prefix = "/" + v1alpha1.KindToolBackend + "/"
	}

	items, err := s.store.List(prefix, func() interface{} { return &v1alpha1.ToolBackend{} })
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	backends := make([]*v1alpha1.ToolBackend, 0, len(items))
	for _, item := range items {
		backends = append(backends, item.(*v1alpha1.ToolBackend))
	}

	s.writeJSON(w, http.StatusOK, backends)
}

func (s *Server) handleUpdateBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindToolBackend, project, name)

	var existing v1alpha1.ToolBackend
	if err := s.store.Get(key, &existing); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "backend not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var backend v1alpha1.ToolBackend
	if err := json.NewDecoder(r.Body).Decode(&backend); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	backend.APIVersion = v1alpha1.APIVersion
	backend.Kind = v1alpha1.KindToolBackend
	backend.Metadata.Name = name
	backend.Metadata.Project = project
	backend.Metadata.UID = existing.Metadata.UID
	backend.Metadata.CreatedAt = existing.Metadata.CreatedAt
	backend.Metadata.UpdatedAt = time.Now()

	if err := s.store.Update(key, &backend); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &backend)
}

func (s *Server) handleDeleteBackend(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindToolBackend, project, name)

	if err := s.store.Delete(key); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "backend not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// AgentRuns
// ---------------------------------------------------------------------------

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var run v1alpha1.AgentRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	project := r.URL.Query().Get("project")
	if project == "" {
		project = run.Metadata.Project
	}
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project is required (query param or metadata.project)")
		return
	}
	if run.Spec.Task == "" {
		s.writeError(w, http.StatusBadRequest, "spec.task is required")
		return
	}

	run.APIVersion = v1alpha1.APIVersion
	run.Kind = v1alpha1.KindAgentRun
	run.Metadata.Project = project
	run.Metadata.UID = uuid.New().String()
	now := time.Now()
	run.Metadata.CreatedAt = now
	run.Metadata.UpdatedAt = now
	run.Status.Phase = v1alpha1.RunPending

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, run.Metadata.Name)
	if err := s.store.Create(key, &run); err != nil {
		if err == store.ErrAlreadyExists {
			s.writeError(w, http.StatusConflict, "run already exists")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusCreated, &run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, name)

	var run v1alpha1.AgentRun
	if err := s.store.Get(key, &run); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")

	var prefix string
	if project != "" {
		prefix = "/" + v1alpha1.KindAgentRun + "/" + project + "/"
	} else {
		prefix = "/" + v1alpha1.KindAgentRun + "/"
	}

	items, err := s.store.List(prefix, func() interface{} { return &v1alpha1.AgentRun{} })
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	runs := make([]*v1alpha1.AgentRun, 0, len(items))
	for _, item := range items {
		runs = append(runs, item.(*v1alpha1.AgentRun))
	}

	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleUpdateRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, name)

	var existing v1alpha1.AgentRun
	if err := s.store.Get(key, &existing); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Terminal runs are immutable: the transcript is an audit record.
	if existing.Status.Phase.IsTerminal() {
		s.writeError(w, http.StatusConflict, "run is in a terminal phase")
		return
	}

	var run v1alpha1.AgentRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run.APIVersion = v1alpha1.APIVersion
	run.Kind = v1alpha1.KindAgentRun
	run.Metadata.Name = name
	run.Metadata.Project = project
	run.Metadata.UID = existing.Metadata.UID
	run.Metadata.CreatedAt = existing.Metadata.CreatedAt
	run.Metadata.UpdatedAt = time.Now()

	if err := s.store.Update(key, &run); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, &run)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, name)

	if err := s.store.Delete(key); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleGetTranscript returns only the run's conversation transcript.
func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, name)

	var run v1alpha1.AgentRun
	if err := s.store.Get(key, &run); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	transcript := run.Status.Transcript
	if transcript == nil {
		transcript = []v1alpha1.Message{}
	}
	s.writeJSON(w, http.StatusOK, transcript)
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// handleGetLogs returns logs for an AgentRun.
// A real implementation would read from a log store; for now we derive log
// entries from the run's transcript since there is no separate log backend.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	project := r.URL.Query().Get("project")
	if project == "" {
		s.writeError(w, http.StatusBadRequest, "project query param is required")
		return
	}

	key := store.ResourceKey(v1alpha1.KindAgentRun, project, name)

	var run v1alpha1.AgentRun
	if err := s.store.Get(key, &run); err != nil {
		if err == store.ErrNotFound {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := make([]v1alpha1.LogEntry, 0, len(run.Status.Transcript))
	for _, msg := range run.Status.Transcript {
		entries = append(entries, v1alpha1.LogEntry{
			Timestamp: run.Metadata.UpdatedAt,
			RunName:   run.Metadata.Name,
			Level:     "info",
			Message:   msg.Role + ": " + msg.Content,
		})
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Apply (generic create-or-update)
// ---------------------------------------------------------------------------

// handleApply accepts a JSON body that includes a "kind" field. It attempts to
// Create the resource first; if it already exists it falls back to Update.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	// First, peek at the kind so we know which concrete type to decode into.
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var meta v1alpha1.TypeMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		s.writeError(w, http.StatusBadRequest, "cannot determine resource kind: "+err.Error())
		return
	}

	now := time.Now()

	switch meta.Kind {
	case v1alpha1.KindProject:
		var p v1alpha1.Project
		if err := json.Unmarshal(raw, &p); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		p.APIVersion = v1alpha1.APIVersion
		p.Kind = v1alpha1.KindProject
		key := store.ResourceKey(v1alpha1.KindProject, "", p.Metadata.Name)

		var existing v1alpha1.Project
		if err := s.store.Get(key, &existing); err == store.ErrNotFound {
			// Create
			p.Metadata.UID = uuid.New().String()
			p.Metadata.CreatedAt = now
			p.Metadata.UpdatedAt = now
			if p.Status == "" {
				p.Status = "Active"
			}
			if err := s.store.Create(key, &p); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusCreated, &p)
		} else if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		} else {
			// Update
			p.Metadata.UID = existing.Metadata.UID
			p.Metadata.CreatedAt = existing.Metadata.CreatedAt
			p.Metadata.UpdatedAt = now
			if err := s.store.Update(key, &p); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, &p)
		}

	case v1alpha1.KindToolBackend:
		var backend v1alpha1.ToolBackend
		if err := json.Unmarshal(raw, &backend); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		project := backend.Metadata.Project
		if project == "" {
			s.writeError(w, http.StatusBadRequest, "metadata.project is required for ToolBackend")
			return
		}

		backend.APIVersion = v1alpha1.APIVersion
		backend.Kind = v1alpha1.KindToolBackend
		key := store.ResourceKey(v1alpha1.KindToolBackend, project, backend.Metadata.Name)

		var existing v1alpha1.ToolBackend
		if err := s.store.Get(key, &existing); err == store.ErrNotFound {
			backend.Metadata.UID = uuid.New().String()
			backend.Metadata.CreatedAt = now
			backend.Metadata.UpdatedAt = now
			backend.Status.Phase = v1alpha1.BackendAvailable
			if err := s.store.Create(key, &backend); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusCreated, &backend)
		} else if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		} else {
			backend.Metadata.UID = existing.Metadata.UID
			backend.Metadata.CreatedAt = existing.Metadata.CreatedAt
			backend.Metadata.UpdatedAt = now
			if err := s.store.Update(key, &backend); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, &backend)
		}

	case v1alpha1.KindAgentRun:
		var run v1alpha1.AgentRun
		if err := json.Unmarshal(raw, &run); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		project := run.Metadata.Project
		if project == "" {
			s.writeError(w, http.StatusBadRequest, "metadata.project is required for AgentRun")
			return
		}

		run.APIVersion = v1alpha1.APIVersion
		run.Kind = v1alpha1.KindAgentRun
		key := store.ResourceKey(v1alpha1.KindAgentRun, project, run.Metadata.Name)

		var existing v1alpha1.AgentRun
		if err := s.store.Get(key, &existing); err == store.ErrNotFound {
			run.Metadata.UID = uuid.New().String()
			run.Metadata.CreatedAt = now
			run.Metadata.UpdatedAt = now
			run.Status.Phase = v1alpha1.RunPending
			if err := s.store.Create(key, &run); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusCreated, &run)
		} else if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		} else {
			if existing.Status.Phase.IsTerminal() {
				s.writeError(w, http.StatusConflict, "run is in a terminal phase")
				return
			}
			run.Metadata.UID = existing.Metadata.UID
			run.Metadata.CreatedAt = existing.Metadata.CreatedAt
			run.Metadata.UpdatedAt = now
			if err := s.store.Update(key, &run); err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			s.writeJSON(w, http.StatusOK, &run)
		}

	default:
		s.writeError(w, http.StatusBadRequest, "unsupported kind: "+meta.Kind)
	}
}
