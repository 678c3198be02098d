package apiserver

// registerRoutes wires every API endpoint to its handler.
func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1alpha1").Subrouter()

	// Health
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")

	// Projects
	api.HandleFunc("/projects", s.handleListProjects).Methods("GET")
	api.HandleFunc("/projects/{name}", s.handleGetProject).Methods("GET")
	api.HandleFunc("/projects", s.handleCreateProject).Methods("POST")
	api.HandleFunc("/projects/{name}", s.handleUpdateProject).Methods("PUT")
	api.HandleFunc("/projects/{name}", s.handleDeleteProject).Methods("DELETE")

	// ToolBackends - scoped by project query param: ?project=xxx
	api.HandleFunc("/backends", s.handleListBackends).Methods("GET")
	api.HandleFunc("/backends/{name}", s.handleGetBackend).Methods("GET")
	api.HandleFunc("/backends", s.handleCreateBackend).Methods("POST")
	api.HandleFunc("/backends/{name}", s.handleUpdateBackend).Methods("PUT")
	api.HandleFunc("/backends/{name}", s.handleDeleteBackend).Methods("DELETE")

	// AgentRuns
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/runs/{name}", s.handleGetRun).Methods("GET")
	api.HandleFunc("/runs", s.handleCreateRun).Methods("POST")
	api.HandleFunc("/runs/{name}", s.handleUpdateRun).Methods("PUT")
	api.HandleFunc("/runs/{name}", s.handleDeleteRun).Methods("DELETE")
	api.HandleFunc("/runs/{name}/transcript", s.handleGetTranscript).Methods("GET")

	// Logs
	api.HandleFunc("/runs/{name}/logs", s.handleGetLogs).Methods("GET")

	// Apply (generic resource creation/update)
	api.HandleFunc("/apply", s.handleApply).Methods("POST")
}
