package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Ingestion
	mux.HandleFunc("/api/ingestion/uploads", s.handleIngestionUploads)
	mux.HandleFunc("/api/ingestion/jobs", s.handleIngestionJobs)
	mux.HandleFunc("/api/ingestion/jobs/", s.handleIngestionJobRoutes)
	mux.HandleFunc("/api/ingestion/project/", s.handleIngestionProject)

	// API routes - Visualizations
	mux.HandleFunc("/api/visualizations", s.handleVisualizations)
	mux.HandleFunc("/api/visualizations/project/", s.handleVisualizationProject)
	mux.HandleFunc("/api/visualizations/", s.handleVisualizationRoutes)

	// API routes - Derived columns
	mux.HandleFunc("/api/calculations/catalog", s.handleCalcCatalog)
	mux.HandleFunc("/api/calculations/jobs/", s.handleCalcJobRoutes)

	// API routes - MAT browser
	mux.HandleFunc("/api/mat/jobs/", s.handleMatJobRoutes)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleIngestionUploads routes /api/ingestion/uploads
func (s *Server) handleIngestionUploads(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.IngestionHandler.UploadGrantHandler,
	})
}

// handleIngestionJobs routes /api/ingestion/jobs
func (s *Server) handleIngestionJobs(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.IngestionHandler.CreateHandler,
	})
}

// handleIngestionJobRoutes routes /api/ingestion/jobs/{id} and subpaths
func (s *Server) handleIngestionJobRoutes(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/status"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.IngestionHandler.StatusHandler})
	case strings.HasSuffix(r.URL.Path, "/events"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.EventsHandler.IngestionEventsHandler})
	case strings.HasSuffix(r.URL.Path, "/window"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.IngestionHandler.WindowHandler})
	default:
		RouteResourceItem(w, r, s.app.IngestionHandler.GetHandler, nil, s.app.IngestionHandler.DeleteHandler)
	}
}

// handleIngestionProject routes /api/ingestion/project/{id}
func (s *Server) handleIngestionProject(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.IngestionHandler.ListHandler,
	})
}

// handleVisualizations routes /api/visualizations
func (s *Server) handleVisualizations(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"POST": s.app.VisualizationHandler.CreateHandler,
	})
}

// handleVisualizationProject routes /api/visualizations/project/{id}
func (s *Server) handleVisualizationProject(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.VisualizationHandler.ListHandler,
	})
}

// handleVisualizationRoutes routes /api/visualizations/{id} and subpaths
func (s *Server) handleVisualizationRoutes(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/status"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.VisualizationHandler.StatusHandler})
	case strings.HasSuffix(r.URL.Path, "/events"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.EventsHandler.VisualizationEventsHandler})
	case strings.HasSuffix(r.URL.Path, "/tiles"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.VisualizationHandler.TilesHandler})
	case strings.HasSuffix(r.URL.Path, "/raw"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.VisualizationHandler.RawHandler})
	case strings.HasSuffix(r.URL.Path, "/download"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.VisualizationHandler.DownloadHandler})
	default:
		RouteResourceItem(w, r, s.app.VisualizationHandler.GetHandler, nil, s.app.VisualizationHandler.DeleteHandler)
	}
}

// handleCalcCatalog routes /api/calculations/catalog
func (s *Server) handleCalcCatalog(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.app.CalcHandler.CatalogHandler,
	})
}

// handleCalcJobRoutes routes /api/calculations/jobs/{id}/preview|materialize
func (s *Server) handleCalcJobRoutes(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/preview"):
		RouteByMethod(w, r, MethodRouter{"POST": s.app.CalcHandler.PreviewHandler})
	case strings.HasSuffix(r.URL.Path, "/materialize"):
		RouteByMethod(w, r, MethodRouter{"POST": s.app.CalcHandler.MaterializeHandler})
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

// handleMatJobRoutes routes /api/mat/jobs/{id}/index|preview
func (s *Server) handleMatJobRoutes(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/index"):
		RouteByMethod(w, r, MethodRouter{"GET": s.app.MatHandler.IndexHandler})
	case strings.HasSuffix(r.URL.Path, "/preview"):
		RouteByMethod(w, r, MethodRouter{"POST": s.app.MatHandler.PreviewHandler})
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
