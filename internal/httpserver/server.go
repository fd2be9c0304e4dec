package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apex/log"

	"github.com/metroai/defect-hub/internal/app"
	"github.com/metroai/defect-hub/internal/auth"
	"github.com/metroai/defect-hub/internal/config"
	"github.com/metroai/defect-hub/internal/export"
	"github.com/metroai/defect-hub/internal/metrics"
	"github.com/metroai/defect-hub/internal/notifications"
	"github.com/metroai/defect-hub/internal/reports"
	"github.com/metroai/defect-hub/internal/synthetic"
)

const welcomeMessage = "Welcome to MetroAI Backend"

// Server представляет HTTP сервер
type Server struct {
	config         *config.Config
	app            *app.App
	mux            *http.ServeMux
	authMiddleware *auth.Middleware
	logger         log.Interface
	srv            *http.Server
}

// New создаёт новый HTTP сервер поверх собранного приложения
func New(a *app.App) *Server {
	s := &Server{
		config: a.Config,
		app:    a,
		mux:    http.NewServeMux(),
		logger: a.Logger.WithField("component", "http"),
	}

	// Регистрируем маршруты
	s.routes()
	return s
}

// routes регистрирует маршруты
func (s *Server) routes() {
	cfg := s.config

	s.mux.HandleFunc("GET /{$}", s.handleWelcome)

	// Health check (no auth required)
	s.mux.HandleFunc("/healthz", s.handleHealthz)

	if cfg.MetricsEnabled {
		metrics.Register()
		s.mux.Handle("GET /metrics", metrics.Handler())
	}

	// Admin auth
	authService := auth.NewService(cfg)
	s.authMiddleware = auth.NewMiddleware(cfg, authService, s.logger)
	authHandler := auth.NewHandlers(authService)
	s.mux.HandleFunc("POST /api/v1/auth/token", authHandler.HandleToken)

	// Reports API
	reportService := reports.NewService(s.app.Store, s.app.Blobs, s.app.Dispatcher, s.app.Hub, reports.Limits{
		MaxFiles:     cfg.UploadMaxFiles,
		MaxFileBytes: int64(cfg.UploadMaxMB) << 20,
		AllowedMIME:  reports.ParseMIMEList(cfg.UploadAllowedMime),
	}, s.logger.WithField("component", "reports"))
	reportHandler := reports.NewHandlers(reportService)

	// POST /api/v1/reports/ - multipart upload, one report per file
	s.mux.HandleFunc("POST /api/v1/reports/{$}", reportHandler.HandleCreate)

	// GET /api/v1/reports/ - list with filters
	s.mux.HandleFunc("GET /api/v1/reports/{$}", reportHandler.HandleList)

	// GET /api/v1/reports/{id}
	s.mux.HandleFunc("GET /api/v1/reports/{id}", reportHandler.HandleGet)

	// POST /api/v1/reports/{id}/reprocess - FAILED -> PENDING
	s.mux.HandleFunc("POST /api/v1/reports/{id}/reprocess", reportHandler.HandleReprocess)

	// Dataset endpoints (admin when AUTH_MODE=jwt)
	exportService := export.NewService(s.app.Store, s.app.Blobs, cfg.ExportPageSize, s.logger.WithField("component", "export"))
	exportHandler := export.NewHandlers(exportService, s.logger)
	s.mux.Handle("GET /api/v1/reports/export/zip", s.authMiddleware.RequireAdmin(http.HandlerFunc(exportHandler.HandleZip)))

	generator := synthetic.NewGenerator(s.app.Store, s.app.Blobs, cfg.SyntheticMaxCount, cfg.SyntheticFlushEvery, s.logger.WithField("component", "synthetic"))
	syntheticHandler := synthetic.NewHandlers(generator)
	s.mux.Handle("POST /api/v1/synthetic/generate", s.authMiddleware.RequireAdmin(http.HandlerFunc(syntheticHandler.HandleGenerate)))

	// Status push
	statusHandler := notifications.NewHandler(s.app.Hub, s.app.Store, cfg.CORSAllowedOrigins, s.logger.WithField("component", "ws"))
	s.mux.HandleFunc("GET /ws/ai-status", statusHandler.HandleAIStatus)
	s.mux.HandleFunc("GET /ws/reports/{id}/status", statusHandler.HandleReportStatus)
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": welcomeMessage})
}

// handleHealthz возвращает статус сервера
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"queue":  s.config.Queue.Mode,
		"blob":   s.app.BlobMode,
	})
}

// Handler returns the router wrapped in the middleware chain (outermost first): CORS → Rate Limit → Router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = RateLimitMiddleware(s.config, handler)
	handler = CORSMiddleware(s.config, handler)
	return handler
}

// Start запускает HTTP сервер и блокируется до Shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Сервер запущен на http://localhost%s", addr)
	s.logger.Infof("Health check: http://localhost%s/healthz", addr)
	s.logger.Infof("Reports API: http://localhost%s/api/v1/reports/", addr)

	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Open websocket connections are hijacked and are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
