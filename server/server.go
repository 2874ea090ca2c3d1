package server

import (
	"fmt"
	"html/template"
	"net/http"
	"time"

	"embed"

	"github.com/phuslu/log"

	"github.com/skylens-analytics/skylens"
	"github.com/skylens-analytics/skylens/pipelines"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

const defaultSessionTTL = 30 * time.Minute

// Config carries the server wiring. SegmentationName and HeightName are the
// names of pipelines already initialised on the session; HeightName may be
// empty, in which case the Run Model page only offers segmentation.
type Config struct {
	Address          string
	AssetsDir        string
	SegmentationName string
	HeightName       string
}

// Server is the dashboard: a handful of HTML pages backed by the inference
// session, plus a small JSON API.
type Server struct {
	session      *skylens.Session
	segmentation *pipelines.SegmentationPipeline
	height       *pipelines.HeightPipeline
	assetsDir    string
	sessions     *SessionStore
	templates    *template.Template
	logger       log.Logger
	started      time.Time
}

// New builds a Server from an initialised session. The segmentation pipeline
// is required; the height pipeline is optional.
func New(session *skylens.Session, config Config) (*Server, error) {
	segmentation, err := skylens.GetPipeline[*pipelines.SegmentationPipeline](session, config.SegmentationName)
	if err != nil {
		return nil, fmt.Errorf("segmentation pipeline %s: %w", config.SegmentationName, err)
	}

	var height *pipelines.HeightPipeline
	if config.HeightName != "" {
		height, err = skylens.GetPipeline[*pipelines.HeightPipeline](session, config.HeightName)
		if err != nil {
			return nil, fmt.Errorf("height pipeline %s: %w", config.HeightName, err)
		}
	}

	templates, err := template.New("skylens").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.gohtml")
	if err != nil {
		return nil, err
	}

	return &Server{
		session:      session,
		segmentation: segmentation,
		height:       height,
		assetsDir:    config.AssetsDir,
		sessions:     NewSessionStore(defaultSessionTTL),
		templates:    templates,
		logger:       log.Logger{Level: log.InfoLevel},
		started:      time.Now(),
	}, nil
}

// Handler returns the routing table for the dashboard and API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHome)
	mux.HandleFunc("GET /predictions", s.handlePredictions)
	mux.HandleFunc("POST /predict/mask", s.handlePredictMask)
	mux.HandleFunc("GET /mask.png", s.handleMaskPNG)
	mux.HandleFunc("GET /pairs", s.handlePairs)
	mux.HandleFunc("GET /insights", s.handleInsights)
	mux.HandleFunc("GET /team", s.handleTeam)
	mux.HandleFunc("POST /api/predict", s.handleAPIPredict)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.assetsDir != "" {
		mux.Handle("GET /assets/", http.StripPrefix("/assets/", http.FileServer(http.Dir(s.assetsDir))))
	}
	return s.withAccessLog(mux)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// ListenAndServe blocks serving the dashboard on the configured address.
func (s *Server) ListenAndServe(address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("address", address).Msg("dashboard listening")
	return server.ListenAndServe()
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render failed")
	}
}

func httpError(w http.ResponseWriter, status int, message string) {
	http.Error(w, message, status)
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"metric": func(v float64) string {
			return fmt.Sprintf("%.3f", v)
		},
	}
}
