package markhttp

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qrmark/services/markingd/internal/marking"
	"qrmark/services/markingd/internal/tgauth"
)

// Config controls runtime behaviour for the HTTP handlers.
type Config struct {
	// PollIntervalHintMS is echoed to clients in the start response.
	PollIntervalHintMS int
	// AllowedOrigins restricts CORS; empty means any origin (the Mini App
	// webview origin varies per Telegram client).
	AllowedOrigins []string
}

// API wires the orchestrator and the auth verifier into HTTP handlers.
type API struct {
	orch     *marking.Orchestrator
	verifier *tgauth.Verifier
	config   Config
}

// New initialises the API layer.
func New(orch *marking.Orchestrator, verifier *tgauth.Verifier, cfg Config) (*API, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.PollIntervalHintMS <= 0 {
		cfg.PollIntervalHintMS = 500
	}

	return &API{orch: orch, verifier: verifier, config: cfg}, nil
}

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		// status polls arrive every ~500ms per active admin; the limit
		// only guards against runaway clients
		r.Use(httprate.Limit(600, time.Minute))

		r.Post("/start_mass_marking", a.handleStart)
		r.Get("/get_marking_status/{id}", a.handleStatus)
		r.Post("/continue_marking", a.handleContinue)
	})

	return r
}
