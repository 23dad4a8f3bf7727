package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/llm"
	"github.com/arbiterhq/arbiter/llm/ratelimit"
	"github.com/arbiterhq/arbiter/llm/store"
	"github.com/arbiterhq/arbiter/llm/tokenizer"
	"github.com/arbiterhq/arbiter/providers/anthropic"
	"github.com/arbiterhq/arbiter/providers/google"
	"github.com/arbiterhq/arbiter/providers/openai"
	"github.com/arbiterhq/arbiter/providers/perplexity"
)

// Server wires the catalog store, registry, rate limiter, metrics and
// the orchestrator behind one HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	db       *gorm.DB
	registry *llm.Registry
	service  *llm.Service
	promReg  *prometheus.Registry

	httpServer   *http.Server
	limiterStop  func()
	clientCancel context.CancelFunc
}

// NewServer builds the full dependency graph. The HTTP listener is not
// started until Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	db, err := openDatabase(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s.db = db
	if err := store.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if cfg.Database.Seed {
		if err := store.Seed(db); err != nil {
			return nil, fmt.Errorf("seed catalog: %w", err)
		}
	}

	adapters := buildProviders(cfg.Providers, logger)
	if len(adapters) == 0 {
		return nil, errors.New("no provider API keys configured")
	}

	var source llm.CatalogSource
	switch cfg.Registry.Source {
	case "database":
		source = store.NewCatalog(db, logger)
	default:
		source = llm.ProviderSource(adapters)
	}

	registry, err := llm.NewRegistry(context.Background(), source, llm.RegistryOptions{
		RefreshInterval: cfg.Registry.RefreshInterval,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("load model registry: %w", err)
	}
	s.registry = registry

	limiter := s.buildLimiter(registry)

	s.promReg = prometheus.NewRegistry()
	s.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("arbiter", s.promReg, logger)
	recorder := metrics.NewRecorder(store.NewRecorder(db), collector)

	s.service = llm.NewService(cfg.Orchestrator, registry, adapters,
		tokenizer.NewEstimator(), limiter, recorder, logger)

	return s, nil
}

func openDatabase(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	logger.Info("database connected", zap.String("driver", cfg.Driver))
	return db, nil
}

// buildProviders creates one adapter per configured API key.
func buildProviders(cfg config.ProvidersConfig, logger *zap.Logger) []llm.Provider {
	var out []llm.Provider
	if cfg.OpenAI.APIKey != "" {
		out = append(out, openai.New(cfg.OpenAI, logger))
	}
	if cfg.Anthropic.APIKey != "" {
		out = append(out, anthropic.New(cfg.Anthropic, logger))
	}
	if cfg.Google.APIKey != "" {
		out = append(out, google.New(cfg.Google, logger))
	}
	if cfg.Perplexity.APIKey != "" {
		out = append(out, perplexity.New(cfg.Perplexity, logger))
	}
	for _, p := range out {
		logger.Info("provider adapter registered", zap.String("provider", p.Name()))
	}
	return out
}

// buildLimiter selects the backend and seeds per-model budgets from the
// catalog's rate-limit envelopes.
func (s *Server) buildLimiter(registry *llm.Registry) llm.RateLimiter {
	def := ratelimit.Limit{
		Requests: s.cfg.RateLimit.DefaultRequests,
		Window:   s.cfg.RateLimit.Window,
	}

	type seedable interface {
		SetLimit(modelID string, limit ratelimit.Limit)
	}
	seed := func(l seedable) {
		for _, m := range registry.Models() {
			if m.RateLimit.RequestsPerMinute > 0 {
				l.SetLimit(m.ID, ratelimit.Limit{
					Requests: m.RateLimit.RequestsPerMinute,
					Window:   time.Minute,
				})
			}
		}
	}

	if s.cfg.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     s.cfg.Redis.Addr,
			Password: s.cfg.Redis.Password,
			DB:       s.cfg.Redis.DB,
		})
		l := ratelimit.NewRedisLimiter(client, def, s.logger)
		seed(l)
		s.limiterStop = func() { _ = client.Close() }
		return l
	}

	l := ratelimit.NewMemoryLimiter(def, s.logger)
	seed(l)
	l.StartSweep(s.cfg.RateLimit.SweepInterval)
	s.limiterStop = l.Stop
	return l
}

// Start registers routes and launches the listener.
func (s *Server) Start() error {
	s.registry.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/generate", s.handleGenerate)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))

	clientCtx, cancel := context.WithCancel(context.Background())
	s.clientCancel = cancel
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		ClientRateLimit(clientCtx, s.cfg.Server.ClientRPS, s.cfg.Server.ClientBurst),
	)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  2 * s.cfg.Server.ReadTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("addr", s.cfg.Server.Addr))
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM, then shuts down
// gracefully.
func (s *Server) WaitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	s.logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	s.registry.Stop()
	if s.limiterStop != nil {
		s.limiterStop()
	}
	if s.clientCancel != nil {
		s.clientCancel()
	}

	s.logger.Info("graceful shutdown completed")
}

// ----------------------------------------------------------------------------
// Handlers
// ----------------------------------------------------------------------------

type generateRequest struct {
	Model       string    `json:"model,omitempty"`
	Capability  string    `json:"capability,omitempty"`
	Preference  string    `json:"preference,omitempty"`
	Messages    []message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type generateResponse struct {
	Content   string    `json:"content"`
	Model     string    `json:"model"`
	Provider  string    `json:"provider"`
	LatencyMS int64     `json:"latency_ms"`
	Usage     llm.Usage `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Code        string   `json:"code"`
		Message     string   `json:"message"`
		Attempts    int      `json:"attempts,omitempty"`
		ModelsTried []string `json:"models_tried,omitempty"`
	} `json:"error"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var in generateRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, llm.NewError(llm.ErrInvalidRequest, "malformed request body").WithCause(err))
		return
	}

	req := &llm.GenerationRequest{
		ModelID:     in.Model,
		Capability:  in.Capability,
		Preference:  in.Preference,
		Subject:     subjectFrom(r),
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
	}

	res, err := s.service.Generate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, generateResponse{
		Content:   res.Content,
		Model:     res.ModelID,
		Provider:  res.Provider,
		LatencyMS: res.LatencyMS,
		Usage:     res.Usage,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.registry.Models()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports ready once the registry holds at least one model.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.registry.Len() == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "no models registered"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// subjectFrom identifies the caller for rate limiting and usage rows.
// Falls back to the remote address when no header is present.
func subjectFrom(r *http.Request) string {
	if s := r.Header.Get("X-Subject-ID"); s != "" {
		return s
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var out errorResponse
	status := http.StatusInternalServerError

	var e *llm.Error
	if errors.As(err, &e) {
		out.Error.Code = string(e.Code)
		out.Error.Message = e.Message
		out.Error.Attempts = e.Attempts
		out.Error.ModelsTried = e.ModelsTried
		status = httpStatusFor(e.Code)
	} else {
		out.Error.Code = "INTERNAL"
		out.Error.Message = err.Error()
	}

	writeJSON(w, status, out)
}

func httpStatusFor(code llm.ErrorCode) int {
	switch code {
	case llm.ErrInvalidRequest:
		return http.StatusBadRequest
	case llm.ErrAuth:
		return http.StatusBadGateway // upstream credentials, not the caller's
	case llm.ErrUnsupportedModel, llm.ErrCapabilityNotFound:
		return http.StatusNotFound
	case llm.ErrRateLimited, llm.ErrLocalRateLimit:
		return http.StatusTooManyRequests
	case llm.ErrTimeout:
		return http.StatusGatewayTimeout
	case llm.ErrSafetyBlocked:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
