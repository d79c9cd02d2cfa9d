package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/municipio-digital/actas-engine/internal/adapters/ai"
	"github.com/municipio-digital/actas-engine/internal/adapters/cache"
	"github.com/municipio-digital/actas-engine/internal/adapters/database"
	"github.com/municipio-digital/actas-engine/internal/adapters/events"
	"github.com/municipio-digital/actas-engine/internal/application/services"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/clients/postgres"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/clients/redis"
	"github.com/municipio-digital/actas-engine/internal/infrastructure/observability"
	"github.com/municipio-digital/actas-engine/pkg/config"
	apperrors "github.com/municipio-digital/actas-engine/pkg/errors"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	observability.InitLogger("actas-worker", cfg.Environment)
	logger := observability.GetLogger()
	logger.Info().Msg("Starting composition worker...")

	// Initialize PostgreSQL client
	pgClient, err := postgres.NewClient(&cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize PostgreSQL client")
	}
	defer pgClient.Close()
	logger.Info().Msg("PostgreSQL client initialized successfully")

	// Initialize Redis client
	redisClient, err := redis.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Redis client")
	}
	defer redisClient.Close()
	logger.Info().Msg("Redis client initialized successfully")

	// Adapters
	actaRepo := database.NewActaAdapter(pgClient)
	templateRepo := database.NewTemplateAdapter(pgClient)
	segmentRepo := database.NewSegmentAdapter(pgClient)
	providerRepo := database.NewProviderAdapter(pgClient)
	transcriptionRepo := database.NewTranscriptionAdapter(pgClient.DBx())

	eventBus := events.NewRedisEventBus(redisClient)
	defer eventBus.Close()
	cacheProvider := cache.NewRedisAdapter(redisClient)

	// Services
	registry := ai.NewRegistry(providerRepo, cfg.Credentials)
	resolver := services.NewSegmentResolver(registry, segmentRepo)
	progress := services.NewProgressSink(actaRepo, eventBus)
	executor := services.NewTemplateExecutor(actaRepo, templateRepo, transcriptionRepo, resolver, registry, progress)
	supervisor := services.NewTaskSupervisor(cfg.Worker, actaRepo, executor, progress, cacheProvider)
	actaService := services.NewActaService(actaRepo, templateRepo, transcriptionRepo)

	// Control surface
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := pgClient.Ping(r.Context()); err != nil {
			writeError(w, apperrors.Wrap(apperrors.ErrorTypeInternal, "database unreachable", err))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /api/actas", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			TemplateRef      string `json:"template_ref"`
			TranscriptionRef string `json:"transcription_ref"`
			ProviderRef      string `json:"provider_ref"`
			SessionDate      string `json:"session_date"`
			Title            string `json:"title"`
			CreatedBy        string `json:"created_by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewInputInvalidError("invalid request body"))
			return
		}
		var sessionDate time.Time
		if req.SessionDate != "" {
			parsed, perr := time.Parse("2006-01-02", req.SessionDate)
			if perr != nil {
				writeError(w, apperrors.NewInputInvalidError("session_date must be YYYY-MM-DD"))
				return
			}
			sessionDate = parsed
		}
		acta, err := actaService.CreateFromTranscription(r.Context(), services.CreateActaRequest{
			TemplateRef:      req.TemplateRef,
			TranscriptionRef: req.TranscriptionRef,
			ProviderRef:      req.ProviderRef,
			SessionDate:      sessionDate,
			Title:            req.Title,
			CreatedBy:        req.CreatedBy,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, acta)
	})

	mux.HandleFunc("POST /api/actas/{id}/process", func(w http.ResponseWriter, r *http.Request) {
		handle, err := supervisor.Submit(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_handle": handle})
	})

	mux.HandleFunc("POST /api/actas/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := supervisor.Cancel(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	})

	mux.HandleFunc("GET /api/actas/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		status, err := supervisor.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /api/actas/{id}", func(w http.ResponseWriter, r *http.Request) {
		acta, err := actaRepo.GetByID(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acta)
	})

	mux.HandleFunc("GET /api/actas/{id}/export", func(w http.ResponseWriter, r *http.Request) {
		text, err := actaService.ExportText(r.Context(), r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(text))
	})

	serverAddr := fmt.Sprintf("%s:%d", getEnv("WORKER_HOST", "0.0.0.0"), getEnvInt("WORKER_PORT", 8090))
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", serverAddr).Msg("Worker control API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown: stop accepting work, drain running compositions.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := supervisor.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Supervisor shutdown incomplete")
	}
	logger.Info().Msg("Worker stopped")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case apperrors.ErrorTypeInputInvalid, apperrors.ErrorTypeValidation, apperrors.ErrorTypeBadRequest:
		status = http.StatusBadRequest
	case apperrors.ErrorTypeConflict:
		status = http.StatusConflict
	case apperrors.ErrorTypeConfig:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"type":  string(apperrors.TypeOf(err)),
	})
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}
