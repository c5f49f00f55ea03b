package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rasterwell/rasterwell/config"
	"github.com/rasterwell/rasterwell/internal/cache"
	"github.com/rasterwell/rasterwell/internal/metrics"
	"github.com/rasterwell/rasterwell/render"
	"github.com/rasterwell/rasterwell/storage"
)

type server struct {
	cfg       *config.Config
	generator *render.Generator
	store     *storage.Store
	pool      *render.Pool
	cache     *cache.Manager
	metrics   *metrics.Collector
	logger    *zap.Logger
}

func newHandler(ctx context.Context, cfg *config.Config, generator *render.Generator, store *storage.Store, pool *render.Pool, cacheMgr *cache.Manager, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	s := &server{
		cfg:       cfg,
		generator: generator,
		store:     store,
		pool:      pool,
		cache:     cacheMgr,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /render", s.handleRender)
	mux.HandleFunc("GET /artifacts/{hash}", s.handleGetArtifact)
	mux.HandleFunc("DELETE /artifacts/{hash}", s.handleDeleteArtifact)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	limiter := newRateLimiter(ctx, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	return chain(mux,
		recoverPanics(s.logger),
		requestID(),
		requestLogger(s.logger),
		recordMetrics(collector),
		limiter.middleware(),
	)
}

type renderRequest struct {
	HTML    string         `json:"html"`
	Options render.Options `json:"options"`
	Device  string         `json:"device,omitempty"`
}

type renderResponse struct {
	ContentHash string `json:"content_hash"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FileSize    int64  `json:"file_size"`
	DurationMS  int64  `json:"duration_ms"`
}

func (s *server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HTML == "" {
		s.writeError(w, http.StatusBadRequest, "html is required")
		return
	}

	var (
		result *render.Result
		err    error
	)
	if req.Device != "" {
		result, err = s.generator.RenderWithDevice(r.Context(), req.HTML, req.Options, render.Device(req.Device))
	} else {
		result, err = s.generator.Render(r.Context(), req.HTML, req.Options)
	}
	if err != nil {
		switch {
		case errors.Is(err, render.ErrPoolClosed), errors.Is(err, render.ErrPoolNotInitialized):
			s.writeError(w, http.StatusServiceUnavailable, "renderer unavailable")
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "render timed out")
		default:
			s.logger.Error("render failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "render failed")
		}
		return
	}

	extra := result.Metadata
	if extra == nil {
		extra = make(map[string]string)
	}
	if id := requestIDFrom(r.Context()); id != "" {
		extra["request_id"] = id
	}

	hash, err := s.store.Store(r.Context(), result.PNG, extra)
	if err != nil {
		s.logger.Error("artifact store failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to store artifact")
		return
	}

	s.writeJSON(w, http.StatusOK, renderResponse{
		ContentHash: hash,
		Width:       result.Width,
		Height:      result.Height,
		FileSize:    result.FileSize,
		DurationMS:  result.Duration.Milliseconds(),
	})
}

func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	data, meta, err := s.store.Retrieve(r.Context(), hash)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidHash):
			s.writeError(w, http.StatusBadRequest, "invalid content hash")
		case storage.IsNotFound(err):
			s.writeError(w, http.StatusNotFound, "artifact not found")
		default:
			s.logger.Error("artifact retrieve failed", zap.String("hash", hash), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to retrieve artifact")
		}
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Content-Hash", meta.ContentHash)
	w.Header().Set("X-Access-Count", strconv.FormatInt(meta.AccessCount, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *server) handleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")

	deleted, err := s.store.Delete(r.Context(), hash)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidHash) {
			s.writeError(w, http.StatusBadRequest, "invalid content hash")
			return
		}
		s.logger.Error("artifact delete failed", zap.String("hash", hash), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to delete artifact")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"content_hash": hash,
		"deleted":      deleted,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats collection failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	idle, inUse, total := s.pool.Stats()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"storage": stats,
		"pool": map[string]int{
			"idle":   idle,
			"in_use": inUse,
			"total":  total,
		},
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	checks := map[string]string{}

	_, _, total := s.pool.Stats()
	if total == 0 {
		checks["pool"] = "no browser instances"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		checks["pool"] = "ok"
	}

	if s.cache == nil {
		checks["redis"] = "disabled"
		if status == "ok" {
			status = "degraded"
		}
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cache.Ping(ctx); err != nil {
			checks["redis"] = err.Error()
			if status == "ok" {
				status = "degraded"
			}
		} else {
			checks["redis"] = "ok"
		}
	}

	s.writeJSON(w, code, map[string]any{
		"status":  status,
		"version": Version,
		"checks":  checks,
	})
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
