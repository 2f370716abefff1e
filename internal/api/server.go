package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/JumpiiX/penumbra-indexer/internal/domain/model"
	"github.com/JumpiiX/penumbra-indexer/internal/metrics"
	"github.com/JumpiiX/penumbra-indexer/internal/store"
	"github.com/JumpiiX/penumbra-indexer/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// Server exposes the read-only query API over the block store. It holds
// no sync state: read availability is never coupled to ingestion health.
type Server struct {
	blocks store.BlockRepository
	logger *slog.Logger
}

func NewServer(blocks store.BlockRepository, logger *slog.Logger) *Server {
	return &Server{
		blocks: blocks,
		logger: logger.With("component", "api"),
	}
}

// Handler returns the HTTP handler for the query API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/blocks", s.instrument("/api/v1/blocks", s.handleListBlocks))
	mux.HandleFunc("GET /api/v1/blocks/{height}", s.instrument("/api/v1/blocks/{height}", s.handleGetBlock))
	mux.HandleFunc("GET /api/v1/stats", s.instrument("/api/v1/stats", s.handleStats))
	return mux
}

// Run serves the query API until ctx is cancelled.
func (s *Server) Run(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("api server shutdown error", "error", err)
		}
	}()

	s.logger.Info("api server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// blockListResponse wraps block listings with a total count.
type blockListResponse struct {
	Blocks     []model.StoredBlock `json:"blocks"`
	TotalCount int                 `json:"total_count"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	blocks, err := s.blocks.GetLatest(r.Context(), limit)
	if err != nil {
		s.logger.Error("list blocks failed", "error", err, "request_id", requestID(r))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	if blocks == nil {
		blocks = []model.StoredBlock{}
	}
	s.writeJSON(w, http.StatusOK, blockListResponse{Blocks: blocks, TotalCount: len(blocks)})
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseInt(r.PathValue("height"), 10, 64)
	if err != nil || height < 0 {
		s.writeError(w, r, http.StatusBadRequest, fmt.Sprintf("invalid height %q", r.PathValue("height")))
		return
	}

	block, err := s.blocks.GetByHeight(r.Context(), height)
	if err != nil {
		s.logger.Error("get block failed", "height", height, "error", err, "request_id", requestID(r))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	if block == nil {
		s.writeError(w, r, http.StatusNotFound, fmt.Sprintf("block %d not found", height))
		return
	}
	s.writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.blocks.Stats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err, "request_id", requestID(r))
		s.writeError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// instrument wraps a handler with a request ID, a trace span, and
// route-level latency metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(withRequestID(r.Context(), reqID))

		ctx, span := tracing.Tracer("api").Start(r.Context(), "api"+route)
		span.SetAttributes(attribute.String("request_id", reqID))
		defer span.End()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(ctx))

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		metrics.APIRequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, errorResponse{
		Status:  http.StatusText(status),
		Message: msg,
	})
}

type ctxKey int

const requestIDKey ctxKey = iota

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
