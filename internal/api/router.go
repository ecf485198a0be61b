package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/logging"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

type loggerKey struct{}

func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	return fallback
}

// NewRouter registers all routes and wraps them with CORS
func NewRouter(h *Handler, allowedOrigins []string, logger *zap.Logger) http.Handler {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware(logger), recoverMiddleware(logger))

	router.HandleFunc("/", h.Info).Methods(http.MethodGet)

	router.HandleFunc("/api/v1/iot/sensor-data", h.SensorData).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/health", h.Health).Methods(http.MethodGet)

	// Legacy paths still used by prototype firmware
	router.HandleFunc("/iot/send", h.SensorData).Methods(http.MethodPost)
	router.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, logger, http.StatusNotFound, "not found", "")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondWithError(w, logger, http.StatusMethodNotAllowed, "method not allowed", "")
	})

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
	})
	return c.Handler(router)
}

func requestIDMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			reqLogger := logging.WithRequestID(logger, requestID)
			start := time.Now()
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey{}, reqLogger)))

			reqLogger.Debug("request handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					l := loggerFromContext(r.Context(), logger)
					l.Error("panic while handling request", zap.Any("panic", rec), zap.String("path", r.URL.Path))
					respondWithError(w, l, http.StatusInternalServerError, "internal server error", "")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
