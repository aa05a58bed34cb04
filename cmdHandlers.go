package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mdobak/go-xerrors"

	"agriscan/db"
	"agriscan/detector"
	"agriscan/diagnosis"
	"agriscan/models"
	"agriscan/scan"
	"agriscan/utils"
)

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

const sessionHeader = "X-Session-ID"

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		utils.GetLogger().Error("failed to encode JSON response", slog.Any("error", xerrors.New(err)))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Success: false, Error: message})
}

// decodeJSON reads a size-limited JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) error {
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// scanStatus maps a scan failure to an HTTP status.
func scanStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, scan.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, detector.ErrModelUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sessionID(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := r.Header.Get(sessionHeader); h != "" {
		return h
	}
	return r.URL.Query().Get("session_id")
}

func queryBool(r *http.Request, key string, fallback bool) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}

func newHealthHandler(adapter *detector.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"timestamp":    time.Now().Format(time.RFC3339),
			"version":      apiVersion,
			"model_loaded": adapter.Loaded(),
		})
	}
}

func newInfoHandler(adapter *detector.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"name":        apiName,
			"version":     apiVersion,
			"description": "Plant disease detection API with AI, RAG, and offline support",
			"endpoints": map[string]string{
				"detection":  "/api/detect",
				"continuous": "/api/detect/continuous",
				"diagnosis":  "/api/diagnose/{disease_name}",
				"history":    "/api/history/{user_id}",
				"diseases":   "/api/diseases",
			},
			"model_info": adapter.Info(),
		})
	}
}

func newModelsHandler(adapter *detector.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, adapter.Info())
	}
}

func newDetectHandler(scanner *scan.Scanner, maxBytes int64, continuous bool) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req scan.Request
		if err := decodeJSON(w, r, maxBytes, &req); err != nil {
			logger.WarnContext(ctx, "rejected detection request", slog.Any("error", err))
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.SessionID = sessionID(r, req.SessionID)

		var (
			resp scan.Response
			err  error
		)
		if continuous {
			resp, err = scanner.Continuous(ctx, req)
		} else {
			resp, err = scanner.Detect(ctx, req)
		}
		writeJSON(w, scanStatus(err), resp)
	}
}

func newBatchHandler(scanner *scan.Scanner, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scan.BatchRequest
		if err := decodeJSON(w, r, maxBytes, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp, err := scanner.DetectBatch(r.Context(), req)
		if err != nil {
			writeJSONError(w, scanStatus(err), "No images provided")
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func newResetTrackingHandler(scanner *scan.Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		// The body is optional.
		if r.ContentLength != 0 {
			_ = json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body)
		}
		id := sessionID(r, body.SessionID)
		scanner.ResetTracking(id)

		utils.GetLogger().InfoContext(r.Context(), "tracking reset", slog.String("session", id))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Tracking history reset",
		})
	}
}

func newTrackingStatusHandler(scanner *scan.Scanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := sessionID(r, "")
		snap := scanner.TrackingSnapshot(id)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"session_id":    id,
			"frames":        snap.Frames,
			"capacity":      snap.Capacity,
			"stable_frames": scanner.StableFrames(),
			"counts":        snap.Counts,
		})
	}
}

func newDiagnoseGetHandler(resolver *diagnosis.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(chi.URLParam(r, "name"))
		if name == "" {
			writeJSONError(w, http.StatusBadRequest, "No disease_name provided")
			return
		}
		language := r.URL.Query().Get("language")
		if language == "" {
			language = "en"
		}

		writeJSON(w, http.StatusOK, resolver.GetDiagnosis(r.Context(), diagnosis.Request{
			DiseaseName: name,
			Language:    language,
			UseCache:    queryBool(r, "use_cache", true),
		}))
	}
}

func newDiagnosePostHandler(resolver *diagnosis.Resolver, maxBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			DiseaseName string `json:"disease_name"`
			Language    string `json:"language"`
			UseCache    *bool  `json:"use_cache"`
		}
		if err := decodeJSON(w, r, maxBytes, &body); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(body.DiseaseName) == "" {
			writeJSONError(w, http.StatusBadRequest, "No disease_name provided")
			return
		}
		useCache := body.UseCache == nil || *body.UseCache

		writeJSON(w, http.StatusOK, resolver.GetDiagnosis(r.Context(), diagnosis.Request{
			DiseaseName: strings.TrimSpace(body.DiseaseName),
			Language:    body.Language,
			UseCache:    useCache,
		}))
	}
}

func newSaveHistoryHandler(store db.Store, maxBytes int64) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var entry models.HistoryEntry
		if err := decodeJSON(w, r, maxBytes, &entry); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		if entry.UserID == "" || len(entry.Detections) == 0 || string(entry.Detections) == "null" {
			writeJSONError(w, http.StatusBadRequest, "Missing required fields")
			return
		}
		// Ids and timestamps are always assigned by the store.
		entry.ID = ""
		entry.Timestamp = time.Time{}

		id, err := store.SaveDetection(ctx, entry)
		if err != nil {
			logger.ErrorContext(ctx, "failed to save history entry", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to save detection")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"detection_id": id,
		})
	}
}

func newHistoryHandler(store db.Store) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID := chi.URLParam(r, "id")

		history, err := store.GetHistory(ctx, userID, queryInt(r, "limit", db.DefaultHistoryLimit), queryInt(r, "offset", 0))
		if err != nil {
			logger.ErrorContext(ctx, "failed to load history", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"user_id": userID,
			"history": history,
			"count":   len(history),
		})
	}
}

func newDetectionEntryHandler(store db.Store) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		entry, ok, err := store.GetDetection(ctx, chi.URLParam(r, "id"))
		if err != nil {
			logger.ErrorContext(ctx, "failed to load detection", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load detection")
			return
		}
		if !ok {
			writeJSONError(w, http.StatusNotFound, "Detection not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"detection": entry,
		})
	}
}

func newDeleteHistoryHandler(store db.Store) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		deleted, err := store.DeleteDetection(ctx, chi.URLParam(r, "id"))
		if err != nil {
			logger.ErrorContext(ctx, "failed to delete detection", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to delete detection")
			return
		}
		if !deleted {
			writeJSONError(w, http.StatusNotFound, "Detection not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"message": "Detection deleted",
		})
	}
}

func newDiseasesHandler(resolver *diagnosis.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		diseases := resolver.ListDiseases(r.Context())
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"diseases": diseases,
			"count":    len(diseases),
		})
	}
}

func newSearchDiseasesHandler(resolver *diagnosis.Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeJSONError(w, http.StatusBadRequest, "No search query provided")
			return
		}
		matches := resolver.SearchDiseases(r.Context(), query)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"query":   query,
			"matches": matches,
			"count":   len(matches),
		})
	}
}

// routes wires middlewares and endpoints. socketServer may be nil.
func (a *app) routes(socketServer http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", sessionHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	maxBytes := a.cfg.MaxContentLength

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", newHealthHandler(a.adapter))
		api.Get("/info", newInfoHandler(a.adapter))
		api.Get("/models", newModelsHandler(a.adapter))

		api.Route("/detect", func(dr chi.Router) {
			dr.Post("/", newDetectHandler(a.scanner, maxBytes, false))
			dr.Post("/batch", newBatchHandler(a.scanner, maxBytes))
			dr.Post("/continuous", newDetectHandler(a.scanner, maxBytes, true))
			dr.Post("/reset-tracking", newResetTrackingHandler(a.scanner))
			dr.Get("/tracking", newTrackingStatusHandler(a.scanner))
		})

		api.Get("/diagnose/{name}", newDiagnoseGetHandler(a.resolver))
		api.Post("/diagnose", newDiagnosePostHandler(a.resolver, maxBytes))

		api.Post("/history", newSaveHistoryHandler(a.store, maxBytes))
		api.Get("/history/{id}", newHistoryHandler(a.store))
		api.Delete("/history/{id}", newDeleteHistoryHandler(a.store))
		api.Get("/detections/{id}", newDetectionEntryHandler(a.store))

		api.Get("/diseases", newDiseasesHandler(a.resolver))
		api.Get("/diseases/search", newSearchDiseasesHandler(a.resolver))
	})

	r.Handle("/metrics", a.metrics.Handler())
	if socketServer != nil {
		r.Handle("/socket.io/*", socketServer)
	}

	return r
}

func serve(ctx context.Context, a *app) error {
	logger := utils.GetLogger()

	socketServer := newSocketServer(newSocketController(a.scanner, a.adapter))
	go func() {
		if err := socketServer.Serve(); err != nil {
			logger.ErrorContext(ctx, "socketio listen error", slog.Any("error", xerrors.New(err)))
		}
	}()
	defer socketServer.Close()

	go a.scanner.SweepSessions(ctx, time.Minute)

	return serveHTTP(ctx, a.cfg.Protocol == "https", a.cfg.Host, a.cfg.Port, a.cfg.CertFile, a.cfg.CertKey, a.routes(socketServer))
}

func serveHTTP(ctx context.Context, serveHTTPS bool, host, port, certFile, certKey string, handler http.Handler) error {
	logger := utils.GetLogger()

	addr := host + ":" + port
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if serveHTTPS {
		if certFile == "" || certKey == "" {
			return errors.New("https requires CERT_FILE and CERT_KEY")
		}
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if serveHTTPS {
			logger.InfoContext(ctx, "starting HTTPS server", slog.String("addr", addr))
			err = server.ListenAndServeTLS(certFile, certKey)
		} else {
			logger.InfoContext(ctx, "starting HTTP server", slog.String("addr", addr))
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
