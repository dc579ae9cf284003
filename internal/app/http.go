package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"sitemark/api/internal/editor"
	"sitemark/api/internal/metrics"
	"sitemark/api/internal/rbac"
)

// maxBodyBytes bounds request bodies; blueprints arrive base64 encoded in JSON.
const maxBodyBytes = 64 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.SugaredLogger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.SugaredLogger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc("/api/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate)

	api.HandleFunc("/markups", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/markups", s.handleCreate).Methods(http.MethodPost)
	api.HandleFunc("/markups/{id}", s.handleLoad).Methods(http.MethodGet)
	api.HandleFunc("/markups/{id}", s.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/markups/{id}/clone", s.handleClone).Methods(http.MethodPost)
	api.HandleFunc("/markups/{id}/permissions", s.handlePermissions).Methods(http.MethodPut)
	api.HandleFunc("/markups/{id}/worklog", s.handleLink).Methods(http.MethodPut)
	api.HandleFunc("/markups/{id}/worklog", s.handleUnlink).Methods(http.MethodDelete)
	api.HandleFunc("/markups/{id}/versions", s.handleVersions).Methods(http.MethodGet)
	api.HandleFunc("/markups/{id}/versions/{hash}", s.handleVersion).Methods(http.MethodGet)
	api.HandleFunc("/markups/{id}/sessions", s.handleOpenSession).Methods(http.MethodPost)

	api.HandleFunc("/sessions/{sid}", s.handleSessionState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{sid}", s.handleCloseSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{sid}/commands", s.handleCommand).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/undo", s.handleUndo).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/redo", s.handleRedo).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{sid}/save", s.handleSave).Methods(http.MethodPost)

	return s.withMiddleware(router)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	resp, err := s.service.Search(r.Context(), userFrom(r), query.Get("q"), queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body CreateDocumentInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), userFrom(r), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.LoadDocument(r.Context(), userFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.service.SoftDelete(r.Context(), userFrom(r), mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleClone(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.CloneDocument(r.Context(), userFrom(r), mux.Vars(r)["id"], body.Title)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handlePermissions(w http.ResponseWriter, r *http.Request) {
	var body rbac.Permissions
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.UpdatePermissions(r.Context(), userFrom(r), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleLink(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorklogID string `json:"worklogId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := s.service.LinkToWorklog(r.Context(), userFrom(r), mux.Vars(r)["id"], body.WorklogID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleUnlink(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.UnlinkWorklog(r.Context(), userFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListVersions(r.Context(), userFrom(r), mux.Vars(r)["id"], queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": items})
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	version, err := s.service.VersionAt(r.Context(), userFrom(r), vars["id"], vars["hash"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *HTTPServer) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var body OpenSessionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, err := s.service.OpenSession(r.Context(), userFrom(r), mux.Vars(r)["id"], body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *HTTPServer) handleSessionState(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.SessionState(r.Context(), userFrom(r), mux.Vars(r)["sid"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CloseSession(r.Context(), userFrom(r), mux.Vars(r)["sid"]); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleCommand(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid body", nil)
		return
	}
	cmd, err := editor.DecodeCommand(data)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.service.ApplyMutation(r.Context(), userFrom(r), mux.Vars(r)["sid"], cmd)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleUndo(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Undo(r.Context(), userFrom(r), mux.Vars(r)["sid"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleRedo(w http.ResponseWriter, r *http.Request) {
	view, err := s.service.Redo(r.Context(), userFrom(r), mux.Vars(r)["sid"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	doc, err := s.service.SaveDocument(r.Context(), userFrom(r), mux.Vars(r)["sid"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Errorw("request failed",
			"request_id", requestIDFrom(r.Context()),
			"path", r.URL.Path,
			"code", code,
			"error", err,
		)
	}
	writeError(w, status, code, message, details)
}

// authenticate resolves the bearer token into the caller's user id.
func (s *HTTPServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "Unauthorized", nil)
			return
		}
		userID, err := s.service.CurrentUserID(token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(writer, r.Body, maxBodyBytes)
			}
			next.ServeHTTP(writer, r)
		}

		s.logger.Infow("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type userIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func queryInt(r *http.Request, key string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(translate(err), &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
