package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"mednote/internal/ratelimit"
	"mednote/internal/telemetry"
	"mednote/internal/usertoken"
	"mednote/internal/util"
	"mednote/services/transcript/internal/app"
)

const (
	apiPrefix             = "/api/transcripts"
	maxJSONBodyBytes      = 1 << 20
	defaultMaxUploadBytes = 10 << 20
	multipartMemoryBytes  = 1 << 20

	msgMissingToken  = "Authorization token is missing or invalid"
	msgInvalidToken  = "Unauthorized: Invalid token"
	msgNotFound      = "Transcript not found or access denied"
	msgNoData        = "No data received"
	msgNoContent     = "No content provided"
	msgMissingFields = "Missing content or transcript ID"
	msgSummaryFailed = "Failed to generate summary"
	msgNoImage       = "No image file provided"
	msgOCRFailed     = "Failed to extract text from image."
)

// TokenVerifier authenticates the raw Authorization header of a request.
type TokenVerifier interface {
	Verify(ctx context.Context, authorizationHeader string) (usertoken.Claims, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App              *app.App
	TokenVerifier    TokenVerifier
	SummarizeLimiter *ratelimit.FixedWindowLimiter
	OCRLimiter       *ratelimit.FixedWindowLimiter
	MaxUploadBytes   int64
	AllowedOrigins   []string
	TrustedProxies   *util.TrustedProxies
}

// Server exposes HTTP endpoints for the transcript service.
type Server struct {
	app              *app.App
	verifier         TokenVerifier
	summarizeLimiter *ratelimit.FixedWindowLimiter
	ocrLimiter       *ratelimit.FixedWindowLimiter
	maxUploadBytes   int64
	allowedOrigins   []string
	trusted          *util.TrustedProxies
	mux              *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("server requires token verifier")
	}
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	s := &Server{
		app:              cfg.App,
		verifier:         cfg.TokenVerifier,
		summarizeLimiter: cfg.SummarizeLimiter,
		ocrLimiter:       cfg.OCRLimiter,
		maxUploadBytes:   maxUpload,
		allowedOrigins:   cfg.AllowedOrigins,
		trusted:          cfg.TrustedProxies,
		mux:              http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	handler := util.WithCORS(s.allowedOrigins, telemetry.WithTraceContext(s.mux))
	handler = util.WithSecurityHeaders(handler)
	handler = util.WithRequestLog("transcript", s.trusted, handler)
	return util.WithRequestID(handler)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle(apiPrefix+"/save", s.withClaims(s.handleSave))
	s.mux.Handle(apiPrefix+"/list", s.withClaims(s.handleList))
	s.mux.Handle(apiPrefix+"/summarize", s.withClaims(s.handleSummarize))
	s.mux.Handle(apiPrefix+"/get/{id}", s.withClaims(s.handleGet))
	s.mux.Handle(apiPrefix+"/update/{id}", s.withClaims(s.handleUpdate))
	s.mux.Handle(apiPrefix+"/delete/{id}", s.withClaims(s.handleDelete))
	s.mux.Handle(apiPrefix+"/extract-from-image", s.withClaims(s.handleExtractFromImage))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type claimsHandler func(http.ResponseWriter, *http.Request, usertoken.Claims)

// withClaims rejects the request with 401 unless the bearer token verifies.
// Nothing downstream runs for a rejected request.
func (s *Server) withClaims(next claimsHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verifier.Verify(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if errors.Is(err, usertoken.ErrMalformed) {
				s.audit(r, "transcript.authorize", "fail", "reason", "missing_token")
				writeError(w, http.StatusUnauthorized, msgMissingToken)
				return
			}
			s.audit(r, "transcript.authorize", "fail", "reason", "invalid_token", "err", err)
			writeError(w, http.StatusUnauthorized, msgInvalidToken)
			return
		}
		s.audit(r, "transcript.authorize", "success", "user_id", claims.Subject)
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", claims.Subject))
		next(w, r.WithContext(ctx), claims)
	})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, msgNoData)
		return
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, msgNoData)
		return
	}
	req := app.NewTranscript{
		Name:      textField(fields["name"]),
		Content:   textField(fields["content"]),
		Timestamp: textField(fields["timestamp"]),
	}
	id, err := s.app.SaveTranscript(r.Context(), claims, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not save transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "Saved", "id": id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	views, err := s.app.ListTranscripts(r.Context(), claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Could not retrieve transcripts")
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type summarizeRequest struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req summarizeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgMissingFields)
		return
	}
	if !s.allowRate(w, r, s.summarizeLimiter, "summarize", claims.Subject) {
		return
	}
	summary, err := s.app.Summarize(r.Context(), claims, app.SummarizeRequest{ID: req.ID, Content: req.Content})
	if err != nil {
		switch {
		case errors.Is(err, app.ErrSummarizeFieldsRequired):
			writeError(w, http.StatusBadRequest, msgMissingFields)
		case errors.Is(err, app.ErrTranscriptNotFound):
			writeError(w, http.StatusForbidden, msgNotFound)
		default:
			writeError(w, http.StatusInternalServerError, msgSummaryFailed)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	t, err := s.app.GetTranscript(r.Context(), claims, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, app.ErrTranscriptNotFound) {
			writeError(w, http.StatusNotFound, msgNotFound)
			return
		}
		writeError(w, http.StatusInternalServerError, "Could not retrieve transcript")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type updateRequest struct {
	Content *string `json:"content"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req updateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, msgNoContent)
		return
	}
	err := s.app.UpdateContent(r.Context(), claims, r.PathValue("id"), req.Content)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrContentRequired):
			writeError(w, http.StatusBadRequest, msgNoContent)
		case errors.Is(err, app.ErrTranscriptNotFound):
			writeError(w, http.StatusNotFound, msgNotFound)
		default:
			writeError(w, http.StatusInternalServerError, "Could not update transcript")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Transcript updated."})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteTranscript(r.Context(), claims, r.PathValue("id")); err != nil {
		if errors.Is(err, app.ErrTranscriptNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": msgNotFound})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "Could not delete transcript"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleExtractFromImage(w http.ResponseWriter, r *http.Request, claims usertoken.Claims) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartMemoryBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		writeError(w, http.StatusBadRequest, msgNoImage)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, msgNoImage)
		return
	}
	defer file.Close()
	if header.Size > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Image too large")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgNoImage)
		return
	}
	if !s.allowRate(w, r, s.ocrLimiter, "extract_text", claims.Subject) {
		return
	}
	text, err := s.app.ExtractText(r.Context(), claims, app.Image{
		Data:        data,
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		if errors.Is(err, app.ErrNoImage) {
			writeError(w, http.StatusBadRequest, msgNoImage)
			return
		}
		writeError(w, http.StatusInternalServerError, msgOCRFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

// textField stores client values as given: strings unquoted, absent or null as
// empty, anything else as its JSON text.
func textField(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

// allowRate applies a per-subject limit; a nil limiter always allows.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, op, subject string) bool {
	decision := limiter.Allow(r.Context(), op+":"+subject)
	if decision.Allowed {
		return true
	}
	s.audit(r, "transcript.rate_limit", "fail", "op", op, "user_id", subject)
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(decision.RetryAfter.Seconds()))))
	writeError(w, http.StatusTooManyRequests, "Too many requests, please retry later")
	return false
}
