package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/assistant"
	"github.com/Ramkumar137/DesignMate/auth"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/inference"
	"github.com/Ramkumar137/DesignMate/sdruntime"
	"github.com/Ramkumar137/DesignMate/shutdown"
	"github.com/Ramkumar137/DesignMate/storage"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeDetail(w, http.StatusServiceUnavailable, "Metrics are not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot(s.cfg.MetricsRecent))
}

// internalError logs err and hides it from the client.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	s.logger.Error(msg,
		zap.Error(err),
		zap.String("path", r.URL.Path),
		zap.String("request_id", RequestIDFromContext(r.Context())),
	)
	writeDetail(w, http.StatusInternalServerError, "Internal server error")
}

// --- auth ---

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req auth.SignupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	resp, err := s.deps.Accounts.Signup(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, auth.ErrEmailRegistered), errors.Is(err, auth.ErrUsernameTaken),
		errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrMissingField),
		errors.Is(err, auth.ErrEmptyPassword), errors.Is(err, auth.ErrPasswordTooLong):
		writeDetail(w, http.StatusBadRequest, auth.Detail(err))
	default:
		s.internalError(w, r, "signup failed", err)
	}
}

func (s *Server) handleSignin(w http.ResponseWriter, r *http.Request) {
	var req auth.SigninRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	resp, err := s.deps.Accounts.Signin(r.Context(), s.proxies.ClientIP(r), req)
	var limited *auth.RateLimitError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &limited):
		auth.WriteRateLimited(w, limited.RetryAfter)
	case errors.Is(err, auth.ErrInvalidCredentials):
		auth.WriteUnauthorized(w, auth.Detail(err))
	default:
		s.internalError(w, r, "signin failed", err)
	}
}

type userInfo struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		auth.WriteUnauthorized(w, "Could not validate credentials")
		return
	}
	writeOK(w, userInfo{
		ID:        user.ID,
		Email:     user.Email,
		Username:  user.Username,
		CreatedAt: user.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// --- upload and generation ---

func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, "Upload is too large")
		} else {
			writeDetail(w, http.StatusUnprocessableEntity, "Expected a multipart form")
		}
		return false
	}
	return true
}

func (s *Server) handleUploadSketch(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "file is required")
		return
	}
	defer file.Close()

	saved, err := s.deps.Uploads.SaveUpload(header.Filename, file)
	if err != nil {
		s.logger.Error("save upload", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOKMessage(w, "Uploaded", map[string]string{
		"path": saved,
		"url":  storage.WebPath(saved),
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	file, _, err := r.FormFile("sketch")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "sketch is required")
		return
	}
	sketch, err := io.ReadAll(file)
	file.Close()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "cannot read sketch")
		return
	}

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "prompt is required")
		return
	}
	guidance := s.cfg.DefaultGuidance
	if v := r.FormValue("guidance"); v != "" {
		guidance, err = strconv.ParseFloat(v, 64)
		if err != nil || guidance < sdruntime.MinCFGScale || guidance > sdruntime.MaxCFGScale {
			writeDetail(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("guidance must be between %g and %g", sdruntime.MinCFGScale, sdruntime.MaxCFGScale))
			return
		}
	}
	steps := s.cfg.DefaultSteps
	if v := r.FormValue("steps"); v != "" {
		steps, err = strconv.Atoi(v)
		if err != nil || steps < sdruntime.MinSteps || steps > sdruntime.MaxSteps {
			writeDetail(w, http.StatusUnprocessableEntity,
				fmt.Sprintf("steps must be an integer between %d and %d", sdruntime.MinSteps, sdruntime.MaxSteps))
			return
		}
	}

	req := inference.Request{
		Sketch:    sketch,
		Prompt:    prompt,
		Guidance:  guidance,
		Steps:     steps,
		RequestID: RequestIDFromContext(r.Context()),
	}
	if user, ok := auth.UserFromContext(r.Context()); ok {
		id := user.ID
		req.UserID = &id
	}

	var result *inference.Result
	run := func(ctx context.Context) error {
		var err error
		result, err = s.deps.Generator.GenerateFromSketch(ctx, req)
		return err
	}
	if s.deps.Tracker != nil {
		err = s.deps.Tracker.WrapOperation(r.Context(), "generate", run)
	} else {
		err = run(r.Context())
	}

	switch {
	case err == nil:
		writeOK(w, result)
	case errors.Is(err, shutdown.ErrTrackerClosed):
		writeDetail(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, inference.ErrEmptyPrompt), errors.Is(err, inference.ErrEmptySketch),
		errors.Is(err, sdruntime.ErrInvalidParams):
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("/generate/run failed",
			zap.Error(err),
			zap.String("request_id", req.RequestID),
		)
		writeDetail(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleGenerateOptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- assistant ---

type askRequest struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context"`
}

type chatRequest struct {
	Message string `json:"message"`
	Context string `json:"context"`
}

func (s *Server) assistantReady(w http.ResponseWriter) bool {
	if s.deps.Assistant == nil || !s.deps.Assistant.Available() {
		writeDetail(w, http.StatusInternalServerError, assistant.UnavailableMessage)
		return false
	}
	return true
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeDetail(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if !s.assistantReady(w) {
		return
	}
	answer, err := s.deps.Assistant.Ask(r.Context(), req.Prompt, req.Context)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]string{"answer": answer})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !s.assistantReady(w) {
		return
	}
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "message is required")
		return
	}
	answer, err := s.deps.Assistant.Ask(r.Context(), req.Message, req.Context)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]string{"response": answer})
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	if !s.assistantReady(w) {
		return
	}
	if !s.parseMultipart(w, r) {
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "image is required")
		return
	}
	data, err := io.ReadAll(file)
	file.Close()
	if err != nil || len(data) == 0 {
		writeDetail(w, http.StatusBadRequest, "cannot read image")
		return
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		writeDetail(w, http.StatusUnprocessableEntity, "image must be an image file")
		return
	}

	answer, err := s.deps.Assistant.Describe(r.Context(), r.FormValue("prompt"), data, mimeType)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w, map[string]string{"response": answer})
}

func (s *Server) handleAssistantHealth(w http.ResponseWriter, _ *http.Request) {
	available := s.deps.Assistant != nil && s.deps.Assistant.Available()
	status := "unhealthy"
	if available {
		status = "healthy"
	}
	gemini := s.deps.Assistant != nil && s.deps.Assistant.GeminiAvailable()
	writeOK(w, map[string]interface{}{
		"status":           status,
		"gemini_available": gemini,
	})
}

// --- history ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeDetail(w, http.StatusUnprocessableEntity, "limit must be a positive integer")
			return
		}
		limit = min(n, s.cfg.HistoryMaxLimit)
	}

	history := []db.Generation{}
	if s.deps.History != nil {
		var userID *int64
		if user, ok := auth.UserFromContext(r.Context()); ok {
			id := user.ID
			userID = &id
		}
		rows, err := s.deps.History.RecentGenerations(r.Context(), userID, limit)
		if err != nil {
			s.internalError(w, r, "load history", err)
			return
		}
		if rows != nil {
			history = rows
		}
	}
	writeOK(w, map[string]interface{}{"history": history})
}
