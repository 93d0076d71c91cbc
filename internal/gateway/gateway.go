// Package gateway is the HTTP surface: a small REST edge over the service
// and engine, a health endpoint, and the websocket live-session endpoint
// that pushes notifications to browsers.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/basket/webcli/internal/auth"
	"github.com/basket/webcli/internal/bus"
	"github.com/basket/webcli/internal/engine"
	"github.com/basket/webcli/internal/otel"
	"github.com/basket/webcli/internal/persistence"
	"github.com/basket/webcli/internal/service"
)

// accessTokenCookie is the cookie carrying the bearer token.
const accessTokenCookie = "access-token"

// Config wires the gateway's collaborators.
type Config struct {
	Store             *persistence.Store
	Service           *service.Service
	Engine            *engine.Engine
	Bus               *bus.Bus
	Logger            *slog.Logger
	Metrics           *otel.Metrics
	ConfigFingerprint string
}

// Server is the HTTP/websocket front end.
type Server struct {
	cfg Config
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{cfg: cfg}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/users", s.handleCreateUser)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.HandleFunc("GET /api/threads", s.handleListThreads)
	mux.HandleFunc("POST /api/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/threads/{id}", s.handleGetThread)
	mux.HandleFunc("PATCH /api/threads/{id}", s.handlePatchThread)
	mux.HandleFunc("DELETE /api/threads/{id}", s.handleDeleteThread)

	mux.HandleFunc("POST /api/threads/{id}/actions", s.handleCreateThreadAction)
	mux.HandleFunc("PATCH /api/threads/{id}/actions/{action_id}", s.handlePatchThreadAction)
	mux.HandleFunc("DELETE /api/threads/{id}/actions/{action_id}", s.handleRemoveThreadAction)
	mux.HandleFunc("PATCH /api/actions/{id}", s.handlePatchAction)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// requireUser resolves the caller from the access-token cookie.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) *persistence.User {
	cookie, err := r.Cookie(accessTokenCookie)
	if err != nil || cookie.Value == "" {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return nil
	}
	user, err := s.cfg.Service.UserFromToken(r.Context(), cookie.Value)
	if err != nil {
		s.writeError(w, err)
		return nil
	}
	return user
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.Password == "" {
		http.Error(w, `{"error":"email and password are required"}`, http.StatusBadRequest)
		return
	}
	user, err := s.cfg.Service.CreateUser(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	user, err := s.cfg.Service.LoginUser(r.Context(), body.Email, body.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, err := s.cfg.Service.GenerateToken(user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     accessTokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threads, err := s.cfg.Service.ListThreads(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	var body struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	thread, err := s.cfg.Service.CreateThread(r.Context(), body.Title, body.Description, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	thread, err := s.cfg.Service.GetThread(r.Context(), threadID, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handlePatchThread(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	thread, err := s.cfg.Service.PatchThread(r.Context(), threadID, user, body.Title, body.Description)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.cfg.Service.DeleteThread(r.Context(), threadID, user); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateThreadAction(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Title   string          `json:"title"`
		RawText string          `json:"raw_text"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Request) == 0 {
		http.Error(w, `{"error":"request payload is required"}`, http.StatusBadRequest)
		return
	}
	ta, err := s.cfg.Engine.CreateThreadAction(r.Context(), threadID, body.Title, body.RawText, body.Request, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ta)
}

func (s *Server) handlePatchThreadAction(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	actionID, ok := s.pathID(w, r, "action_id")
	if !ok {
		return
	}
	var body struct {
		ShowQuestion *bool `json:"show_question"`
		ShowAnswer   *bool `json:"show_answer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	ta, err := s.cfg.Service.PatchThreadAction(r.Context(), threadID, actionID, user, body.ShowQuestion, body.ShowAnswer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ta)
}

func (s *Server) handleRemoveThreadAction(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	threadID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	actionID, ok := s.pathID(w, r, "action_id")
	if !ok {
		return
	}
	removed, err := s.cfg.Service.RemoveActionFromThread(r.Context(), actionID, threadID, user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (s *Server) handlePatchAction(w http.ResponseWriter, r *http.Request) {
	user := s.requireUser(w, r)
	if user == nil {
		return
	}
	actionID, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Title *string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	action, err := s.cfg.Service.PatchAction(r.Context(), actionID, user, body.Title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, action)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps core errors onto HTTP statuses at the edge. The core
// itself never speaks HTTP.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var dup *persistence.DuplicateEmailError
	var inThread *persistence.ActionAlreadyInThreadError
	switch {
	case persistence.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &dup), errors.As(err, &inThread):
		status = http.StatusConflict
	case errors.Is(err, service.ErrWrongPassword), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	case errors.Is(err, engine.ErrNoHandler):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.cfg.Logger.Error("request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
