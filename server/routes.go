package server

import (
	"net/http"
	"path/filepath"

	"github.com/Ramkumar137/DesignMate/auth"
)

// setupRoutes registers every route on the gorilla router.
func (s *Server) setupRoutes() {
	r := s.router
	r.NotFoundHandler = newSPAHandler(s.cfg.FrontendDist)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	authRouter := r.PathPrefix("/auth").Subrouter()
	authRouter.HandleFunc("/signup", s.handleSignup).Methods(http.MethodPost)
	authRouter.HandleFunc("/signin", s.handleSignin).Methods(http.MethodPost)
	authRouter.Handle("/me", auth.RequireUser(s.deps.Accounts, s.logger)(http.HandlerFunc(s.handleMe))).
		Methods(http.MethodGet)

	optionalUser := auth.OptionalUser(s.deps.Accounts)

	r.HandleFunc("/upload/sketch", s.handleUploadSketch).Methods(http.MethodPost)

	r.Handle("/generate/run", optionalUser(http.HandlerFunc(s.handleGenerate))).Methods(http.MethodPost)
	r.HandleFunc("/generate/run", s.handleGenerateOptions).Methods(http.MethodOptions)

	r.HandleFunc("/recommend/ask", s.handleRecommend).Methods(http.MethodPost)

	// The frontend calls both prefixes.
	for _, prefix := range []string{"/assistant", "/ai-assistant"} {
		sub := r.PathPrefix(prefix).Subrouter()
		sub.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
		sub.HandleFunc("/chat", noContent).Methods(http.MethodOptions)
		sub.HandleFunc("/vision", s.handleVision).Methods(http.MethodPost)
		sub.HandleFunc("/health", s.handleAssistantHealth).Methods(http.MethodGet)
	}

	history := optionalUser(http.HandlerFunc(s.handleHistory))
	r.Handle("/history", history).Methods(http.MethodGet)
	r.Handle("/history/", history).Methods(http.MethodGet)

	r.PathPrefix("/static/").Handler(newFileHandler(s.cfg.StaticDir, "/static", nil))

	assets := newFileHandler(filepath.Join(s.cfg.FrontendDist, "assets"), "/assets", nil)
	assets.maxAge = "3600"
	r.PathPrefix("/assets/").Handler(assets)
}

func noContent(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
