package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/Ramkumar137/DesignMate/assistant"
	"github.com/Ramkumar137/DesignMate/auth"
	"github.com/Ramkumar137/DesignMate/db"
	"github.com/Ramkumar137/DesignMate/inference"
	"github.com/Ramkumar137/DesignMate/metrics"
	"github.com/Ramkumar137/DesignMate/sdruntime"
	"github.com/Ramkumar137/DesignMate/shutdown"
)

// --- fakes ---

type fakeGenerator struct {
	mu   sync.Mutex
	got  []inference.Request
	err  error
	fail func()
}

func (f *fakeGenerator) GenerateFromSketch(_ context.Context, req inference.Request) (*inference.Result, error) {
	f.mu.Lock()
	f.got = append(f.got, req)
	f.mu.Unlock()
	if f.fail != nil {
		f.fail()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &inference.Result{
		ImagePath:  "/static/outputs/out_1.png",
		LatestPath: "/static/outputs/latest.png",
		RequestID:  req.RequestID,
		Backend:    "local",
	}, nil
}

func (f *fakeGenerator) last(t *testing.T) inference.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		t.Fatal("generator was not called")
	}
	return f.got[len(f.got)-1]
}

type fakeAssistant struct {
	available bool
	gemini    bool
	prompts   []string
	mimeType  string
}

func (f *fakeAssistant) Available() bool       { return f.available }
func (f *fakeAssistant) GeminiAvailable() bool { return f.gemini }

func (f *fakeAssistant) Ask(_ context.Context, prompt, background string) (string, error) {
	f.prompts = append(f.prompts, prompt+"|"+background)
	return "answer to " + prompt, nil
}

func (f *fakeAssistant) Describe(_ context.Context, prompt string, image []byte, mimeType string) (string, error) {
	f.mimeType = mimeType
	return "looks like " + prompt, nil
}

var testUser = db.User{
	ID:        7,
	Email:     "ada@example.com",
	Username:  "ada",
	IsActive:  true,
	CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
}

type fakeAccounts struct {
	signupErr error
	signinErr error
	limiter   *auth.RateLimiter
	ips       []string
}

func (f *fakeAccounts) Authenticate(_ context.Context, token string) (db.User, error) {
	if token == "good" {
		return testUser, nil
	}
	return db.User{}, auth.ErrInvalidToken
}

func (f *fakeAccounts) Signup(_ context.Context, req auth.SignupRequest) (auth.TokenResponse, error) {
	if f.signupErr != nil {
		return auth.TokenResponse{}, f.signupErr
	}
	return auth.TokenResponse{AccessToken: "tok", TokenType: "bearer", UserID: 1, Username: req.Username}, nil
}

func (f *fakeAccounts) Signin(_ context.Context, ip string, _ auth.SigninRequest) (auth.TokenResponse, error) {
	f.ips = append(f.ips, ip)
	if f.limiter != nil {
		if ok, retry := f.limiter.Allow(ip); !ok {
			return auth.TokenResponse{}, &auth.RateLimitError{RetryAfter: retry}
		}
	}
	if f.signinErr != nil {
		return auth.TokenResponse{}, f.signinErr
	}
	return auth.TokenResponse{AccessToken: "tok", TokenType: "bearer", UserID: 7, Username: "ada"}, nil
}

type fakeHistory struct {
	userID *int64
	limit  int
}

func (f *fakeHistory) RecentGenerations(_ context.Context, userID *int64, limit int) ([]db.Generation, error) {
	f.userID, f.limit = userID, limit
	return []db.Generation{{RequestID: "r1", Prompt: "login", Status: db.StatusSuccess}}, nil
}

type fakeUploads struct {
	dir  string
	name string
	body string
}

func (f *fakeUploads) SaveUpload(name string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.name, f.body = name, string(data)
	return filepath.Join(f.dir, "static", "outputs", "upload_1.png"), nil
}

type closedTracker struct{}

func (closedTracker) WrapOperation(context.Context, string, func(context.Context) error) error {
	return shutdown.ErrTrackerClosed
}

// --- harness ---

type harness struct {
	srv       *Server
	gen       *fakeGenerator
	assistant *fakeAssistant
	accounts  *fakeAccounts
	history   *fakeHistory
	uploads   *fakeUploads
	static    string
	dist      string
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		gen:       &fakeGenerator{},
		assistant: &fakeAssistant{available: true, gemini: true},
		accounts:  &fakeAccounts{},
		history:   &fakeHistory{},
		uploads:   &fakeUploads{dir: root},
		static:    filepath.Join(root, "static"),
		dist:      filepath.Join(root, "dist"),
	}
	cfg := DefaultConfig()
	cfg.StaticDir = h.static
	cfg.FrontendDist = h.dist
	cfg.CORSOrigins = []string{"http://localhost:5173"}

	deps := Deps{
		Generator: h.gen,
		Assistant: h.assistant,
		Accounts:  h.accounts,
		History:   h.history,
		Uploads:   h.uploads,
		Metrics:   metrics.NewStore(metrics.DefaultStoreConfig(), time.Now()),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	srv, err := New(cfg, deps, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.srv = srv
	return h
}

func (h *harness) do(r *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, r)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func multipartRequest(t *testing.T, target string, fields map[string]string, fileField, fileName string, file []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if fileField != "" {
		fw, err := mw.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(file)
	}
	mw.Close()
	r := httptest.NewRequest(http.MethodPost, target, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func envelopeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("status = %v, body %s", body["status"], rec.Body.String())
	}
	data, ok := body["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("data = %v", body["data"])
	}
	return data
}

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

// --- tests ---

func TestNew_RequiresCoreDeps(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}, nil); err == nil {
		t.Error("New() without deps should fail")
	}
}

func TestHealthAndRequestID(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if diff := cmp.Diff(map[string]interface{}{"status": "ok"}, decodeBody(t, rec)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("X-Request-ID not set")
	}

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(RequestIDHeader, "abc-123")
	if got := h.do(r).Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("incoming request id not kept, got %q", got)
	}
}

func TestMetrics(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["generations"]; !ok {
		t.Errorf("snapshot missing generations: %s", rec.Body.String())
	}
}

func TestSignupAndSignin(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(jsonRequest(http.MethodPost, "/auth/signup", `{"email":"a@b.co","username":"ada","password":"pw"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("signup status = %d body %s", rec.Code, rec.Body.String())
	}
	want := map[string]interface{}{"access_token": "tok", "token_type": "bearer", "user_id": float64(1), "username": "ada"}
	if diff := cmp.Diff(want, decodeBody(t, rec)); diff != "" {
		t.Errorf("signup body mismatch (-want +got):\n%s", diff)
	}

	h.accounts.signupErr = auth.ErrEmailRegistered
	rec = h.do(jsonRequest(http.MethodPost, "/auth/signup", `{"email":"a@b.co","username":"ada","password":"pw"}`))
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["detail"] != "Email already registered" {
		t.Errorf("duplicate signup = %d %s", rec.Code, rec.Body.String())
	}

	h.accounts.signupErr = auth.ErrPasswordTooLong
	rec = h.do(jsonRequest(http.MethodPost, "/auth/signup", `{"email":"a@b.co","username":"ada","password":"pw"}`))
	if rec.Code != http.StatusBadRequest || decodeBody(t, rec)["detail"] != "Password must be at most 72 bytes" {
		t.Errorf("long password signup = %d %s", rec.Code, rec.Body.String())
	}

	rec = h.do(jsonRequest(http.MethodPost, "/auth/signup", `{not json`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad JSON status = %d", rec.Code)
	}

	h.accounts.signinErr = auth.ErrInvalidCredentials
	rec = h.do(jsonRequest(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"nope"}`))
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Errorf("bad signin = %d headers %v", rec.Code, rec.Header())
	}

	h.accounts.signinErr = &auth.RateLimitError{RetryAfter: 90 * time.Second}
	rec = h.do(jsonRequest(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"nope"}`))
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "90" {
		t.Errorf("rate limited signin = %d Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}

	h.accounts.signinErr = errors.New("db down")
	rec = h.do(jsonRequest(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"pw"}`))
	if rec.Code != http.StatusInternalServerError || strings.Contains(rec.Body.String(), "db down") {
		t.Errorf("internal signin error = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSignin_RateLimitKeyedByPeer(t *testing.T) {
	h := newHarness(t, nil)
	h.accounts.limiter = auth.NewRateLimiter(5, time.Minute, 5*time.Minute)

	var last int
	for i := 0; i < 6; i++ {
		r := jsonRequest(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"pw"}`)
		r.RemoteAddr = "203.0.113.7:4000"
		r.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i+1))
		last = h.do(r).Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("6th signin with a rotated X-Forwarded-For = %d, want 429", last)
	}
	for _, ip := range h.accounts.ips {
		if ip != "203.0.113.7" {
			t.Fatalf("signin keyed by %q, want the peer address", ip)
		}
	}

	proxied := newHarness(t, func(c *Config, _ *Deps) { c.TrustedProxies = []string{"10.0.0.0/8"} })
	r := jsonRequest(http.MethodPost, "/auth/signin", `{"email":"a@b.co","password":"pw"}`)
	r.RemoteAddr = "10.0.0.2:4000"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	proxied.do(r)
	if got := proxied.accounts.ips; len(got) != 1 || got[0] != "198.51.100.9" {
		t.Errorf("signin behind a trusted proxy keyed by %v", got)
	}

	if _, err := New(Config{TrustedProxies: []string{"nope"}}, Deps{
		Generator: &fakeGenerator{},
		Accounts:  &fakeAccounts{},
		Uploads:   &fakeUploads{},
	}, zap.NewNop()); err == nil {
		t.Error("New() accepted a bad trusted proxy")
	}
}

func TestMe(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous /auth/me = %d", rec.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer good")
	rec = h.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	want := map[string]interface{}{
		"id":         float64(7),
		"email":      "ada@example.com",
		"username":   "ada",
		"created_at": "2024-05-01T10:00:00Z",
	}
	if diff := cmp.Diff(want, envelopeData(t, rec)); diff != "" {
		t.Errorf("me mismatch (-want +got):\n%s", diff)
	}
}

func TestUploadSketch(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(multipartRequest(t, "/upload/sketch", nil, "file", "sketch.png", pngBytes))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["message"] != "Uploaded" {
		t.Errorf("message = %v", body["message"])
	}
	data := envelopeData(t, rec)
	if got := data["path"]; got != filepath.Join(h.uploads.dir, "static", "outputs", "upload_1.png") {
		t.Errorf("path = %v, want the saved file", got)
	}
	if got := data["url"]; got != "/static/outputs/upload_1.png" {
		t.Errorf("url = %v", got)
	}
	if h.uploads.name != "sketch.png" || h.uploads.body != string(pngBytes) {
		t.Errorf("upload = %q %q", h.uploads.name, h.uploads.body)
	}

	rec = h.do(multipartRequest(t, "/upload/sketch", map[string]string{"x": "y"}, "", "", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing file status = %d", rec.Code)
	}
}

func TestGenerate(t *testing.T) {
	h := newHarness(t, nil)

	r := multipartRequest(t, "/generate/run", map[string]string{"prompt": " login page "}, "sketch", "s.png", pngBytes)
	r.Header.Set("Authorization", "Bearer good")
	rec := h.do(r)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	data := envelopeData(t, rec)
	if data["image_path"] != "/static/outputs/out_1.png" || data["backend"] != "local" {
		t.Errorf("data = %v", data)
	}

	got := h.gen.last(t)
	if got.Prompt != "login page" || got.Guidance != 7.5 || got.Steps != 30 {
		t.Errorf("request = %+v", got)
	}
	if got.UserID == nil || *got.UserID != testUser.ID {
		t.Errorf("UserID = %v, want %d", got.UserID, testUser.ID)
	}
	if got.RequestID == "" || got.RequestID != rec.Header().Get(RequestIDHeader) {
		t.Errorf("RequestID = %q, header %q", got.RequestID, rec.Header().Get(RequestIDHeader))
	}
	if !bytes.Equal(got.Sketch, pngBytes) {
		t.Error("sketch bytes not passed through")
	}

	r = multipartRequest(t, "/generate/run", map[string]string{"prompt": "p", "guidance": "5.5", "steps": "12"}, "sketch", "s.png", pngBytes)
	if rec := h.do(r); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := h.gen.last(t); got.Guidance != 5.5 || got.Steps != 12 || got.UserID != nil {
		t.Errorf("request = %+v", got)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		file   bool
		genErr error
		want   int
	}{
		{"missing prompt", map[string]string{}, true, nil, http.StatusUnprocessableEntity},
		{"missing sketch", map[string]string{"prompt": "p"}, false, nil, http.StatusUnprocessableEntity},
		{"bad steps", map[string]string{"prompt": "p", "steps": "many"}, true, nil, http.StatusUnprocessableEntity},
		{"bad guidance", map[string]string{"prompt": "p", "guidance": "-1"}, true, nil, http.StatusUnprocessableEntity},
		{"steps above range", map[string]string{"prompt": "p", "steps": "150"}, true, nil, http.StatusUnprocessableEntity},
		{"guidance above range", map[string]string{"prompt": "p", "guidance": "31"}, true, nil, http.StatusUnprocessableEntity},
		{"guidance below range", map[string]string{"prompt": "p", "guidance": "0.5"}, true, nil, http.StatusUnprocessableEntity},
		{"runtime rejects params", map[string]string{"prompt": "p"}, true, fmt.Errorf("local generation: %w: prompt too long", sdruntime.ErrInvalidParams), http.StatusUnprocessableEntity},
		{"pipeline failure", map[string]string{"prompt": "p"}, true, errors.New("model not found"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.gen.err = tt.genErr
			var r *http.Request
			if tt.file {
				r = multipartRequest(t, "/generate/run", tt.fields, "sketch", "s.png", pngBytes)
			} else {
				r = multipartRequest(t, "/generate/run", tt.fields, "", "", nil)
			}
			rec := h.do(r)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if _, ok := decodeBody(t, rec)["detail"]; !ok {
				t.Error("error body has no detail")
			}
			if tt.genErr != nil && decodeBody(t, rec)["detail"] != tt.genErr.Error() {
				t.Errorf("detail = %v", decodeBody(t, rec)["detail"])
			}
		})
	}
}

func TestGenerate_RejectedDuringShutdown(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) { d.Tracker = closedTracker{} })
	rec := h.do(multipartRequest(t, "/generate/run", map[string]string{"prompt": "p"}, "sketch", "s.png", pngBytes))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if len(h.gen.got) != 0 {
		t.Error("generator should not run during shutdown")
	}
}

func TestOptionsRoutes(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodOptions, "/generate/run", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("OPTIONS /generate/run = %d", rec.Code)
	}
	if diff := cmp.Diff(map[string]interface{}{"ok": true}, decodeBody(t, rec)); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}

	for _, path := range []string{"/assistant/chat", "/ai-assistant/chat"} {
		if rec := h.do(httptest.NewRequest(http.MethodOptions, path, nil)); rec.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s = %d, want 204", path, rec.Code)
		}
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/generate/run", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /generate/run = %d, want 405", rec.Code)
	}
}

func TestRecommendAsk(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(jsonRequest(http.MethodPost, "/recommend/ask", `{"context":"only context"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing prompt = %d, want 400", rec.Code)
	}

	rec = h.do(jsonRequest(http.MethodPost, "/recommend/ask", `{"prompt":"improve this","context":"a login form"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := envelopeData(t, rec)["answer"]; got != "answer to improve this" {
		t.Errorf("answer = %v", got)
	}
	if diff := cmp.Diff([]string{"improve this|a login form"}, h.assistant.prompts); diff != "" {
		t.Errorf("prompts mismatch (-want +got):\n%s", diff)
	}

	h.assistant.available = false
	rec = h.do(jsonRequest(http.MethodPost, "/recommend/ask", `{"prompt":"x"}`))
	if rec.Code != http.StatusInternalServerError || decodeBody(t, rec)["detail"] != assistant.UnavailableMessage {
		t.Errorf("unconfigured = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAssistantChat(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/assistant/chat", "/ai-assistant/chat"} {
		rec := h.do(jsonRequest(http.MethodPost, path, `{"message":"hello","context":"dashboard"}`))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if got := envelopeData(t, rec)["response"]; got != "answer to hello" {
			t.Errorf("%s response = %v", path, got)
		}
	}

	rec := h.do(jsonRequest(http.MethodPost, "/assistant/chat", `{"context":"x"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing message = %d", rec.Code)
	}

	h.assistant.available = false
	rec = h.do(jsonRequest(http.MethodPost, "/assistant/chat", `{"message":"hello"}`))
	if rec.Code != http.StatusInternalServerError || decodeBody(t, rec)["detail"] != assistant.UnavailableMessage {
		t.Errorf("unconfigured chat = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAssistantVision(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(multipartRequest(t, "/ai-assistant/vision", map[string]string{"prompt": "a form"}, "image", "ui.png", pngBytes))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	if got := envelopeData(t, rec)["response"]; got != "looks like a form" {
		t.Errorf("response = %v", got)
	}
	if h.assistant.mimeType != "image/png" {
		t.Errorf("mimeType = %q, want sniffed image/png", h.assistant.mimeType)
	}

	rec = h.do(multipartRequest(t, "/assistant/vision", nil, "image", "notes.txt", []byte("plain text")))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("non-image upload = %d", rec.Code)
	}
}

func TestAssistantHealth(t *testing.T) {
	h := newHarness(t, nil)
	h.assistant.gemini = false

	rec := h.do(httptest.NewRequest(http.MethodGet, "/assistant/health", nil))
	want := map[string]interface{}{"status": "healthy", "gemini_available": false}
	if diff := cmp.Diff(want, envelopeData(t, rec)); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}

	h = newHarness(t, func(_ *Config, d *Deps) { d.Assistant = nil })
	rec = h.do(httptest.NewRequest(http.MethodGet, "/ai-assistant/health", nil))
	if got := envelopeData(t, rec)["status"]; got != "unhealthy" {
		t.Errorf("status = %v, want unhealthy", got)
	}
}

func TestHistory(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/history", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	rows, ok := envelopeData(t, rec)["history"].([]interface{})
	if !ok || len(rows) != 1 {
		t.Fatalf("history = %v", envelopeData(t, rec)["history"])
	}
	if h.history.userID != nil || h.history.limit != 50 {
		t.Errorf("anonymous query userID=%v limit=%d", h.history.userID, h.history.limit)
	}

	r := httptest.NewRequest(http.MethodGet, "/history/?limit=5000", nil)
	r.Header.Set("Authorization", "Bearer good")
	if rec := h.do(r); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if h.history.userID == nil || *h.history.userID != testUser.ID || h.history.limit != 200 {
		t.Errorf("user query userID=%v limit=%d", h.history.userID, h.history.limit)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/history?limit=zero", nil))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad limit = %d", rec.Code)
	}

	h = newHarness(t, func(_ *Config, d *Deps) { d.History = nil })
	rec = h.do(httptest.NewRequest(http.MethodGet, "/history", nil))
	if !strings.Contains(rec.Body.String(), `"history":[]`) {
		t.Errorf("history without a store = %s", rec.Body.String())
	}
}

func TestCORS(t *testing.T) {
	h := newHarness(t, nil)

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	rec := h.do(r)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("listed origins should get credentials")
	}

	r = httptest.NewRequest(http.MethodOptions, "/generate/run", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", "POST")
	rec = h.do(r)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Errorf("preflight = %d headers %v", rec.Code, rec.Header())
	}

	// Headers outside a fixed list still pass the preflight.
	r = httptest.NewRequest(http.MethodOptions, "/generate/run", nil)
	r.Header.Set("Origin", "http://localhost:5173")
	r.Header.Set("Access-Control-Request-Method", "POST")
	r.Header.Set("Access-Control-Request-Headers", "X-Client-Version")
	rec = h.do(r)
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.EqualFold(got, "X-Client-Version") {
		t.Errorf("Allow-Headers = %q, want the requested header", got)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Errorf("preflight Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	r = httptest.NewRequest(http.MethodOptions, "/generate/run", nil)
	r.Header.Set("Origin", "http://evil.example")
	r.Header.Set("Access-Control-Request-Method", "POST")
	if rec := h.do(r); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Errorf("disallowed preflight got Allow-Origin %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "http://evil.example")
	if rec := h.do(r); rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin should get no CORS headers")
	}

	wild := newHarness(t, func(c *Config, _ *Deps) { c.CORSAllowAll = true })
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "http://anything.example")
	rec = wild.do(r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("wildcard Allow-Origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("wildcard must not send credentials")
	}

	star := newHarness(t, func(c *Config, _ *Deps) { c.CORSOrigins = []string{"*"} })
	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set("Origin", "http://anything.example")
	rec = star.do(r)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" || rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Errorf("\"*\" in the list = %v", rec.Header())
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStaticFiles(t *testing.T) {
	h := newHarness(t, nil)
	writeFile(t, filepath.Join(h.static, "outputs", "latest.png"), "latest")
	writeFile(t, filepath.Join(h.static, "outputs", "out_1.png"), "older")

	rec := h.do(httptest.NewRequest(http.MethodGet, "/static/outputs/latest.png", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "latest" {
		t.Fatalf("latest = %d %q", rec.Code, rec.Body.String())
	}
	wantHeaders := map[string]string{
		"Cache-Control": "no-store, no-cache, must-revalidate, max-age=0",
		"Pragma":        "no-cache",
		"Expires":       "0",
	}
	for k, v := range wantHeaders {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/static/outputs/out_1.png", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Pragma") != "" {
		t.Errorf("regular output = %d pragma %q", rec.Code, rec.Header().Get("Pragma"))
	}

	for _, path := range []string{"/static/outputs/", "/static/missing.png"} {
		if rec := h.do(httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rec.Code)
		}
	}
}

func TestFileHandler_StaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "secret.txt"), "secret")
	writeFile(t, filepath.Join(root, "static", "ok.txt"), "ok")

	fh := newFileHandler(filepath.Join(root, "static"), "/static", nil)
	if _, _, ok := fh.open("/static/../secret.txt"); ok {
		t.Error("path outside the root was opened")
	}
	f, _, ok := fh.open("/static/./ok.txt")
	if !ok {
		t.Fatal("file inside the root was not opened")
	}
	f.Close()
}

func TestFrontendFallback(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/designs/42", nil))
	if rec.Code != http.StatusNotFound || decodeBody(t, rec)["detail"] != FrontendMissingDetail {
		t.Errorf("missing build = %d %s", rec.Code, rec.Body.String())
	}

	writeFile(t, filepath.Join(h.dist, "index.html"), "<html>app</html>")
	writeFile(t, filepath.Join(h.dist, "favicon.svg"), "<svg/>")
	writeFile(t, filepath.Join(h.dist, "assets", "app.js"), "console.log(1)")

	for _, path := range []string{"/", "/designs/42"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != "<html>app</html>" {
			t.Errorf("GET %s = %d %q", path, rec.Code, rec.Body.String())
		}
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/favicon.svg", nil))
	if rec.Body.String() != "<svg/>" {
		t.Errorf("root file = %q", rec.Body.String())
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/assets/app.js", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Cache-Control"), "max-age=3600") {
		t.Errorf("asset = %d cache %q", rec.Code, rec.Header().Get("Cache-Control"))
	}

	// Unknown API paths never fall through to the SPA.
	for _, path := range []string{"/auth/unknown", "/assistant/other", "/assets/missing.js"} {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound || strings.Contains(rec.Body.String(), "<html>") {
			t.Errorf("GET %s = %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newHarness(t, nil)
	h.gen.fail = func() { panic("boom") }

	rec := h.do(multipartRequest(t, "/generate/run", map[string]string{"prompt": "p"}, "sketch", "s.png", pngBytes))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if decodeBody(t, rec)["detail"] != "Internal server error" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestIsAPIPath(t *testing.T) {
	tests := map[string]bool{
		"/auth/me":        true,
		"/history":        true,
		"/healthcheck":    false,
		"/":               false,
		"/designs/1":      false,
		"/ai-assistant/x": true,
	}
	for p, want := range tests {
		if got := isAPIPath(p); got != want {
			t.Errorf("isAPIPath(%q) = %v, want %v", p, got, want)
		}
	}
}
