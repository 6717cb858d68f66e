// Package ingeststub provides an in-process double of the ingest control
// endpoint for tests: a login route that issues signed bearer tokens and a
// media/current route whose busy flag tests can flip.
package ingeststub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Server wraps an httptest.Server that mimics the control API.
type Server struct {
	*httptest.Server

	Username string
	Password string
	TokenTTL time.Duration

	mu          sync.Mutex
	ingesting   bool
	loginCount  int
	statusCount int
	signingKey  []byte
}

// New starts a stub accepting the given credentials. Close it when done.
func New(username, password string) *Server {
	s := &Server{
		Username:   username,
		Password:   password,
		TokenTTL:   time.Hour,
		signingKey: []byte("ingeststub-signing-key"),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login/", s.handleLogin)
	mux.HandleFunc("/api/control/", s.handleMediaCurrent)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetIngesting flips the busy flag returned by media/current.
func (s *Server) SetIngesting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingesting = v
}

// LoginCount reports how many successful logins the stub served.
func (s *Server) LoginCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCount
}

// StatusCount reports how many media/current requests the stub served.
func (s *Server) StatusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCount
}

// IssueToken signs a bearer token expiring after the stub's TTL.
func (s *Server) IssueToken() (string, error) {
	claims := jwt.MapClaims{
		"sub": s.Username,
		"exp": time.Now().Add(s.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if creds.Username != s.Username || creds.Password != s.Password {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := s.IssueToken()
	if err != nil {
		http.Error(w, "token signing failed", http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.loginCount++
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"user": map[string]any{"token": token},
	})
}

func (s *Server) handleMediaCurrent(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/media/current") {
		http.NotFound(w, r)
		return
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if _, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"})); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	s.statusCount++
	busy := s.ingesting
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ingest": busy})
}
