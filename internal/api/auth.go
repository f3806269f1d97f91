package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/domain"
)

// Demo account seeded into every sandbox.
const (
	DemoEmail    = "asha@example.com"
	DemoPassword = "password123"
	DemoUserID   = "u-demo"
)

type account struct {
	ID       string
	Name     string
	Email    string
	Phone    string
	Password string
}

func (a *account) identity() domain.Identity {
	return domain.Identity{ID: a.ID, DisplayName: a.Name, Email: a.Email, Phone: a.Phone}
}

type grant struct {
	userID  string
	expires time.Time
}

type authPayload struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         domain.Identity `json:"user"`
	ExpiresIn    int64           `json:"expiresIn"`
}

// issue mints a token pair for a. Callers hold s.mu.
func (s *Server) issue(a *account) authPayload {
	access := uuid.NewString()
	refresh := uuid.NewString()
	s.access[access] = grant{userID: a.ID, expires: s.now().Add(s.cfg.AccessTTL)}
	s.refresh[refresh] = a.ID
	return authPayload{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         a.identity(),
		ExpiresIn:    int64(s.cfg.AccessTTL / time.Second),
	}
}

// accountByID finds an account. Callers hold s.mu.
func (s *Server) accountByID(id string) *account {
	for _, a := range s.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(tok)
	}
	return ""
}

// caller resolves the bearer token. present reports whether one was sent;
// a present but unusable token yields ok=false. Callers hold s.mu.
func (s *Server) caller(r *http.Request) (userID string, present, ok bool) {
	tok := bearer(r)
	if tok == "" {
		return "", false, false
	}
	g, found := s.access[tok]
	if !found || !s.now().Before(g.expires) {
		return "", true, false
	}
	return g.userID, true, true
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	a, found := s.accounts[strings.ToLower(strings.TrimSpace(req.Email))]
	if !found || a.Password != req.Password {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	s.stats.Logins++
	s.log.Info("sandbox login", zap.String("user_id", a.ID))
	writeJSON(w, http.StatusOK, s.issue(a))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Phone    string `json:"phone"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if strings.TrimSpace(req.Name) == "" || !strings.Contains(email, "@") || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "name, a valid email and a password of at least 6 characters are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[email]; exists {
		writeError(w, http.StatusConflict, "an account with this email already exists")
		return
	}
	a := &account{
		ID:       "u-" + uuid.NewString()[:8],
		Name:     strings.TrimSpace(req.Name),
		Email:    email,
		Phone:    req.Phone,
		Password: req.Password,
	}
	s.accounts[email] = a
	writeJSON(w, http.StatusCreated, s.issue(a))
}

// handleRefresh rotates the pair: the presented refresh token is spent.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Refreshes++
	userID, found := s.refresh[req.RefreshToken]
	if !found {
		writeError(w, http.StatusUnauthorized, "refresh token revoked or unknown")
		return
	}
	delete(s.refresh, req.RefreshToken)
	a := s.accountByID(userID)
	if a == nil {
		writeError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, s.issue(a))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, _, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	a := s.accountByID(userID)
	if a == nil {
		writeError(w, http.StatusUnauthorized, "account no longer exists")
		return
	}
	writeJSON(w, http.StatusOK, a.identity())
}

// handleLogout revokes the presented access token and the user's refresh tokens.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, _, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	delete(s.access, bearer(r))
	for tok, owner := range s.refresh {
		if owner == userID {
			delete(s.refresh, tok)
		}
	}
	writeJSON(w, http.StatusOK, nil)
}
