// Package session is the client's composition root. A Session owns the
// credential store, guest session, request tagger, pipeline and refresh
// coordinator, and publishes the authentication state UI collaborators
// subscribe to. It has an explicit Init and teardown; nothing is global.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/credential"
	"github.com/martlane/storefront/internal/app/pipeline"
	"github.com/martlane/storefront/internal/app/refresh"
	"github.com/martlane/storefront/internal/app/tagger"
	"github.com/martlane/storefront/internal/config"
	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/signal"
)

// UserService is the service that serves the identity endpoints.
const UserService = "user"

// Identity endpoints under UserService.
const (
	LoginPath    = "/api/auth/login"
	RegisterPath = "/api/auth/register"
	RefreshPath  = "/api/auth/refresh"
	MePath       = "/api/auth/me"
	LogoutPath   = "/api/auth/logout"
)

// LoginRequired is emitted when the session ended without the user asking.
// The UI decides how to react.
type LoginRequired struct {
	Reason error
	At     time.Time
}

// AuthResponse is the payload of login, register and refresh.
type AuthResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	User         domain.Identity `json:"user"`
	ExpiresIn    int64           `json:"expiresIn"` // seconds
}

// Credential converts r into a credential, resolving expiresIn against now.
func (r AuthResponse) Credential(now time.Time) domain.Credential {
	c := domain.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		Owner:        r.User,
	}
	c.Owner.IsGuest = false
	if r.ExpiresIn > 0 {
		exp := now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
		c.ExpiresAt = &exp
	}
	return c
}

// RegisterInput is a new account.
type RegisterInput struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Phone    string `json:"phone,omitempty"`
}

// Session wires the authenticated request stack together.
type Session struct {
	Store    *credential.Store
	Guest    *credential.Guest
	Tagger   *tagger.Tagger
	Pipeline *pipeline.Pipeline
	Refresh  *refresh.Coordinator

	log *zap.Logger
	now func() time.Time

	// mu serializes identity transitions.
	mu            sync.Mutex
	authenticated *signal.Signal[bool]
	identity      *signal.Signal[domain.Identity]
	loginRequired *signal.Feed[LoginRequired]
}

// Options carries optional collaborators.
type Options struct {
	HTTPClient *http.Client
	Tracer     *observability.Tracer
	Logger     *zap.Logger
}

// New builds a session over kv from cfg.
func New(kv domain.KVStore, cfg config.Config, opts Options) *Session {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Session{
		Store: credential.NewStore(kv, credential.Keys{
			Access:    cfg.Auth.TokenKey,
			Refresh:   cfg.Auth.RefreshTokenKey,
			User:      cfg.Auth.UserKey,
			ExpiresAt: cfg.Auth.ExpiresAtKey,
		}, log.Named("credential")),
		Guest:         credential.NewGuest(kv, cfg.Cart.GuestSessionKey, log.Named("guest")),
		Tagger:        tagger.New(kv, cfg.Tracing.CorrelationHeader, cfg.Tracing.SessionKey, log.Named("tagger")),
		log:           log.Named("session"),
		now:           time.Now,
		authenticated: signal.New(false),
		identity:      signal.New(domain.Identity{}),
		loginRequired: signal.NewFeed[LoginRequired](0),
	}

	popts := []pipeline.Option{
		pipeline.WithGuest(s.Guest),
		pipeline.WithTracer(opts.Tracer),
		pipeline.WithLogger(log.Named("pipeline")),
	}
	if opts.HTTPClient != nil {
		popts = append(popts, pipeline.WithHTTPClient(opts.HTTPClient))
	}
	s.Pipeline = pipeline.New(pipeline.Config{
		BaseURL:       cfg.API.BaseURL,
		Services:      cfg.API.Services,
		IdentityPaths: cfg.Auth.IdentityPaths,
		GuestHeader:   cfg.Cart.GuestSessionHeader,
		Timeout:       cfg.RequestTimeout(),
	}, s.Tagger, s.Store, popts...)

	s.Refresh = refresh.New(s.Store, s.refreshCall,
		refresh.WithLogger(log.Named("refresh")),
		refresh.OnUnauthenticated(s.sessionExpired))
	s.Pipeline.SetRefresher(s.Refresh)
	return s
}

// Authenticated streams whether a user is signed in.
func (s *Session) Authenticated() *signal.Signal[bool] { return s.authenticated }

// Identity streams the current identity, guest or user.
func (s *Session) Identity() *signal.Signal[domain.Identity] { return s.identity }

// LoginRequired streams unrecoverable authentication failures.
func (s *Session) LoginRequired() *signal.Feed[LoginRequired] { return s.loginRequired }

// Current returns the current identity.
func (s *Session) Current() domain.Identity { return s.identity.Value() }

// Init restores the persisted credential and confirms it with the server.
// Without a credential the client starts as a guest. A network failure
// during the check keeps the cached identity; a rejection signs out.
func (s *Session) Init(ctx context.Context) error {
	cred := s.Store.Get()
	if cred == nil {
		return s.becomeGuest(false)
	}

	s.publishUser(cred.Owner)
	me, err := s.Me(ctx)
	switch {
	case err == nil:
		if err := s.Store.SetOwner(me); err != nil && !errors.Is(err, domain.ErrNoCredential) {
			s.log.Warn("update cached identity", zap.Error(err))
		}
		s.publishUser(me)
		return nil
	case errors.Is(err, classify.ErrUnauthenticated), errors.Is(err, classify.ErrForbidden):
		s.log.Info("stored credential rejected", zap.Error(err))
		if s.Store.Get() == nil {
			// A failed refresh already signed out.
			return nil
		}
		if err := s.Store.Clear(); err != nil {
			return err
		}
		return s.becomeGuest(true)
	default:
		s.log.Warn("identity check failed, keeping cached identity", zap.Error(err))
		return nil
	}
}

// Me fetches the signed-in identity.
func (s *Session) Me(ctx context.Context) (domain.Identity, error) {
	me, err := pipeline.Send[domain.Identity](ctx, s.Pipeline, pipeline.Request{
		Method:   http.MethodGet,
		Service:  UserService,
		Endpoint: MePath,
	})
	if err != nil {
		return domain.Identity{}, err
	}
	if strings.TrimSpace(me.ID) == "" {
		return domain.Identity{}, &classify.Error{Kind: classify.KindUnknown, Endpoint: MePath, Err: domain.ErrMalformedIdentity}
	}
	me.IsGuest = false
	return me, nil
}

// Login signs in with email and password.
func (s *Session) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	return s.authenticate(ctx, LoginPath, map[string]string{"email": email, "password": password})
}

// Register creates an account and signs in.
func (s *Session) Register(ctx context.Context, in RegisterInput) (domain.Identity, error) {
	return s.authenticate(ctx, RegisterPath, in)
}

func (s *Session) authenticate(ctx context.Context, endpoint string, body any) (domain.Identity, error) {
	resp, err := pipeline.Send[AuthResponse](ctx, s.Pipeline, pipeline.Request{
		Method:   http.MethodPost,
		Service:  UserService,
		Endpoint: endpoint,
		Body:     body,
	})
	if err != nil {
		return domain.Identity{}, err
	}
	cred := resp.Credential(s.now())
	if !cred.Valid() || strings.TrimSpace(cred.Owner.ID) == "" {
		return domain.Identity{}, &classify.Error{Kind: classify.KindUnknown, Endpoint: endpoint, Err: domain.ErrNoCredential}
	}
	if err := s.Store.Set(cred); err != nil {
		return domain.Identity{}, err
	}
	s.log.Info("signed in", zap.String("user_id", cred.Owner.ID))
	s.publishUser(cred.Owner)
	return cred.Owner, nil
}

// Logout ends the session. The server is told on a best-effort basis; the
// local teardown always runs and rotates to a new guest identity.
func (s *Session) Logout(ctx context.Context) error {
	if s.Store.AccessToken() != "" {
		if err := s.Pipeline.Do(ctx, pipeline.Request{
			Method:   http.MethodPost,
			Service:  UserService,
			Endpoint: LogoutPath,
		}, nil); err != nil {
			s.log.Warn("server logout failed", zap.Error(err))
		}
	}
	if err := s.Store.Clear(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	s.log.Info("signed out")
	return s.becomeGuest(true)
}

// refreshCall is the coordinator's server exchange.
func (s *Session) refreshCall(ctx context.Context, refreshToken string) (domain.Credential, error) {
	resp, err := pipeline.Send[AuthResponse](ctx, s.Pipeline, pipeline.Request{
		Method:   http.MethodPost,
		Service:  UserService,
		Endpoint: RefreshPath,
		Body:     map[string]string{"refreshToken": refreshToken},
	})
	if err != nil {
		return domain.Credential{}, err
	}
	return resp.Credential(s.now()), nil
}

// sessionExpired runs after the coordinator has cleared the credential.
func (s *Session) sessionExpired(reason error) {
	if err := s.becomeGuest(true); err != nil {
		s.log.Error("rotate guest session", zap.Error(err))
	}
	s.loginRequired.Publish(LoginRequired{Reason: reason, At: s.now()})
}

// becomeGuest publishes a guest identity, rotating the guest session id
// when the client is leaving an authenticated session. A guest id that
// survived the authenticated session was never transferred, so it is kept
// and its cart stays reachable for the next sign-in.
func (s *Session) becomeGuest(rotate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id  string
		err error
	)
	switch {
	case rotate && s.Guest.Peek() != "":
		id = s.Guest.Peek()
		s.log.Info("keeping untransferred guest session", zap.String("session_id", id))
	case rotate:
		id, err = s.Guest.Rotate()
	default:
		id, err = s.Guest.ID()
	}
	if err != nil {
		return err
	}
	s.identity.Publish(domain.GuestIdentity(id))
	s.authenticated.Publish(false)
	return nil
}

func (s *Session) publishUser(who domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	who.IsGuest = false
	s.identity.Publish(who)
	s.authenticated.Publish(true)
}
