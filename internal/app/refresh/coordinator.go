// Package refresh guarantees that at most one credential refresh is in
// flight for the whole client. Requests that hit a 401 while a refresh is
// running wait on it and all see the same outcome.
package refresh

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/signal"
)

// State is the coordinator's refresh state.
type State string

const (
	StateIdle       State = "IDLE"
	StateRefreshing State = "REFRESHING"
)

// Func exchanges a refresh token for a new credential pair.
type Func func(ctx context.Context, refreshToken string) (domain.Credential, error)

// CredentialStore is the subset of credential.Store the coordinator needs.
type CredentialStore interface {
	Get() *domain.Credential
	Set(domain.Credential) error
	Clear() error
}

const flightKey = "refresh"

// Coordinator runs refreshes single-flight.
type Coordinator struct {
	store      CredentialStore
	refresh    Func
	group      singleflight.Group
	inProgress *signal.Signal[bool]
	log        *zap.Logger

	// onUnauthenticated runs once per failed refresh, after the store is cleared.
	onUnauthenticated func(error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// OnUnauthenticated registers the client-wide logout hook.
func OnUnauthenticated(fn func(error)) Option {
	return func(c *Coordinator) { c.onUnauthenticated = fn }
}

// New creates a coordinator over store using fn to talk to the server.
func New(store CredentialStore, fn Func, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:      store,
		refresh:    fn,
		inProgress: signal.New(false),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InProgress is the subscribable "refreshing" flag.
func (c *Coordinator) InProgress() *signal.Signal[bool] { return c.inProgress }

// State reports whether a refresh is currently running.
func (c *Coordinator) State() State {
	if c.inProgress.Value() {
		return StateRefreshing
	}
	return StateIdle
}

// Refresh returns an access token newer than stale, the token the caller's
// rejected request carried. When another caller already replaced stale, the
// current token is returned without a server call. Otherwise the caller
// joins the single in-flight refresh, starting it when none is running.
//
// Every failure is *classify.Error. A cancelled ctx abandons the wait but
// never the shared refresh.
func (c *Coordinator) Refresh(ctx context.Context, stale string) (string, error) {
	if cur := c.store.Get(); cur != nil && cur.AccessToken != "" && cur.AccessToken != stale {
		c.log.Debug("credential already refreshed")
		return cur.AccessToken, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.run(shared, stale)
	})

	observability.RefreshWaiters.Inc()
	defer observability.RefreshWaiters.Dec()

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", classify.Transport(ctx.Err())
	}
}

// run performs one refresh. Only the singleflight leader executes it.
func (c *Coordinator) run(ctx context.Context, stale string) (string, error) {
	c.inProgress.Publish(true)
	defer c.inProgress.Publish(false)

	cur := c.store.Get()
	// A refresh that finished between the caller's check and DoChan.
	if cur != nil && cur.AccessToken != "" && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}
	// An earlier failed refresh already signed the caller's session out.
	if cur == nil && stale != "" {
		observability.RefreshAttempts.WithLabelValues("no_token").Inc()
		return "", classify.Unauthenticated(domain.ErrNoCredential)
	}
	if cur == nil || cur.RefreshToken == "" {
		observability.RefreshAttempts.WithLabelValues("no_token").Inc()
		return "", c.fail(domain.ErrNoRefreshToken)
	}

	c.log.Info("refreshing credential")
	next, err := c.refresh(ctx, cur.RefreshToken)
	if err != nil {
		observability.RefreshAttempts.WithLabelValues("failed").Inc()
		return "", c.fail(err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Owner.ID == "" {
		next.Owner = cur.Owner
	}
	if err := c.store.Set(next); err != nil {
		observability.RefreshAttempts.WithLabelValues("failed").Inc()
		return "", c.fail(fmt.Errorf("store refreshed credential: %w", err))
	}

	observability.RefreshAttempts.WithLabelValues("ok").Inc()
	c.log.Info("credential refreshed")
	return next.AccessToken, nil
}

// fail tears down the credential and returns the error every waiter sees.
func (c *Coordinator) fail(cause error) error {
	c.log.Warn("credential refresh failed, signing out", zap.Error(cause))
	if err := c.store.Clear(); err != nil {
		c.log.Error("clear credential", zap.Error(err))
	}
	unauth := classify.Unauthenticated(cause)
	if c.onUnauthenticated != nil {
		c.onUnauthenticated(unauth)
	}
	return unauth
}

// IsUnauthenticated reports whether err ended the session.
func IsUnauthenticated(err error) bool {
	return errors.Is(err, classify.ErrUnauthenticated)
}
