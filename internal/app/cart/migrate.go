package cart

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/pipeline"
	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/signal"
)

// MigrateGuestCart moves the guest cart into user's cart with one
// transfer-and-merge call. The guest session id is dropped on success and
// kept on failure so the next attempt can retry. Once dropped, later calls
// are no-ops, so a repeated migration never duplicates lines.
func (m *Manager) MigrateGuestCart(ctx context.Context, user domain.Identity) (domain.CartSummary, error) {
	if !user.Authenticated() {
		return m.Current(), domain.ErrNotSignedIn
	}

	m.migrateMu.Lock()
	defer m.migrateMu.Unlock()

	sid := m.guest.Peek()
	if sid == "" {
		observability.CartMigrations.WithLabelValues("noop").Inc()
		return m.Current(), nil
	}

	m.mu.Lock()
	knownEmpty := m.guestOwner == sid && len(m.authoritative.Lines) == 0
	m.mu.Unlock()
	if knownEmpty {
		m.log.Debug("guest cart empty, skipping transfer", zap.String("session_id", sid))
		observability.CartMigrations.WithLabelValues("skipped").Inc()
		return m.Current(), m.dropGuest()
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var raw json.RawMessage
	err := m.req.Do(ctx, pipeline.Request{
		Method:   http.MethodPost,
		Service:  Service,
		Endpoint: pathTransfer,
		Body: map[string]any{
			"sessionId":         sid,
			"userId":            user.ID,
			"mergeWithExisting": true,
		},
	}, &raw)
	if err != nil {
		observability.CartMigrations.WithLabelValues("failed").Inc()
		m.log.Warn("guest cart transfer failed, keeping guest session",
			zap.String("session_id", sid), zap.Error(err))
		return m.Current(), err
	}
	if err := m.dropGuest(); err != nil {
		return m.Current(), err
	}
	observability.CartMigrations.WithLabelValues("ok").Inc()
	m.log.Info("guest cart transferred", zap.String("session_id", sid), zap.String("user_id", user.ID))

	s, err := Normalize(raw)
	if err != nil || !looksLikeSummary(raw) {
		return m.Current(), nil
	}
	return m.reconcile(s, ""), nil
}

// resumeMigration retries a transfer that failed earlier. A failure is
// logged and the guest session kept for the next attempt.
func (m *Manager) resumeMigration(ctx context.Context) {
	if m.whoami == nil || m.tokens.AccessToken() == "" || m.guest.Peek() == "" {
		return
	}
	who := m.whoami()
	if !who.Authenticated() {
		return
	}
	m.log.Info("retrying guest cart transfer", zap.String("user_id", who.ID))
	if _, err := m.MigrateGuestCart(ctx, who); err != nil {
		m.log.Warn("guest cart transfer still pending", zap.Error(err))
	}
}

func (m *Manager) dropGuest() error {
	if err := m.guest.Clear(); err != nil {
		return &classify.Error{Kind: classify.KindUnknown, Endpoint: pathTransfer, Err: err}
	}
	return nil
}

// Watch follows identity changes until ctx is done. Signing in migrates the
// guest cart and loads the user's cart; falling back to a guest identity
// resets the cart and loads the guest's. The returned channel closes when
// the watcher has stopped.
func (m *Manager) Watch(ctx context.Context, identity *signal.Signal[domain.Identity]) <-chan struct{} {
	done := make(chan struct{})
	ch, unsub := identity.Subscribe()
	go func() {
		defer close(done)
		defer unsub()

		var last domain.Identity
		for {
			select {
			case <-ctx.Done():
				return
			case who, ok := <-ch:
				if !ok {
					return
				}
				if who == last {
					continue
				}
				prev := last
				last = who
				m.onIdentity(ctx, prev, who)
			}
		}
	}()
	return done
}

func (m *Manager) onIdentity(ctx context.Context, prev, who domain.Identity) {
	switch {
	case who.Authenticated():
		if _, err := m.MigrateGuestCart(ctx, who); err != nil {
			m.log.Warn("guest cart migration", zap.Error(err))
		}
	case who.IsGuest:
		if prev.Authenticated() {
			m.Reset()
		}
	default:
		return
	}
	if _, err := m.Load(ctx); err != nil {
		m.log.Debug("cart load after identity change", zap.Error(err))
	}
}
