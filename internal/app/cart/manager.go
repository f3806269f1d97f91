// Package cart owns the client's cart. The manager publishes one canonical
// CartSummary, applies mutations optimistically, reconciles with the
// server's summary, and rolls back to the last authoritative snapshot when
// a mutation fails.
package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/martlane/storefront/internal/app/classify"
	"github.com/martlane/storefront/internal/app/pipeline"
	"github.com/martlane/storefront/internal/domain"
	"github.com/martlane/storefront/internal/infra/observability"
	"github.com/martlane/storefront/internal/infra/signal"
)

// Service is the service name cart requests are routed to.
const Service = "cart"

// Cart endpoints.
const (
	pathCart         = "/api/cart"
	pathAdd          = "/api/cart/add"
	pathCount        = "/api/cart/count"
	pathClear        = "/api/cart/clear"
	pathValidate     = "/api/cart/validate"
	pathApplyCoupon  = "/api/cart/apply-coupon"
	pathRemoveCoupon = "/api/cart/remove-coupon"
	pathTransfer     = "/api/cart/transfer"
)

func pathItem(lineID string) string     { return "/api/cart/items/" + lineID }
func pathQuantity(lineID string) string { return "/api/cart/items/" + lineID + "/quantity" }

// Requester sends pipeline requests. *pipeline.Pipeline satisfies it.
type Requester interface {
	Do(ctx context.Context, req pipeline.Request, out any) error
}

// TokenSource reports whether the client is signed in.
type TokenSource interface {
	AccessToken() string
}

// GuestSession is the guest session accessor.
type GuestSession interface {
	ID() (string, error)
	Peek() string
	Clear() error
}

// Kind tags the manager's local state.
type Kind int

const (
	// Authoritative: the published summary is the server's.
	Authoritative Kind = iota
	// Optimistic: the published summary is a local projection awaiting
	// the server.
	Optimistic
)

func (k Kind) String() string {
	if k == Optimistic {
		return "optimistic"
	}
	return "authoritative"
}

// State is the tagged local state. OpID identifies the pending mutation.
type State struct {
	Kind Kind
	OpID uint64
}

// Manager is the cart state manager.
type Manager struct {
	req    Requester
	tokens TokenSource
	guest  GuestSession
	policy domain.DeliveryPolicy
	log    *zap.Logger
	// whoami reports the signed-in user for resuming a failed transfer.
	whoami func() domain.Identity

	// opMu serializes mutations so optimistic states never stack.
	opMu sync.Mutex

	mu            sync.Mutex
	authoritative domain.CartSummary
	state         State
	nextOp        uint64
	// guestOwner is the guest session whose cart authoritative holds, or "".
	guestOwner string

	summary *signal.Signal[domain.CartSummary]

	migrateMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the delivery policy used for optimistic projections.
func WithPolicy(p domain.DeliveryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithLogger sets the manager's logger.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithIdentity lets Load and Count finish a guest cart transfer that
// failed earlier. who reports the current identity.
func WithIdentity(who func() domain.Identity) Option {
	return func(m *Manager) { m.whoami = who }
}

// NewManager creates a manager with an empty cart.
func NewManager(req Requester, tokens TokenSource, guest GuestSession, opts ...Option) *Manager {
	m := &Manager{
		req:           req,
		tokens:        tokens,
		guest:         guest,
		policy:        domain.DefaultDeliveryPolicy(),
		log:           zap.NewNop(),
		authoritative: domain.EmptyCart(),
		summary:       signal.New(domain.EmptyCart()),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Summary streams the published cart summary. Subscribers receive the
// current value immediately.
func (m *Manager) Summary() *signal.Signal[domain.CartSummary] { return m.summary }

// Current returns a copy of the published summary.
func (m *Manager) Current() domain.CartSummary { return m.summary.Value().Clone() }

// State returns the tagged local state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Contains reports whether productID is in the published cart.
func (m *Manager) Contains(productID string) bool {
	return m.summary.Value().ProductIndex(productID) >= 0
}

// LineByProduct returns the published line holding productID.
func (m *Manager) LineByProduct(productID string) (domain.CartLine, bool) {
	s := m.summary.Value()
	if i := s.ProductIndex(productID); i >= 0 {
		return s.Lines[i], true
	}
	return domain.CartLine{}, false
}

// ─── Load ───────────────────────────────────────────────────────────────────

// Load replaces local state with the server's summary. It is not queued
// behind mutations and always wins over a pending projection. On failure
// the previous summary stays published. A signed-in client still holding
// a guest session retries that cart's transfer first.
func (m *Manager) Load(ctx context.Context) (domain.CartSummary, error) {
	m.resumeMigration(ctx)
	return m.load(ctx)
}

func (m *Manager) load(ctx context.Context) (domain.CartSummary, error) {
	owner, err := m.prepare()
	if err != nil {
		return m.Current(), err
	}
	var raw json.RawMessage
	if err := m.req.Do(ctx, pipeline.Request{Method: http.MethodGet, Service: Service, Endpoint: pathCart}, &raw); err != nil {
		m.log.Warn("cart load failed", zap.Error(err))
		return m.Current(), err
	}
	s, err := Normalize(raw)
	if err != nil {
		return m.Current(), &classify.Error{Kind: classify.KindUnknown, Endpoint: pathCart, Err: err}
	}
	return m.reconcile(s, owner), nil
}

// Reset drops local state back to an empty authoritative cart.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authoritative = domain.EmptyCart()
	m.state = State{Kind: Authoritative}
	m.guestOwner = ""
	m.summary.Publish(domain.EmptyCart())
}

// Count returns the server's item count, or 0 when it cannot be fetched.
func (m *Manager) Count(ctx context.Context) int {
	m.resumeMigration(ctx)
	if _, err := m.prepare(); err != nil {
		return 0
	}
	var n number
	if err := m.req.Do(ctx, pipeline.Request{Method: http.MethodGet, Service: Service, Endpoint: pathCount}, &n); err != nil {
		m.log.Debug("cart count failed", zap.Error(err))
		return 0
	}
	return int(n)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

// Add puts quantity units of product in the cart.
func (m *Manager) Add(ctx context.Context, product domain.ProductRef, quantity int) (domain.CartSummary, error) {
	if product.ID == "" {
		return m.Current(), domain.ErrInvalidProduct
	}
	if quantity < 1 {
		return m.Current(), domain.ErrInvalidQuantity
	}
	body := map[string]any{"productId": product.ID, "quantity": quantity}
	return m.mutate(ctx, "add", func(s domain.CartSummary, opID uint64) (domain.CartSummary, error) {
		if i := s.ProductIndex(product.ID); i >= 0 {
			s.Lines[i].SelectedQuantity += quantity
			return s, nil
		}
		s.Lines = append(s.Lines, domain.CartLine{
			LineID:            fmt.Sprintf("pending-%d", opID),
			Product:           product,
			UnitPrice:         product.UnitPrice,
			OriginalUnitPrice: product.OriginalPrice,
			SelectedQuantity:  quantity,
		})
		return s, nil
	}, func(guestID string) pipeline.Request {
		if guestID != "" {
			body["sessionId"] = guestID
		}
		return pipeline.Request{Method: http.MethodPost, Service: Service, Endpoint: pathAdd, Body: body}
	})
}

// SetQuantity changes a line's quantity. A quantity of zero or less removes it.
func (m *Manager) SetQuantity(ctx context.Context, lineID string, quantity int) (domain.CartSummary, error) {
	if quantity <= 0 {
		return m.Remove(ctx, lineID)
	}
	return m.mutate(ctx, "set_quantity", func(s domain.CartSummary, _ uint64) (domain.CartSummary, error) {
		i := s.LineIndex(lineID)
		if i < 0 {
			return s, domain.ErrLineNotFound
		}
		s.Lines[i].SelectedQuantity = quantity
		return s, nil
	}, func(string) pipeline.Request {
		return pipeline.Request{
			Method:   http.MethodPut,
			Service:  Service,
			Endpoint: pathQuantity(lineID),
			Body:     map[string]int{"quantity": quantity},
		}
	})
}

// Remove deletes a line.
func (m *Manager) Remove(ctx context.Context, lineID string) (domain.CartSummary, error) {
	return m.mutate(ctx, "remove", func(s domain.CartSummary, _ uint64) (domain.CartSummary, error) {
		i := s.LineIndex(lineID)
		if i < 0 {
			return s, domain.ErrLineNotFound
		}
		s.Lines = append(s.Lines[:i], s.Lines[i+1:]...)
		return s, nil
	}, func(string) pipeline.Request {
		return pipeline.Request{Method: http.MethodDelete, Service: Service, Endpoint: pathItem(lineID)}
	})
}

// Clear empties the cart.
func (m *Manager) Clear(ctx context.Context) (domain.CartSummary, error) {
	return m.mutate(ctx, "clear", func(domain.CartSummary, uint64) (domain.CartSummary, error) {
		return domain.EmptyCart(), nil
	}, func(string) pipeline.Request {
		return pipeline.Request{Method: http.MethodDelete, Service: Service, Endpoint: pathClear}
	})
}

// ApplyCoupon applies a coupon code. The discount is the server's to
// compute, so there is no projection.
func (m *Manager) ApplyCoupon(ctx context.Context, code string) (domain.CartSummary, error) {
	return m.confirm(ctx, "apply_coupon", pipeline.Request{
		Method: http.MethodPost, Service: Service, Endpoint: pathApplyCoupon,
		Body: map[string]string{"couponCode": code},
	})
}

// RemoveCoupon drops any applied coupon.
func (m *Manager) RemoveCoupon(ctx context.Context) (domain.CartSummary, error) {
	return m.confirm(ctx, "remove_coupon", pipeline.Request{
		Method: http.MethodPost, Service: Service, Endpoint: pathRemoveCoupon, Body: struct{}{},
	})
}

// Validate asks the server to re-check stock and prices.
func (m *Manager) Validate(ctx context.Context) (domain.CartSummary, error) {
	return m.confirm(ctx, "validate", pipeline.Request{
		Method: http.MethodPost, Service: Service, Endpoint: pathValidate, Body: struct{}{},
	})
}

// projectFunc computes the optimistic summary from a private copy of the
// authoritative one.
type projectFunc func(s domain.CartSummary, opID uint64) (domain.CartSummary, error)

// mutate runs one optimistic mutation: project, send, then reconcile or
// roll back. A response that is not a summary is reconciled with a Load.
func (m *Manager) mutate(ctx context.Context, op string, project projectFunc, build func(guestID string) pipeline.Request) (domain.CartSummary, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	owner, err := m.prepare()
	if err != nil {
		return m.Current(), err
	}

	m.mu.Lock()
	m.nextOp++
	opID := m.nextOp
	projected, err := project(m.authoritative.Clone(), opID)
	if err != nil {
		m.mu.Unlock()
		observability.CartMutations.WithLabelValues(op, "rejected").Inc()
		return m.Current(), err
	}
	m.state = State{Kind: Optimistic, OpID: opID}
	m.summary.Publish(m.policy.Project(projected))
	m.mu.Unlock()

	var raw json.RawMessage
	if err := m.req.Do(ctx, build(owner), &raw); err != nil {
		return m.rollback(op, opID, err), err
	}

	if looksLikeSummary(raw) {
		s, err := Normalize(raw)
		if err == nil {
			observability.CartMutations.WithLabelValues(op, "ok").Inc()
			return m.reconcile(s, owner), nil
		}
		m.log.Warn("unreadable mutation response, reloading", zap.String("op", op), zap.Error(err))
	}

	s, err := m.load(ctx)
	if err != nil {
		// The server accepted the change but its result is unknown; show
		// the last confirmed cart until the next load converges.
		m.rollback(op, opID, err)
		return m.Current(), err
	}
	observability.CartMutations.WithLabelValues(op, "ok").Inc()
	return s, nil
}

// confirm runs a mutation whose result only the server can compute.
func (m *Manager) confirm(ctx context.Context, op string, req pipeline.Request) (domain.CartSummary, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	owner, err := m.prepare()
	if err != nil {
		return m.Current(), err
	}
	var raw json.RawMessage
	if err := m.req.Do(ctx, req, &raw); err != nil {
		observability.CartMutations.WithLabelValues(op, "failed").Inc()
		return m.Current(), err
	}
	s, err := Normalize(raw)
	if err != nil {
		observability.CartMutations.WithLabelValues(op, "failed").Inc()
		return m.Current(), &classify.Error{Kind: classify.KindUnknown, Endpoint: req.Endpoint, Err: err}
	}
	observability.CartMutations.WithLabelValues(op, "ok").Inc()
	return m.reconcile(s, owner), nil
}

// rollback restores the last authoritative summary if opID is still the
// pending operation. A Load that landed meanwhile has already settled it.
func (m *Manager) rollback(op string, opID uint64, cause error) domain.CartSummary {
	observability.CartMutations.WithLabelValues(op, "failed").Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind == Optimistic && m.state.OpID == opID {
		m.state = State{Kind: Authoritative}
		m.summary.Publish(m.authoritative.Clone())
		observability.CartRollbacks.WithLabelValues(op).Inc()
		m.log.Info("cart mutation rolled back",
			zap.String("op", op),
			zap.Uint64("op_id", opID),
			zap.String("kind", string(classify.KindOf(cause))),
			zap.Error(cause))
	}
	return m.authoritative.Clone()
}

// reconcile installs s as the authoritative summary.
func (m *Manager) reconcile(s domain.CartSummary, owner string) domain.CartSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.Balanced() {
		m.log.Warn("server summary does not balance, recomputing grand total",
			zap.Float64("subtotal", s.Subtotal),
			zap.Float64("delivery", s.DeliveryCharge),
			zap.Float64("discount", s.Discount),
			zap.Float64("grand_total", s.GrandTotal))
		s.GrandTotal = domain.RoundCurrency(s.Subtotal + s.DeliveryCharge - s.Discount)
	}
	m.authoritative = s.Clone()
	m.state = State{Kind: Authoritative}
	m.guestOwner = owner
	m.summary.Publish(s.Clone())
	return s
}

// prepare returns the guest session id the next request is made for, or ""
// when signed in. A guest without a session id gets one.
func (m *Manager) prepare() (string, error) {
	if m.tokens.AccessToken() != "" {
		return "", nil
	}
	id, err := m.guest.ID()
	if err != nil {
		return "", fmt.Errorf("guest session: %w", err)
	}
	return id, nil
}
